/*
Package api serves the scanplane control plane over HTTP.

Every route except the executor callbacks is tenant-scoped: the caller names
its tenant in the X-Tenant-ID header and only ever sees resources owned by
that tenant. Executor callbacks authenticate with the bearer token returned
at registration instead.

# Routes

	POST   /api/v1/executors                  register an executor (token returned once)
	GET    /api/v1/executors                  list executors
	PUT    /api/v1/executors/{id}/status      override an executor status
	POST   /api/v1/executors/heartbeat        liveness ping (bearer)
	POST   /api/v1/executors/results          stage result callback (bearer)

	POST   /api/v1/tasks                      create a task, dispatching when an executor is named
	GET    /api/v1/tasks                      list live tasks
	GET    /api/v1/tasks/{id}                 fetch one task
	POST   /api/v1/tasks/{id}/assign          bind an executor before any stage ran
	POST   /api/v1/tasks/{id}/start           run the pipeline on the control plane
	DELETE /api/v1/tasks/{id}                 cancel and soft-delete
	GET    /api/v1/tasks/{id}/stages          stage history

	PUT    /api/v1/secrets/credentials/{name} store a repository credential
	PUT    /api/v1/secrets/pro-token          store the engine pro token

	GET    /api/v1/events                     server-sent stage events (?taskId= filter)

	GET    /health, /ready, /metrics

# Errors

Handlers return errdefs classes and StatusCode maps them to HTTP:

	ErrNotFound        404
	ErrValidation      400
	ErrUnauthenticated 401
	ErrConflict        409
	ErrNotConnected    503
	context errors     408
	anything else      500 (message withheld)

Bodies of non-2xx replies are ErrorResponse. A task whose creation succeeded
but whose first dispatch failed is returned with the dispatch error in a
CreateTaskResponse so the caller can reassign it.

# Metrics

Each route is counted in scanplane_api_requests_total{route,status} and timed
in scanplane_api_request_duration_seconds{route}.
*/
package api
