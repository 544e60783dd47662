/*
Package client is a Go client for the scanplane HTTP API.

It is what the scanplane CLI uses for every control plane call. Tenant-scoped
calls send the tenant configured with WithTenant; executor callbacks send
the bearer token configured with WithToken:

	c, err := client.NewClient("127.0.0.1:8080", client.WithTenant("acme"))
	task, err := c.CreateTask(orchestrator.CreateTaskRequest{...})

Non-2xx replies are mapped back onto the errdefs classes, so callers can
test errors with errdefs.IsNotFound and friends. Transport failures are
reported as errdefs.ErrNotConnected.

Every call is bounded by a timeout (10s unless WithTimeout says otherwise).
*/
package client
