package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/scanplane/pkg/events"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/orchestrator"
	"github.com/cuemby/scanplane/pkg/registry"
	"github.com/cuemby/scanplane/pkg/security"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/rs/zerolog"
)

// Result payloads carry whole scan results
const maxBodyBytes = 64 << 20

// Executors is the executor registry as seen by the API
type Executors interface {
	Register(ctx context.Context, req registry.RegisterRequest) (*types.Executor, error)
	List(ctx context.Context, tenantID string) ([]*types.Executor, error)
	SetStatus(ctx context.Context, tenantID, id string, status types.ExecutorStatus) (*types.Executor, error)
	Authenticate(ctx context.Context, token string) (*types.Executor, error)
	Heartbeat(ctx context.Context, token string, hb types.HeartbeatPayload) (*types.Executor, error)
}

// Tasks is the task command surface
type Tasks interface {
	CreateTask(ctx context.Context, req orchestrator.CreateTaskRequest) (*types.Task, error)
	AssignExecutor(ctx context.Context, tenantID, taskID, executorID string) (*types.Task, error)
	StartTask(ctx context.Context, tenantID, taskID string) (*types.Task, error)
	DeleteTask(ctx context.Context, tenantID, taskID string) (*types.Task, error)
	GetTask(ctx context.Context, tenantID, taskID string) (*types.Task, error)
	ListTasks(ctx context.Context, tenantID string) ([]*types.Task, error)
	ListStages(ctx context.Context, tenantID, taskID string) ([]*types.Stage, error)
}

// Results ingests executor result callbacks
type Results interface {
	HandleResult(ctx context.Context, payload *types.ResultPayload) (*types.Stage, error)
}

// EventSource streams domain events
type EventSource interface {
	Subscribe() events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// Secrets stores tenant credentials
type Secrets interface {
	PutRepoCredential(tenantID, name string, cred security.RepoCredential) error
	PutProToken(tenantID, token string, expiresAt time.Time) error
}

// Config wires a Server. Events, Secrets and Health are optional.
type Config struct {
	Executors Executors
	Tasks     Tasks
	Results   Results
	Events    EventSource
	Secrets   Secrets
	Health    *HealthServer
}

// Server is the control plane HTTP API
type Server struct {
	executors Executors
	tasks     Tasks
	results   Results
	events    EventSource
	secrets   Secrets
	mux       *http.ServeMux
	http      *http.Server
	logger    zerolog.Logger

	// keepAlive is the SSE comment interval
	keepAlive time.Duration
	// closing ends event streams on shutdown
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates the API server and registers its routes
func NewServer(cfg Config) *Server {
	s := &Server{
		executors: cfg.Executors,
		tasks:     cfg.Tasks,
		results:   cfg.Results,
		events:    cfg.Events,
		secrets:   cfg.Secrets,
		mux:       http.NewServeMux(),
		logger:    log.WithComponent("api"),
		keepAlive: 15 * time.Second,
		closing:   make(chan struct{}),
	}
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.http.RegisterOnShutdown(func() {
		s.closeOnce.Do(func() { close(s.closing) })
	})

	health := cfg.Health
	if health == nil {
		health = NewHealthServer()
	}
	s.mux.Handle("/health", health.GetHandler())
	s.mux.Handle("/ready", health.GetHandler())
	s.mux.Handle("/metrics", health.GetHandler())

	s.route("POST /api/v1/executors", "executors.register", tenantScoped(s.registerExecutor))
	s.route("GET /api/v1/executors", "executors.list", tenantScoped(s.listExecutors))
	s.route("PUT /api/v1/executors/{id}/status", "executors.status", tenantScoped(s.setExecutorStatus))
	s.route("POST /api/v1/executors/heartbeat", "executors.heartbeat", s.heartbeat)
	s.route("POST /api/v1/executors/results", "executors.results", s.executorAuth(s.result))

	s.route("POST /api/v1/tasks", "tasks.create", tenantScoped(s.createTask))
	s.route("GET /api/v1/tasks", "tasks.list", tenantScoped(s.listTasks))
	s.route("GET /api/v1/tasks/{id}", "tasks.get", tenantScoped(s.getTask))
	s.route("POST /api/v1/tasks/{id}/assign", "tasks.assign", tenantScoped(s.assignTask))
	s.route("POST /api/v1/tasks/{id}/start", "tasks.start", tenantScoped(s.startTask))
	s.route("DELETE /api/v1/tasks/{id}", "tasks.delete", tenantScoped(s.deleteTask))
	s.route("GET /api/v1/tasks/{id}/stages", "tasks.stages", tenantScoped(s.listStages))

	s.route("PUT /api/v1/secrets/credentials/{name}", "secrets.credential", tenantScoped(s.putCredential))
	s.route("PUT /api/v1/secrets/pro-token", "secrets.protoken", tenantScoped(s.putProToken))

	s.route("GET /api/v1/events", "events", tenantScoped(s.streamEvents))

	return s
}

func (s *Server) route(pattern, name string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, s.instrument(name, h))
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
