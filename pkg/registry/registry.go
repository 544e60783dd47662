package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RegisterRequest describes a new executor
type RegisterRequest struct {
	TenantID  string                  `json:"tenantId"`
	Name      string                  `json:"name"`
	Labels    map[string]string       `json:"labels,omitempty"`
	Capacity  types.ExecutorResources `json:"capacity"`
	PublicKey string                  `json:"publicKey,omitempty"`
}

// Registry owns executor records and their status transitions
type Registry struct {
	store  storage.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a registry backed by store
func New(store storage.Store) *Registry {
	return &Registry{
		store:  store,
		logger: log.WithComponent("registry"),
		now:    time.Now,
	}
}

// Register creates an executor in REGISTERED status. The returned value carries
// the plaintext token; it cannot be recovered later.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*types.Executor, error) {
	if req.TenantID == "" {
		return nil, errdefs.Validation("tenant is required")
	}
	if req.Name == "" {
		return nil, errdefs.Validation("executor name is required")
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := r.now()
	executor := &types.Executor{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Name:      req.Name,
		Labels:    req.Labels,
		Status:    types.ExecutorStatusRegistered,
		Capacity:  req.Capacity,
		PublicKey: req.PublicKey,
		TokenHash: HashToken(token),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateExecutor(executor); err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	r.logger.Info().
		Str("executor_id", executor.ID).
		Str("tenant_id", executor.TenantID).
		Str("name", executor.Name).
		Msg("Executor registered")

	executor.Token = token
	return executor, nil
}

// Get returns an executor by id
func (r *Registry) Get(ctx context.Context, id string) (*types.Executor, error) {
	return r.store.GetExecutor(id)
}

// List returns the executors of a tenant
func (r *Registry) List(ctx context.Context, tenantID string) ([]*types.Executor, error) {
	executors, err := r.store.ListExecutors()
	if err != nil {
		return nil, err
	}
	filtered := make([]*types.Executor, 0, len(executors))
	for _, e := range executors {
		if e.TenantID == tenantID {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// Authenticate resolves a bearer token without mutating the executor
func (r *Registry) Authenticate(ctx context.Context, token string) (*types.Executor, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", errdefs.ErrUnauthenticated)
	}
	executor, err := r.store.GetExecutorByTokenHash(HashToken(token))
	if errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("%w: unknown token", errdefs.ErrUnauthenticated)
	}
	return executor, err
}

// Heartbeat records liveness for the executor owning token. REGISTERED and
// OFFLINE executors become READY; any other status is preserved. An unknown
// token returns errdefs.ErrNotFound.
func (r *Registry) Heartbeat(ctx context.Context, token string, hb types.HeartbeatPayload) (*types.Executor, error) {
	current, err := r.store.GetExecutorByTokenHash(HashToken(token))
	if err != nil {
		return nil, err
	}

	now := r.now()
	var previous types.ExecutorStatus
	executor, err := r.store.UpdateExecutor(current.ID, func(e *types.Executor) error {
		previous = e.Status
		if e.Status == types.ExecutorStatusRegistered || e.Status == types.ExecutorStatusOffline {
			e.Status = types.ExecutorStatusReady
		}
		usage := types.ExecutorUsage{}
		if e.Usage != nil {
			usage = *e.Usage
		}
		if hb.CPUUsage != nil {
			usage.CPU = *hb.CPUUsage
		}
		if hb.MemoryUsageMB != nil {
			usage.MemoryMB = *hb.MemoryUsageMB
		}
		e.Usage = &usage
		e.LastHeartbeat = now
		e.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if previous != executor.Status {
		r.logger.Info().
			Str("executor_id", executor.ID).
			Str("from", string(previous)).
			Str("to", string(executor.Status)).
			Msg("Executor status changed on heartbeat")
	}
	return executor, nil
}

// SetStatus overwrites the status of an executor owned by tenantID
func (r *Registry) SetStatus(ctx context.Context, tenantID, id string, status types.ExecutorStatus) (*types.Executor, error) {
	if !status.Valid() {
		return nil, errdefs.Validation("unknown executor status %q", status)
	}
	return r.store.UpdateExecutor(id, func(e *types.Executor) error {
		if e.TenantID != tenantID {
			return errdefs.NotFound("executor %s", id)
		}
		if e.Status == status {
			return storage.ErrUnchanged
		}
		e.Status = status
		e.UpdatedAt = r.now()
		return nil
	})
}

// MarkBusy moves a READY executor to BUSY without a tenant check. Other
// statuses are left alone so an operator drain or a stale sweep is not undone
// by a dispatch that raced it.
func (r *Registry) MarkBusy(ctx context.Context, id string) error {
	_, err := r.store.UpdateExecutor(id, func(e *types.Executor) error {
		if e.Status != types.ExecutorStatusReady {
			return storage.ErrUnchanged
		}
		e.Status = types.ExecutorStatusBusy
		e.UpdatedAt = r.now()
		return nil
	})
	return err
}

// MarkReady moves a BUSY executor back to READY. Other statuses are left alone.
func (r *Registry) MarkReady(ctx context.Context, id string) error {
	_, err := r.store.UpdateExecutor(id, func(e *types.Executor) error {
		if e.Status != types.ExecutorStatusBusy {
			return storage.ErrUnchanged
		}
		e.Status = types.ExecutorStatusReady
		e.UpdatedAt = r.now()
		return nil
	})
	return err
}

// MarkOffline forces an executor OFFLINE and clears its usage. It reports
// whether the record changed.
func (r *Registry) MarkOffline(ctx context.Context, id string) (bool, error) {
	changed := false
	_, err := r.store.UpdateExecutor(id, func(e *types.Executor) error {
		if e.Status == types.ExecutorStatusOffline && e.Usage == nil {
			return storage.ErrUnchanged
		}
		e.Status = types.ExecutorStatusOffline
		e.Usage = nil
		e.UpdatedAt = r.now()
		changed = true
		return nil
	})
	return changed, err
}

// ListStale returns executors in one of statuses whose last heartbeat is
// older than deadline, or that never heartbeated and were created before it.
func (r *Registry) ListStale(ctx context.Context, deadline time.Time, statuses []types.ExecutorStatus) ([]*types.Executor, error) {
	executors, err := r.store.ListExecutors()
	if err != nil {
		return nil, err
	}

	want := make(map[types.ExecutorStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var stale []*types.Executor
	for _, e := range executors {
		if !want[e.Status] {
			continue
		}
		if e.LastHeartbeat.IsZero() {
			if e.CreatedAt.Before(deadline) {
				stale = append(stale, e)
			}
			continue
		}
		if e.LastHeartbeat.Before(deadline) {
			stale = append(stale, e)
		}
	}
	return stale, nil
}
