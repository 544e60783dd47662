// Package heartbeat expires executors that stopped sending heartbeats.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/metrics"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultTimeout is how long an executor may stay silent before it is marked OFFLINE
const DefaultTimeout = 2 * time.Minute

// Registry is the subset of the executor registry the monitor needs
type Registry interface {
	ListStale(ctx context.Context, deadline time.Time, statuses []types.ExecutorStatus) ([]*types.Executor, error)
	MarkOffline(ctx context.Context, id string) (bool, error)
}

// liveStatuses are the statuses a silent executor is expired from
var liveStatuses = []types.ExecutorStatus{
	types.ExecutorStatusReady,
	types.ExecutorStatusBusy,
	types.ExecutorStatusDraining,
}

// Monitor marks silent executors OFFLINE
type Monitor struct {
	registry Registry
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewMonitor creates a monitor. A non-positive timeout selects DefaultTimeout.
func NewMonitor(registry Registry, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{
		registry: registry,
		timeout:  timeout,
		now:      time.Now,
		logger:   log.WithComponent("heartbeat"),
	}
}

// Sweep marks every stale executor OFFLINE and returns how many changed.
// A failure on one executor does not stop the others; the failures are
// joined into the returned error.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	metrics.HeartbeatSweeps.Inc()

	deadline := m.now().Add(-m.timeout)
	stale, err := m.registry.ListStale(ctx, deadline, liveStatuses)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale executors: %w", err)
	}

	marked := 0
	var errs []error
	for _, executor := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		changed, err := m.registry.MarkOffline(ctx, executor.ID)
		if err != nil {
			m.logger.Error().Err(err).Str("executor_id", executor.ID).Msg("Failed to mark executor offline")
			errs = append(errs, fmt.Errorf("executor %s: %w", executor.ID, err))
			continue
		}
		if !changed {
			continue
		}

		marked++
		metrics.ExecutorsMarkedOffline.Inc()
		m.logger.Warn().
			Str("executor_id", executor.ID).
			Str("previous_status", string(executor.Status)).
			Time("last_heartbeat", executor.LastHeartbeat).
			Msg("Executor missed heartbeats, marked offline")
	}

	return marked, errors.Join(errs...)
}

// Run adapts Sweep to the scheduler's job signature
func (m *Monitor) Run(ctx context.Context) error {
	_, err := m.Sweep(ctx)
	return err
}
