package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/metrics"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultStallGrace is how long an executor may stay OFFLINE while still
// owning a RUNNING stage before the stage is reported as stalled
const DefaultStallGrace = 10 * time.Minute

// ExecutorMarker adjusts executor status from observed stage activity
type ExecutorMarker interface {
	MarkBusy(ctx context.Context, id string) error
	MarkReady(ctx context.Context, id string) error
}

// Report summarizes one reconciliation cycle
type Report struct {
	MarkedBusy  []string
	MarkedReady []string
	Stalled     []string // stage ids
}

// Reconciler keeps executor status consistent with RUNNING stages and flags
// stages whose executor went away
type Reconciler struct {
	store     storage.Store
	executors ExecutorMarker
	grace     time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	mu        sync.Mutex
}

// NewReconciler creates a reconciler. A non-positive grace selects
// DefaultStallGrace.
func NewReconciler(store storage.Store, executors ExecutorMarker, grace time.Duration) *Reconciler {
	if grace <= 0 {
		grace = DefaultStallGrace
	}
	return &Reconciler{
		store:     store,
		executors: executors,
		grace:     grace,
		now:       time.Now,
		logger:    log.WithComponent("reconciler"),
	}
}

// Run performs one cycle. It has the scheduler job signature.
func (r *Reconciler) Run(ctx context.Context) error {
	_, err := r.Reconcile(ctx)
	return err
}

// Reconcile performs one reconciliation cycle.
//
// A READY executor that owns a RUNNING stage becomes BUSY; a BUSY executor
// with none becomes READY. RUNNING stages whose executor has been OFFLINE
// for longer than the grace period are only reported: they are counted in
// the stalled-stages gauge and logged, never failed or re-dispatched.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCycles.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	running, err := r.store.ListStagesByStatus(types.StageStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running stages: %w", err)
	}
	executors, err := r.store.ListExecutors()
	if err != nil {
		return nil, fmt.Errorf("failed to list executors: %w", err)
	}

	owned := make(map[string][]*types.Stage)
	for _, s := range running {
		if s.ExecutorID != "" {
			owned[s.ExecutorID] = append(owned[s.ExecutorID], s)
		}
	}

	report := &Report{}
	var errs []error
	byID := make(map[string]*types.Executor, len(executors))
	for _, e := range executors {
		byID[e.ID] = e
		n := len(owned[e.ID])
		switch {
		case e.Status == types.ExecutorStatusReady && n > 0:
			if err := r.executors.MarkBusy(ctx, e.ID); err != nil {
				errs = append(errs, fmt.Errorf("executor %s: %w", e.ID, err))
				continue
			}
			report.MarkedBusy = append(report.MarkedBusy, e.ID)
		case e.Status == types.ExecutorStatusBusy && n == 0:
			if err := r.executors.MarkReady(ctx, e.ID); err != nil {
				errs = append(errs, fmt.Errorf("executor %s: %w", e.ID, err))
				continue
			}
			report.MarkedReady = append(report.MarkedReady, e.ID)
		}
	}

	deadline := r.now().Add(-r.grace)
	for executorID, stages := range owned {
		e, ok := byID[executorID]
		if ok && !offlineSince(e, deadline) {
			continue
		}
		for _, s := range stages {
			report.Stalled = append(report.Stalled, s.ID)
			r.logger.Warn().
				Str("task_id", s.TaskID).
				Str("stage_id", s.ID).
				Str("executor_id", executorID).
				Bool("executor_missing", !ok).
				Time("started_at", s.StartedAt).
				Msg("Stage stalled on unavailable executor")
		}
	}
	sort.Strings(report.Stalled)
	metrics.StalledStages.Set(float64(len(report.Stalled)))

	if len(report.MarkedBusy)+len(report.MarkedReady) > 0 {
		r.logger.Info().
			Int("marked_busy", len(report.MarkedBusy)).
			Int("marked_ready", len(report.MarkedReady)).
			Msg("Executor status reconciled")
	}
	return report, errors.Join(errs...)
}

// offlineSince reports whether e is OFFLINE and has been silent since before deadline
func offlineSince(e *types.Executor, deadline time.Time) bool {
	if e.Status != types.ExecutorStatusOffline {
		return false
	}
	last := e.LastHeartbeat
	if last.IsZero() {
		last = e.UpdatedAt
	}
	return last.Before(deadline)
}
