// Package lifecycle is the only write path into stage storage. Every write
// also derives the owning task's status and emits one stage event.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/events"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/metrics"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/rs/zerolog"
)

// Publisher accepts stage events without blocking
type Publisher interface {
	Publish(event *events.Event) error
}

// Listener is notified synchronously after a stage write
type Listener func(ctx context.Context, stage *types.Stage, task *types.Task)

// Lifecycle persists stages and their consequences
type Lifecycle struct {
	store     storage.Store
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a Lifecycle. publisher may be nil.
func New(store storage.Store, publisher Publisher) *Lifecycle {
	return &Lifecycle{
		store:     store,
		publisher: publisher,
		logger:    log.WithComponent("lifecycle"),
		now:       time.Now,
	}
}

// AddListener registers l for every subsequent write
func (l *Lifecycle) AddListener(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// Persist upserts stage, ratchets the owning task and emits one event.
//
// A FAILED stage fails a task that is not yet terminal. A SUCCEEDED or
// SKIPPED final stage succeeds a PENDING or RUNNING task. CANCELED tasks are
// never changed.
func (l *Lifecycle) Persist(ctx context.Context, stage *types.Stage, correlationID string) (*types.Task, error) {
	if stage.ID == "" || stage.TaskID == "" {
		return nil, errdefs.Validation("stage requires id and task id")
	}
	if err := l.store.PutStage(stage); err != nil {
		return nil, fmt.Errorf("failed to persist stage %s: %w", stage.ID, err)
	}

	logger := log.WithStage(stage.TaskID, stage.ID)

	task, err := l.store.UpdateTask(stage.TaskID, func(t *types.Task) error {
		next, ok := nextTaskStatus(t.Status, stage)
		if !ok {
			return storage.ErrUnchanged
		}
		t.Status = next
		t.UpdatedAt = l.now()
		return nil
	})
	if err != nil {
		// The stage write stands; a missing task only loses the derived status
		logger.Error().Err(err).Msg("Failed to update task status from stage")
	} else if correlationID == "" {
		correlationID = task.CorrelationID
	}

	if stage.Status.Terminal() && stage.EndedAt != nil {
		metrics.StageDuration.WithLabelValues(string(stage.Type), string(stage.Status)).
			Observe(stage.EndedAt.Sub(stage.StartedAt).Seconds())
	}

	l.emit(stage, correlationID, logger)

	logger.Debug().
		Str("stage_type", string(stage.Type)).
		Str("status", string(stage.Status)).
		Msg("Stage persisted")

	l.mu.RLock()
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, listener := range listeners {
		listener(ctx, stage, task)
	}
	return task, nil
}

// ReasonDispatchFailed marks a stage withdrawn because its assignment could
// not be written
const ReasonDispatchFailed = "dispatch_failed"

// Withdraw removes a RUNNING stage whose dispatch never happened and emits a
// StageUpdated event closing the StageStarted one subscribers already saw.
// The task is left as is; the caller returns the dispatch error instead.
func (l *Lifecycle) Withdraw(ctx context.Context, stage *types.Stage, correlationID string, cause error) error {
	if err := l.store.DeleteStage(stage.ID); err != nil {
		return fmt.Errorf("failed to remove stage %s: %w", stage.ID, err)
	}

	withdrawn := *stage
	withdrawn.Status = types.StageStatusFailed
	now := l.now()
	withdrawn.EndedAt = &now
	if cause != nil {
		withdrawn.Message = cause.Error()
	}

	logger := log.WithStage(stage.TaskID, stage.ID)
	l.publish(&events.Event{
		Type:          events.EventStageUpdated,
		TenantID:      withdrawn.TenantID,
		TaskID:        withdrawn.TaskID,
		StageID:       withdrawn.ID,
		StageType:     withdrawn.Type,
		Status:        withdrawn.Status,
		CorrelationID: correlationID,
		Message:       withdrawn.Message,
		Metadata:      map[string]string{"reason": ReasonDispatchFailed, "withdrawn": "true"},
	}, logger)
	logger.Info().Str("reason", ReasonDispatchFailed).Msg("Stage withdrawn")
	return nil
}

func nextTaskStatus(current types.TaskStatus, stage *types.Stage) (types.TaskStatus, bool) {
	switch {
	case stage.Status == types.StageStatusFailed:
		if current.Terminal() {
			return current, false
		}
		return types.TaskStatusFailed, true
	case stage.Type.IsFinal() &&
		(stage.Status == types.StageStatusSucceeded || stage.Status == types.StageStatusSkipped):
		if current != types.TaskStatusPending && current != types.TaskStatusRunning {
			return current, false
		}
		return types.TaskStatusSucceeded, true
	}
	return current, false
}

func (l *Lifecycle) emit(stage *types.Stage, correlationID string, logger zerolog.Logger) {
	if l.publisher == nil {
		return
	}

	event := &events.Event{
		Type:          events.ForStageStatus(stage.Status),
		TenantID:      stage.TenantID,
		TaskID:        stage.TaskID,
		StageID:       stage.ID,
		StageType:     stage.Type,
		Status:        stage.Status,
		CorrelationID: correlationID,
		Artifacts:     stage.Artifacts,
		Signals:       stage.Signals,
		Metrics:       stage.Metrics,
		Message:       stage.Message,
	}
	if stage.Spec.Reason != "" {
		event.Metadata = map[string]string{"reason": stage.Spec.Reason}
	}
	l.publish(event, logger)
}

func (l *Lifecycle) publish(event *events.Event, logger zerolog.Logger) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(event); err != nil {
		logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Stage event not published")
	}
}
