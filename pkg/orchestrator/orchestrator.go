package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/scanplane/pkg/engine"
	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/stage"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExecutorLookup resolves executors by id
type ExecutorLookup interface {
	Get(ctx context.Context, id string) (*types.Executor, error)
}

// StageRunner produces one stage of a task
type StageRunner interface {
	Run(ctx context.Context, taskID string, stageType types.StageType) (*types.Stage, error)
}

// WorkspaceRemover deletes a task's local workspace
type WorkspaceRemover interface {
	Delete(taskID string) error
}

// CreateTaskRequest describes a new task
type CreateTaskRequest struct {
	TenantID   string         `json:"-" yaml:"-"`
	ProjectID  string         `json:"projectId,omitempty" yaml:"projectId,omitempty"`
	RepoID     string         `json:"repoId,omitempty" yaml:"repoId,omitempty"`
	ExecutorID string         `json:"executorId,omitempty" yaml:"executorId,omitempty"`
	Owner      string         `json:"owner,omitempty" yaml:"owner,omitempty"`
	Type       types.TaskType `json:"type" yaml:"type"`
	Spec       types.TaskSpec `json:"spec" yaml:"spec"`
}

type taskRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	refs    int
	cleanup bool
}

// Orchestrator accepts task commands and drives task pipelines
type Orchestrator struct {
	store      storage.Store
	executors  ExecutorLookup
	stages     StageRunner
	workspaces WorkspaceRemover
	logger     zerolog.Logger
	now        func() time.Time

	base       context.Context
	cancelBase context.CancelFunc

	mu   sync.Mutex
	runs map[string]*taskRun
	wg   sync.WaitGroup
}

// New creates an orchestrator. workspaces may be nil.
func New(store storage.Store, executors ExecutorLookup, stages StageRunner, workspaces WorkspaceRemover) *Orchestrator {
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      store,
		executors:  executors,
		stages:     stages,
		workspaces: workspaces,
		logger:     log.WithComponent("orchestrator"),
		now:        time.Now,
		base:       base,
		cancelBase: cancel,
		runs:       make(map[string]*taskRun),
	}
}

// CreateTask persists a PENDING task. With an executor assigned the
// scan-exec stage is dispatched before returning; a dispatch error is
// returned together with the task, which stays PENDING.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (*types.Task, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.ExecutorID != "" {
		if _, err := o.availableExecutor(ctx, req.TenantID, req.ExecutorID); err != nil {
			return nil, err
		}
	}

	now := o.now()
	task := &types.Task{
		ID:            uuid.New().String(),
		TenantID:      req.TenantID,
		ProjectID:     req.ProjectID,
		RepoID:        req.RepoID,
		ExecutorID:    req.ExecutorID,
		Type:          req.Type,
		Spec:          req.Spec,
		Status:        types.TaskStatusPending,
		CorrelationID: uuid.New().String(),
		Owner:         req.Owner,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateTask(task); err != nil {
		return nil, err
	}

	logger := log.WithTaskID(task.ID)
	logger.Info().
		Str("tenant_id", task.TenantID).
		Str("type", string(task.Type)).
		Str("executor_id", task.ExecutorID).
		Msg("Task created")

	if task.ExecutorID == "" {
		return task, nil
	}
	if _, err := o.stages.Run(ctx, task.ID, stage.ScanExecType(task.Type)); err != nil {
		logger.Warn().Err(err).Msg("Initial dispatch failed")
		return task, err
	}
	return task, nil
}

// AssignExecutor binds a PENDING task to an executor and dispatches it
func (o *Orchestrator) AssignExecutor(ctx context.Context, tenantID, taskID, executorID string) (*types.Task, error) {
	if _, err := o.availableExecutor(ctx, tenantID, executorID); err != nil {
		return nil, err
	}
	if o.active(taskID) || o.hasStages(taskID) {
		return nil, errdefs.Conflict("task %s has already started", taskID)
	}

	task, err := o.store.UpdateTask(taskID, func(t *types.Task) error {
		if t.TenantID != tenantID || t.Deleted() {
			return errdefs.NotFound("task %s", taskID)
		}
		if t.Status != types.TaskStatusPending {
			return errdefs.Validation("task %s is %s", taskID, t.Status)
		}
		t.ExecutorID = executorID
		t.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.stages.Run(ctx, task.ID, stage.ScanExecType(task.Type)); err != nil {
		return task, err
	}
	return task, nil
}

// StartTask runs the pipeline of a PENDING task without an executor on this
// host in the background
func (o *Orchestrator) StartTask(ctx context.Context, tenantID, taskID string) (*types.Task, error) {
	task, err := o.ownedTask(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if task.ExecutorID != "" {
		return nil, errdefs.Validation("task %s is assigned to executor %s", taskID, task.ExecutorID)
	}
	if task.Status != types.TaskStatusPending {
		return nil, errdefs.Validation("task %s is %s", taskID, task.Status)
	}
	if o.active(taskID) || o.hasStages(taskID) {
		return nil, errdefs.Conflict("task %s has already started", taskID)
	}

	o.spawn(taskID, func(ctx context.Context) {
		o.runLocal(ctx, task)
	})
	return task, nil
}

// runLocal runs the pipeline up to and including scan-exec. Later stages
// follow from OnStage.
func (o *Orchestrator) runLocal(ctx context.Context, task *types.Task) {
	logger := log.WithTaskID(task.ID)
	for _, st := range stage.Pipeline(task.Type, false) {
		if ctx.Err() != nil {
			logger.Info().Msg("Local pipeline canceled")
			return
		}
		s, err := o.stages.Run(ctx, task.ID, st)
		if err != nil {
			logger.Warn().Err(err).Str("stage_type", string(st)).Msg("Stage not produced")
			return
		}
		if s.Status != types.StageStatusSucceeded || st.IsScanExec() {
			return
		}
	}
}

// OnStage advances a pipeline after a stage write. It is registered as a
// lifecycle listener.
func (o *Orchestrator) OnStage(_ context.Context, s *types.Stage, task *types.Task) {
	if task == nil || task.Deleted() || task.Status.Terminal() {
		return
	}

	advance := false
	switch {
	case s.Type.IsScanExec():
		advance = s.Status == types.StageStatusSucceeded
	case s.Type == types.StageResultProcess || s.Type == types.StageSCAResultProcess:
		advance = s.Status == types.StageStatusSucceeded || s.Status == types.StageStatusSkipped
	}
	if !advance {
		return
	}
	next, ok := stage.Next(task.Type, s.Type)
	if !ok {
		return
	}

	taskID := task.ID
	o.spawn(taskID, func(ctx context.Context) {
		if _, err := o.stages.Run(ctx, taskID, next); err != nil {
			logger := log.WithTaskID(taskID)
			logger.Warn().Err(err).Str("stage_type", string(next)).Msg("Stage not produced")
		}
	})
}

// DeleteTask cancels a PENDING or RUNNING task, soft-deletes it and stops
// local work in flight
func (o *Orchestrator) DeleteTask(ctx context.Context, tenantID, taskID string) (*types.Task, error) {
	task, err := o.store.UpdateTask(taskID, func(t *types.Task) error {
		if t.TenantID != tenantID || t.Deleted() {
			return errdefs.NotFound("task %s", taskID)
		}
		now := o.now()
		if !t.Status.Terminal() {
			t.Status = types.TaskStatusCanceled
		}
		t.DeletedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !o.cancel(taskID) && o.workspaces != nil {
		if err := o.workspaces.Delete(taskID); err != nil {
			o.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to remove workspace")
		}
	}

	logger := log.WithTaskID(taskID)
	logger.Info().Str("status", string(task.Status)).Msg("Task deleted")
	return task, nil
}

// GetTask returns a task with its effective status
func (o *Orchestrator) GetTask(ctx context.Context, tenantID, taskID string) (*types.Task, error) {
	task, err := o.ownedTask(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	return o.effective(task), nil
}

// ListTasks returns the live tasks of a tenant with their effective status
func (o *Orchestrator) ListTasks(ctx context.Context, tenantID string) ([]*types.Task, error) {
	tasks, err := o.store.ListTasksByTenant(tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Deleted() {
			continue
		}
		out = append(out, o.effective(t))
	}
	return out, nil
}

// ListStages returns the stages of a task in start order
func (o *Orchestrator) ListStages(ctx context.Context, tenantID, taskID string) ([]*types.Stage, error) {
	if _, err := o.ownedTask(tenantID, taskID); err != nil {
		return nil, err
	}
	return o.store.ListStagesByTask(taskID)
}

// Wait blocks until background stage work has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels all background work and waits for it
func (o *Orchestrator) Shutdown() {
	o.cancelBase()
	o.wg.Wait()
}

// effective reports RUNNING for a PENDING task that has stage activity
func (o *Orchestrator) effective(task *types.Task) *types.Task {
	if task.Status == types.TaskStatusPending && (o.active(task.ID) || o.hasStages(task.ID)) {
		view := *task
		view.Status = types.TaskStatusRunning
		return &view
	}
	return task
}

func (o *Orchestrator) ownedTask(tenantID, taskID string) (*types.Task, error) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.TenantID != tenantID {
		return nil, errdefs.NotFound("task %s", taskID)
	}
	return task, nil
}

func (o *Orchestrator) hasStages(taskID string) bool {
	stages, err := o.store.ListStagesByTask(taskID)
	return err == nil && len(stages) > 0
}

func (o *Orchestrator) availableExecutor(ctx context.Context, tenantID, executorID string) (*types.Executor, error) {
	executor, err := o.executors.Get(ctx, executorID)
	if err != nil {
		return nil, err
	}
	if executor.TenantID != tenantID {
		return nil, errdefs.NotFound("executor %s", executorID)
	}
	if !executor.Status.AcceptsWork() {
		return nil, errdefs.Validation("executor %s is %s", executorID, executor.Status)
	}
	return executor, nil
}

func validateRequest(req CreateTaskRequest) error {
	if req.TenantID == "" {
		return errdefs.Validation("tenant is required")
	}
	if req.Type != types.TaskTypeSAST && req.Type != types.TaskTypeSCA {
		return errdefs.Validation("unknown task type %q", req.Type)
	}
	if req.Spec.Source.Type == "" {
		return errdefs.Validation("source type is required")
	}
	if _, err := engine.Lookup(req.Type, req.Spec.Engine.Engine); err != nil {
		return err
	}
	return nil
}
