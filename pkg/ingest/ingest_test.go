package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/scanplane/pkg/artifact"
	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/events"
	"github.com/cuemby/scanplane/pkg/lifecycle"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store     *storage.BoltStore
	artifacts *artifact.Store
	pub       *recordingPublisher
	ingester  *Ingester
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	store, err := storage.NewBoltStore(base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ws, err := artifact.NewWorkspaces(filepath.Join(base, "ws"))
	require.NoError(t, err)
	arts, err := artifact.NewStore(filepath.Join(base, "artifacts"), "/workspace", ws)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	ing := New(store, lifecycle.New(store, pub), arts)
	return &fixture{store: store, artifacts: arts, pub: pub, ingester: ing}
}

func (f *fixture) runningStage(t *testing.T, taskType types.TaskType) (*types.Task, *types.Stage) {
	t.Helper()
	task := &types.Task{
		ID:            "task-1",
		TenantID:      "tenant-a",
		ExecutorID:    "exec-1",
		Type:          taskType,
		Status:        types.TaskStatusPending,
		CorrelationID: "corr-1",
	}
	require.NoError(t, f.store.CreateTask(task))

	stage := &types.Stage{
		ID:         "stage-1",
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		Type:       types.StageScanExec,
		Spec:       types.StageSpec{Version: 1, Params: map[string]string{"engine": "semgrep"}},
		Status:     types.StageStatusRunning,
		ExecutorID: "exec-1",
		Attempt:    1,
		StartedAt:  time.Now().Add(-time.Minute).Truncate(time.Millisecond),
	}
	require.NoError(t, f.store.PutStage(stage))
	return task, stage
}

func intPtr(v int) *int { return &v }

func TestHandleResultUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingester.HandleResult(context.Background(), &types.ResultPayload{TaskID: "missing", Success: true})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestHandleResultFailure(t *testing.T) {
	f := newFixture(t)
	_, _ = f.runningStage(t, types.TaskTypeSAST)

	stage, err := f.ingester.HandleResult(context.Background(), &types.ResultPayload{
		TaskID:   "task-1",
		StageID:  "stage-1",
		Success:  false,
		ExitCode: intPtr(1),
		Error:    "timeout",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusFailed, stage.Status)
	assert.Equal(t, "timeout", stage.Message)
	require.NotNil(t, stage.ExitCode)
	assert.Equal(t, 1, *stage.ExitCode)

	task, err := f.store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Equal(t, 1, f.pub.ofType(events.EventStageFailed))

	data, err := f.artifacts.Read("task-1", "stage-1", artifact.KindError, "error.txt")
	require.NoError(t, err)
	assert.Equal(t, "timeout", string(data))
}

func TestHandleResultScanExecWithoutResultFails(t *testing.T) {
	f := newFixture(t)
	_, _ = f.runningStage(t, types.TaskTypeSAST)

	stage, err := f.ingester.HandleResult(context.Background(), &types.ResultPayload{
		TaskID:  "task-1",
		StageID: "stage-1",
		Success: true,
		Log:     "done",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusFailed, stage.Status)
}

func TestHandleResultIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, original := f.runningStage(t, types.TaskTypeSAST)

	payload := &types.ResultPayload{
		TaskID:    "task-1",
		StageID:   "stage-1",
		Success:   true,
		ExitCode:  intPtr(0),
		Engine:    "semgrep",
		Log:       "scanned 3 files",
		Result:    `{"runs":[{"results":[{"locations":[{"uri":"/workspace/src/a.go"}]}]}]}`,
		Artifacts: map[string]string{"engine-log": "ok"},
	}

	first, err := f.ingester.HandleResult(context.Background(), payload)
	require.NoError(t, err)
	second, err := f.ingester.HandleResult(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, types.StageStatusSucceeded, second.Status)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.ElementsMatch(t, first.Artifacts, second.Artifacts)

	stored, err := f.store.GetStage("stage-1")
	require.NoError(t, err)
	assert.True(t, original.StartedAt.Equal(stored.StartedAt))
	assert.Equal(t, "exec-1", stored.ExecutorID)
	assert.Equal(t, 1, stored.Attempt)

	data, err := f.artifacts.Read("task-1", "stage-1", artifact.KindScanResult, "result.sarif")
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"/workspace/`)

	logData, err := f.artifacts.TaskLog("task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(logData), "stage=stage-1 type=SCAN_EXEC exit=0 engine=semgrep artifacts=3 status=SUCCEEDED"))
}

func TestHandleResultLastWriterWins(t *testing.T) {
	f := newFixture(t)
	_, _ = f.runningStage(t, types.TaskTypeSAST)

	for _, content := range []string{"second write", "first write"} {
		_, err := f.ingester.HandleResult(context.Background(), &types.ResultPayload{
			TaskID:  "task-1",
			StageID: "stage-1",
			Success: true,
			Log:     content,
			Result:  "{}",
		})
		require.NoError(t, err)
	}

	data, err := f.artifacts.Read("task-1", "stage-1", artifact.KindStdout, "stdout.log")
	require.NoError(t, err)
	assert.Equal(t, "first write", string(data))

	stages, err := f.store.ListStagesByTask("task-1")
	require.NoError(t, err)
	assert.Len(t, stages, 1)
}

func TestHandleResultAttemptFencing(t *testing.T) {
	f := newFixture(t)
	_, _ = f.runningStage(t, types.TaskTypeSAST)

	_, err := f.ingester.HandleResult(context.Background(), &types.ResultPayload{
		TaskID: "task-1", StageID: "stage-1", Success: true, Result: "{}", Attempt: 2,
	})
	require.NoError(t, err)

	_, err = f.ingester.HandleResult(context.Background(), &types.ResultPayload{
		TaskID: "task-1", StageID: "stage-1", Success: false, Attempt: 1,
	})
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	stored, err := f.store.GetStage("stage-1")
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusSucceeded, stored.Status)
	assert.Equal(t, 2, stored.Attempt)
}

func TestHandleResultStageOfOtherTask(t *testing.T) {
	f := newFixture(t)
	_, _ = f.runningStage(t, types.TaskTypeSAST)
	require.NoError(t, f.store.CreateTask(&types.Task{ID: "task-2", Status: types.TaskStatusPending}))

	_, err := f.ingester.HandleResult(context.Background(), &types.ResultPayload{
		TaskID: "task-2", StageID: "stage-1", Success: true,
	})
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	stored, err := f.store.GetStage("stage-1")
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusRunning, stored.Status)
}

func TestHandleResultUnknownStageID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateTask(&types.Task{ID: "task-1", Type: types.TaskTypeSAST, Status: types.TaskStatusRunning}))

	_, err := f.ingester.HandleResult(WithCaller(context.Background(), "exec-9"), &types.ResultPayload{
		TaskID: "task-1", StageID: "made-up", Success: true, Result: "{}",
	})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	stages, err := f.store.ListStagesByTask("task-1")
	require.NoError(t, err)
	assert.Empty(t, stages, "an unknown stage id creates nothing")
	_, err = f.artifacts.Read("task-1", "made-up", artifact.KindScanResult, "result.sarif")
	assert.Error(t, err)
}

func TestHandleResultMintsStage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateTask(&types.Task{ID: "task-1", Type: types.TaskTypeSCA, Status: types.TaskStatusRunning}))

	ctx := WithCaller(context.Background(), "exec-9")
	stage, err := f.ingester.HandleResult(ctx, &types.ResultPayload{
		TaskID:    "task-1",
		Success:   true,
		Engine:    "trivy",
		Result:    `{"bomFormat":"CycloneDX"}`,
		Artifacts: map[string]string{"sbom": "{}", "unknown": "x"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stage.ID)
	assert.Equal(t, types.StageScanExec, stage.Type)
	assert.Equal(t, "exec-9", stage.ExecutorID)
	assert.Len(t, stage.Artifacts, 2)

	_, err = f.artifacts.Read("task-1", stage.ID, artifact.KindScanResult, "result.cdx.json")
	assert.NoError(t, err)
}

func TestHandleResultCanceledTaskStaysCanceled(t *testing.T) {
	f := newFixture(t)
	_, _ = f.runningStage(t, types.TaskTypeSAST)
	_, err := f.store.UpdateTask("task-1", func(t *types.Task) error {
		t.Status = types.TaskStatusCanceled
		return nil
	})
	require.NoError(t, err)

	stage, err := f.ingester.HandleResult(context.Background(), &types.ResultPayload{
		TaskID: "task-1", StageID: "stage-1", Success: false, Error: "late",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusFailed, stage.Status)

	task, err := f.store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCanceled, task.Status)
}

func TestCallerFrom(t *testing.T) {
	_, ok := CallerFrom(context.Background())
	assert.False(t, ok)

	id, ok := CallerFrom(WithCaller(context.Background(), "exec-1"))
	assert.True(t, ok)
	assert.Equal(t, "exec-1", id)
}
