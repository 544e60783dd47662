package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/security"
	"github.com/cuemby/scanplane/pkg/session"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	mu       sync.Mutex
	sent     []*types.DispatchMessage
	writable bool
	sendErr  error
}

func (c *recordingChannel) Send(msg *types.DispatchMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) Writable() bool { return c.writable }

type fakeMarker struct {
	busy   []string
	err    error
	status types.ExecutorStatus // READY when empty
}

func (m *fakeMarker) Get(ctx context.Context, id string) (*types.Executor, error) {
	if id != "exec-1" {
		return nil, errdefs.NotFound("executor %s", id)
	}
	status := m.status
	if status == "" {
		status = types.ExecutorStatusReady
	}
	return &types.Executor{ID: id, Status: status}, nil
}

func (m *fakeMarker) MarkBusy(ctx context.Context, id string) error {
	m.busy = append(m.busy, id)
	return m.err
}

type fakeSecrets struct {
	proToken string
	proOK    bool
	proErr   error
	creds    map[string]*security.RepoCredential
}

func (f *fakeSecrets) ProToken(tenantID string) (string, bool, error) {
	return f.proToken, f.proOK, f.proErr
}

func (f *fakeSecrets) RepoCredential(tenantID, name string) (*security.RepoCredential, error) {
	if c, ok := f.creds[name]; ok {
		return c, nil
	}
	return nil, errdefs.NotFound("secret %s", name)
}

func newTask(taskType types.TaskType) *types.Task {
	return &types.Task{
		ID:         "task-1",
		TenantID:   "tenant-a",
		ExecutorID: "exec-1",
		Type:       taskType,
		Spec: types.TaskSpec{
			Source: types.SourceDescriptor{Type: "git", URL: "https://example.com/r.git"},
		},
	}
}

func newStage() *types.Stage {
	return &types.Stage{ID: "stage-1", TaskID: "task-1", Type: types.StageScanExec, Attempt: 1}
}

func setup(ch *recordingChannel, secrets *fakeSecrets) (*Service, *fakeMarker) {
	sessions := session.NewRegistry()
	if ch != nil {
		sessions.Put("exec-1", ch)
	}
	if secrets == nil {
		secrets = &fakeSecrets{}
	}
	marker := &fakeMarker{}
	return NewService(sessions, marker, secrets, Options{APIBaseURL: "http://cp:8080"}), marker
}

func TestDispatchDefaults(t *testing.T) {
	tests := []struct {
		taskType types.TaskType
		engine   string
	}{
		{types.TaskTypeSAST, "semgrep"},
		{types.TaskTypeSCA, "trivy"},
	}

	for _, tt := range tests {
		t.Run(string(tt.taskType), func(t *testing.T) {
			ch := &recordingChannel{writable: true}
			svc, marker := setup(ch, nil)

			msg, err := svc.Dispatch(context.Background(), newTask(tt.taskType), newStage())
			require.NoError(t, err)

			assert.Equal(t, types.MessageTypeDispatch, msg.Type)
			assert.Equal(t, tt.engine, msg.Engine)
			assert.Equal(t, "stage-1", msg.StageID)
			assert.Equal(t, 1, msg.Attempt)
			assert.Equal(t, "http://cp:8080", msg.APIBaseURL)
			assert.Equal(t, DefaultTimeoutSec, msg.TimeoutSec)
			assert.Equal(t, int64(DefaultMemoryLimitMB), msg.MemoryLimitMB)
			assert.Equal(t, tt.engine, msg.Command[0])
			assert.False(t, msg.UsePro)
			require.Len(t, ch.sent, 1)
			assert.Equal(t, []string{"exec-1"}, marker.busy)
		})
	}
}

func TestDispatchRejections(t *testing.T) {
	tests := []struct {
		name    string
		ch      *recordingChannel
		mutate  func(*types.Task)
		wantErr error
	}{
		{
			name:    "no executor",
			ch:      &recordingChannel{writable: true},
			mutate:  func(task *types.Task) { task.ExecutorID = "" },
			wantErr: errdefs.ErrValidation,
		},
		{
			name:    "not connected",
			ch:      nil,
			wantErr: errdefs.ErrNotConnected,
		},
		{
			name:    "not writable",
			ch:      &recordingChannel{writable: false},
			wantErr: errdefs.ErrNotConnected,
		},
		{
			name:    "disallowed engine",
			ch:      &recordingChannel{writable: true},
			mutate:  func(task *types.Task) { task.Spec.Engine.Engine = "trivy" },
			wantErr: errdefs.ErrValidation,
		},
		{
			name:    "missing source type",
			ch:      &recordingChannel{writable: true},
			mutate:  func(task *types.Task) { task.Spec.Source.Type = "" },
			wantErr: errdefs.ErrValidation,
		},
		{
			name:    "unknown credential ref",
			ch:      &recordingChannel{writable: true},
			mutate:  func(task *types.Task) { task.Spec.Source.CredentialRef = "missing" },
			wantErr: errdefs.ErrValidation,
		},
		{
			name:    "write fails",
			ch:      &recordingChannel{writable: true, sendErr: errors.New("broken pipe")},
			wantErr: errdefs.ErrNotConnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, marker := setup(tt.ch, nil)
			task := newTask(types.TaskTypeSAST)
			if tt.mutate != nil {
				tt.mutate(task)
			}

			_, err := svc.Dispatch(context.Background(), task, newStage())
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, marker.busy, "executor status must not change")
			if tt.ch != nil {
				assert.Empty(t, tt.ch.sent)
			}
		})
	}
}

func TestDispatchProToken(t *testing.T) {
	tests := []struct {
		name      string
		secrets   *fakeSecrets
		wantPro   bool
		wantToken string
		wantErr   error
	}{
		{name: "available", secrets: &fakeSecrets{proToken: "pro-1", proOK: true}, wantPro: true, wantToken: "pro-1"},
		{name: "expired", secrets: &fakeSecrets{proOK: false}, wantPro: false},
		{name: "undecryptable", secrets: &fakeSecrets{proErr: errdefs.Internal(nil, "decrypt")}, wantErr: errdefs.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &recordingChannel{writable: true}
			svc, _ := setup(ch, tt.secrets)
			task := newTask(types.TaskTypeSAST)
			task.Spec.Engine.UsePro = true

			msg, err := svc.Dispatch(context.Background(), task, newStage())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, ch.sent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPro, msg.UsePro)
			assert.Equal(t, tt.wantToken, msg.SecretToken)
			assert.Equal(t, tt.wantPro, contains(msg.Command, "--pro"))
		})
	}
}

func TestDispatchCredentialEnrichment(t *testing.T) {
	secrets := &fakeSecrets{creds: map[string]*security.RepoCredential{
		"github": {Username: "ci", Token: "ghp_vault"},
	}}

	t.Run("from vault", func(t *testing.T) {
		svc, _ := setup(&recordingChannel{writable: true}, secrets)
		task := newTask(types.TaskTypeSAST)
		task.Spec.Source.CredentialRef = "github"

		msg, err := svc.Dispatch(context.Background(), task, newStage())
		require.NoError(t, err)
		assert.Equal(t, "ci", msg.SourceDescriptor.Username)
		assert.Equal(t, "ghp_vault", msg.SourceDescriptor.Token)
		assert.Empty(t, task.Spec.Source.Token, "task spec is not mutated")
	})

	t.Run("inline wins", func(t *testing.T) {
		svc, _ := setup(&recordingChannel{writable: true}, secrets)
		task := newTask(types.TaskTypeSAST)
		task.Spec.Source.CredentialRef = "github"
		task.Spec.Source.Token = "inline"

		msg, err := svc.Dispatch(context.Background(), task, newStage())
		require.NoError(t, err)
		assert.Equal(t, "inline", msg.SourceDescriptor.Token)
		assert.Empty(t, msg.SourceDescriptor.Username)
	})
}

func TestDispatchLimitsAndEnv(t *testing.T) {
	svc, _ := setup(&recordingChannel{writable: true}, nil)
	task := newTask(types.TaskTypeSCA)
	task.Spec.Engine = types.EngineOptions{
		Image:         "registry.local/trivy:0.50",
		CPULimit:      1,
		MemoryLimitMB: 1024,
		Env:           map[string]string{"A": "task", "B": "task"},
	}
	stage := newStage()
	stage.Spec.ResourceLimits = types.ResourceLimits{TimeoutSec: 60}
	stage.Spec.Env = map[string]string{"B": "stage"}

	msg, err := svc.Dispatch(context.Background(), task, stage)
	require.NoError(t, err)
	assert.Equal(t, "registry.local/trivy:0.50", msg.Image)
	assert.Equal(t, 1.0, msg.CPULimit)
	assert.Equal(t, int64(1024), msg.MemoryLimitMB)
	assert.Equal(t, 60, msg.TimeoutSec)
	assert.Equal(t, map[string]string{"A": "task", "B": "stage"}, msg.Env)
}

func TestMarkBusyFailureIsNotReturned(t *testing.T) {
	ch := &recordingChannel{writable: true}
	svc, marker := setup(ch, nil)
	marker.err = errors.New("store down")

	_, err := svc.Dispatch(context.Background(), newTask(types.TaskTypeSAST), newStage())
	assert.NoError(t, err)
	assert.Len(t, ch.sent, 1)
}

func TestDispatchRequiresAcceptingStatus(t *testing.T) {
	tests := []struct {
		status  types.ExecutorStatus
		wantErr error
	}{
		{types.ExecutorStatusReady, nil},
		{types.ExecutorStatusBusy, nil},
		{types.ExecutorStatusDraining, errdefs.ErrValidation},
		{types.ExecutorStatusOffline, errdefs.ErrNotConnected},
		{types.ExecutorStatusRegistered, errdefs.ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			ch := &recordingChannel{writable: true}
			svc, marker := setup(ch, nil)
			marker.status = tt.status

			_, err := svc.Dispatch(context.Background(), newTask(types.TaskTypeSAST), newStage())
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Len(t, ch.sent, 1)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, ch.sent, "a connected executor that does not accept work gets nothing")
			assert.Empty(t, marker.busy)
		})
	}
}

func TestPrepareHasNoSideEffects(t *testing.T) {
	ch := &recordingChannel{writable: true}
	svc, marker := setup(ch, nil)

	a, err := svc.Prepare(context.Background(), newTask(types.TaskTypeSAST), newStage())
	require.NoError(t, err)
	assert.Equal(t, "exec-1", a.ExecutorID)
	assert.Empty(t, ch.sent)
	assert.Empty(t, marker.busy)

	require.NoError(t, svc.Send(context.Background(), a))
	assert.Len(t, ch.sent, 1)
	assert.Equal(t, []string{"exec-1"}, marker.busy)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
