package registry

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func register(t *testing.T, r *Registry) *types.Executor {
	t.Helper()
	e, err := r.Register(context.Background(), RegisterRequest{
		TenantID: "tenant-a",
		Name:     "runner-1",
		Capacity: types.ExecutorResources{CPU: 4, MemoryMB: 8192},
	})
	require.NoError(t, err)
	return e
}

func TestRegister(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	e := register(t, r)
	assert.Equal(t, types.ExecutorStatusRegistered, e.Status)
	assert.Len(t, e.Token, 64)
	assert.Equal(t, HashToken(e.Token), e.TokenHash)

	stored, err := store.GetExecutor(e.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Token, "plaintext token must not be persisted")

	_, err = r.Register(ctx, RegisterRequest{Name: "x"})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	_, err = r.Register(ctx, RegisterRequest{TenantID: "t"})
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	other := register(t, r)
	assert.NotEqual(t, e.Token, other.Token)
}

func TestHeartbeatTransitions(t *testing.T) {
	tests := []struct {
		from types.ExecutorStatus
		want types.ExecutorStatus
	}{
		{types.ExecutorStatusRegistered, types.ExecutorStatusReady},
		{types.ExecutorStatusOffline, types.ExecutorStatusReady},
		{types.ExecutorStatusReady, types.ExecutorStatusReady},
		{types.ExecutorStatusBusy, types.ExecutorStatusBusy},
		{types.ExecutorStatusDraining, types.ExecutorStatusDraining},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			r, store := newTestRegistry(t)
			e := register(t, r)
			_, err := store.UpdateExecutor(e.ID, func(x *types.Executor) error {
				x.Status = tt.from
				return nil
			})
			require.NoError(t, err)

			cpu := 0.5
			mem := int64(512)
			got, err := r.Heartbeat(context.Background(), e.Token, types.HeartbeatPayload{CPUUsage: &cpu, MemoryUsageMB: &mem})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			require.NotNil(t, got.Usage)
			assert.Equal(t, 0.5, got.Usage.CPU)
			assert.Equal(t, int64(512), got.Usage.MemoryMB)
			assert.False(t, got.LastHeartbeat.IsZero())
		})
	}
}

func TestHeartbeatPartialUsage(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := register(t, r)
	ctx := context.Background()

	cpu := 1.5
	mem := int64(100)
	_, err := r.Heartbeat(ctx, e.Token, types.HeartbeatPayload{CPUUsage: &cpu, MemoryUsageMB: &mem})
	require.NoError(t, err)

	cpu2 := 2.0
	got, err := r.Heartbeat(ctx, e.Token, types.HeartbeatPayload{CPUUsage: &cpu2})
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Usage.CPU)
	assert.Equal(t, int64(100), got.Usage.MemoryMB)
}

func TestHeartbeatUnknownToken(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r)

	_, err := r.Heartbeat(context.Background(), "nope", types.HeartbeatPayload{})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestAuthenticate(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := register(t, r)
	ctx := context.Background()

	got, err := r.Authenticate(ctx, e.Token)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, types.ExecutorStatusRegistered, got.Status, "authenticate does not mutate")

	_, err = r.Authenticate(ctx, "")
	assert.ErrorIs(t, err, errdefs.ErrUnauthenticated)
	_, err = r.Authenticate(ctx, "bogus")
	assert.ErrorIs(t, err, errdefs.ErrUnauthenticated)
}

func TestSetStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := register(t, r)
	ctx := context.Background()

	got, err := r.SetStatus(ctx, "tenant-a", e.ID, types.ExecutorStatusDraining)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorStatusDraining, got.Status)

	_, err = r.SetStatus(ctx, "tenant-b", e.ID, types.ExecutorStatusReady)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = r.SetStatus(ctx, "tenant-a", e.ID, "SLEEPING")
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	stored, err := r.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorStatusDraining, stored.Status)
}

func TestMarkOfflineIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := register(t, r)
	ctx := context.Background()
	cpu := 1.0
	_, err := r.Heartbeat(ctx, e.Token, types.HeartbeatPayload{CPUUsage: &cpu})
	require.NoError(t, err)

	changed, err := r.MarkOffline(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.MarkOffline(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := r.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorStatusOffline, got.Status)
	assert.Nil(t, got.Usage)
}

func TestMarkBusyAndReady(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := register(t, r)
	ctx := context.Background()

	require.NoError(t, r.MarkReady(ctx, e.ID))
	got, _ := r.Get(ctx, e.ID)
	assert.Equal(t, types.ExecutorStatusRegistered, got.Status, "MarkReady only lifts BUSY")

	_, err := r.SetStatus(ctx, "tenant-a", e.ID, types.ExecutorStatusReady)
	require.NoError(t, err)
	require.NoError(t, r.MarkBusy(ctx, e.ID))
	got, _ = r.Get(ctx, e.ID)
	assert.Equal(t, types.ExecutorStatusBusy, got.Status)

	require.NoError(t, r.MarkReady(ctx, e.ID))
	got, _ = r.Get(ctx, e.ID)
	assert.Equal(t, types.ExecutorStatusReady, got.Status)
}

func TestMarkBusyKeepsOtherStatuses(t *testing.T) {
	statuses := []types.ExecutorStatus{
		types.ExecutorStatusRegistered,
		types.ExecutorStatusDraining,
		types.ExecutorStatusOffline,
	}

	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			r, _ := newTestRegistry(t)
			e := register(t, r)
			ctx := context.Background()

			if status != types.ExecutorStatusRegistered {
				_, err := r.SetStatus(ctx, "tenant-a", e.ID, status)
				require.NoError(t, err)
			}
			require.NoError(t, r.MarkBusy(ctx, e.ID))

			got, err := r.Get(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, status, got.Status)
		})
	}
}

func TestListStale(t *testing.T) {
	r, store := newTestRegistry(t)
	now := time.Now()
	deadline := now.Add(-2 * time.Minute)

	seed := []*types.Executor{
		{ID: "fresh", Status: types.ExecutorStatusReady, LastHeartbeat: now, CreatedAt: now.Add(-time.Hour)},
		{ID: "old-ready", Status: types.ExecutorStatusReady, LastHeartbeat: now.Add(-5 * time.Minute)},
		{ID: "old-busy", Status: types.ExecutorStatusBusy, LastHeartbeat: now.Add(-5 * time.Minute)},
		{ID: "old-offline", Status: types.ExecutorStatusOffline, LastHeartbeat: now.Add(-5 * time.Minute)},
		{ID: "never-old", Status: types.ExecutorStatusDraining, CreatedAt: now.Add(-time.Hour)},
		{ID: "never-new", Status: types.ExecutorStatusReady, CreatedAt: now},
	}
	for i, e := range seed {
		e.TokenHash = HashToken(e.ID + string(rune('a'+i)))
		require.NoError(t, store.CreateExecutor(e))
	}

	stale, err := r.ListStale(context.Background(), deadline, []types.ExecutorStatus{
		types.ExecutorStatusReady, types.ExecutorStatusBusy, types.ExecutorStatusDraining,
	})
	require.NoError(t, err)

	var ids []string
	for _, e := range stale {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"old-ready", "old-busy", "never-old"}, ids)
}

func TestList(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r)
	register(t, r)
	_, err := r.Register(context.Background(), RegisterRequest{TenantID: "tenant-b", Name: "other"})
	require.NoError(t, err)

	list, err := r.List(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
