package channel

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/ingest"
	"github.com/cuemby/scanplane/pkg/session"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeAuth struct {
	mu         sync.Mutex
	executors  map[string]*types.Executor
	heartbeats []types.HeartbeatPayload
}

func (f *fakeAuth) Authenticate(ctx context.Context, token string) (*types.Executor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.executors[token]; ok {
		return e, nil
	}
	return nil, errdefs.ErrUnauthenticated
}

func (f *fakeAuth) Heartbeat(ctx context.Context, token string, hb types.HeartbeatPayload) (*types.Executor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return f.executors[token], nil
}

func (f *fakeAuth) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

type recordedResult struct {
	caller  string
	payload *types.ResultPayload
}

type fakeResults struct {
	ch  chan recordedResult
	err error
}

func (f *fakeResults) HandleResult(ctx context.Context, payload *types.ResultPayload) (*types.Stage, error) {
	caller, _ := ingest.CallerFrom(ctx)
	f.ch <- recordedResult{caller: caller, payload: payload}
	if f.err != nil {
		return nil, f.err
	}
	id := payload.StageID
	if id == "" {
		id = "minted-stage"
	}
	return &types.Stage{ID: id}, nil
}

type harness struct {
	sessions *session.Registry
	auth     *fakeAuth
	results  *fakeResults
	lis      *bufconn.Listener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sessions: session.NewRegistry(),
		auth: &fakeAuth{executors: map[string]*types.Executor{
			"good-token": {ID: "exec-1", TenantID: "tenant-a"},
		}},
		results: &fakeResults{ch: make(chan recordedResult, 4)},
		lis:     bufconn.Listen(1 << 20),
	}

	srv := NewServer(h.sessions, h.auth, h.results)
	go func() { _ = srv.Serve(h.lis) }()
	t.Cleanup(func() { srv.Stop(time.Second) })
	return h
}

func (h *harness) client(t *testing.T, token string) *Client {
	t.Helper()
	c, err := NewClient("passthrough:///bufnet", token,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return h.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDispatchAndResultRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.client(t, "good-token").Connect(ctx)
	require.NoError(t, err)

	cpu := 0.25
	require.NoError(t, stream.SendHeartbeat(types.HeartbeatPayload{CPUUsage: &cpu}))

	require.Eventually(t, func() bool { return h.sessions.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.auth.heartbeatCount() >= 2 }, 2*time.Second, 10*time.Millisecond,
		"connect and explicit heartbeat are both recorded")

	ch, ok := h.sessions.Get("exec-1")
	require.True(t, ok)
	assert.True(t, ch.Writable())

	sent := &types.DispatchMessage{
		Type:          types.MessageTypeDispatch,
		TaskID:        "task-1",
		StageID:       "stage-1",
		StageType:     types.StageScanExec,
		Engine:        "semgrep",
		Command:       []string{"semgrep", "scan", "--sarif"},
		MemoryLimitMB: 2048,
		TimeoutSec:    600,
		Attempt:       1,
		SourceDescriptor: types.SourceDescriptor{
			Type: "git", URL: "https://example.com/repo.git",
		},
	}
	require.NoError(t, ch.Send(sent))

	got, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, sent.StageID, got.StageID)
	assert.Equal(t, sent.Command, got.Command)
	assert.Equal(t, int64(2048), got.MemoryLimitMB)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "https://example.com/repo.git", got.SourceDescriptor.URL)

	// Acknowledgements are read by the receive loop
	go func() {
		for {
			if _, err := stream.Recv(); err != nil {
				return
			}
		}
	}()

	exit := 1
	ack, err := stream.SendResult(ctx, &types.ResultPayload{
		TaskID: "task-1", StageID: "stage-1", Success: false, ExitCode: &exit, Error: "timeout",
	})
	require.NoError(t, err)
	assert.Equal(t, errdefs.CodeOK, ack.Code)
	assert.Equal(t, "stage-1", ack.StageID)

	select {
	case r := <-h.results.ch:
		assert.Equal(t, "exec-1", r.caller)
		assert.Equal(t, "stage-1", r.payload.StageID)
		require.NotNil(t, r.payload.ExitCode)
		assert.Equal(t, 1, *r.payload.ExitCode)
		assert.Equal(t, "timeout", r.payload.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("result not delivered")
	}

	require.NoError(t, stream.CloseSend())
	require.Eventually(t, func() bool { return h.sessions.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, ch.Writable())
	assert.ErrorIs(t, ch.Send(sent), errdefs.ErrNotConnected)
}

func TestResultRejectionIsAcknowledged(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		retryable bool
	}{
		{"unknown stage", errdefs.NotFound("stage stage-9"), errdefs.ErrNotFound, false},
		{"stale attempt", errdefs.Conflict("attempt 1 older than 2"), errdefs.ErrConflict, false},
		{"storage failure", errdefs.Internal(nil, "database is locked"), errdefs.ErrInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.results.err = tt.err
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			stream, err := h.client(t, "good-token").Connect(ctx)
			require.NoError(t, err)
			go func() {
				for {
					if _, err := stream.Recv(); err != nil {
						return
					}
				}
			}()

			waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
			defer waitCancel()
			ack, err := stream.SendResult(waitCtx, &types.ResultPayload{TaskID: "task-1", StageID: "stage-9"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.retryable, errdefs.Retryable(err))
			require.NotNil(t, ack)
			assert.Equal(t, tt.retryable, ack.Retryable)
			assert.Equal(t, "stage-9", ack.StageID)
		})
	}
}

func TestResultWithoutStageIDIsAcknowledgedWithMintedID(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.client(t, "good-token").Connect(ctx)
	require.NoError(t, err)
	go func() {
		for {
			if _, err := stream.Recv(); err != nil {
				return
			}
		}
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	ack, err := stream.SendResult(waitCtx, &types.ResultPayload{TaskID: "task-1", StageType: types.StageResultReview})
	require.NoError(t, err)
	assert.Equal(t, "minted-stage", ack.StageID)
}

func TestSendResultFailsWhenStreamEnds(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := h.client(t, "good-token").Connect(ctx)
	require.NoError(t, err)
	cancel()
	_, err = stream.Recv()
	require.Error(t, err)

	_, err = stream.SendResult(context.Background(), &types.ResultPayload{TaskID: "task-1", StageID: "stage-1"})
	assert.ErrorIs(t, err, errdefs.ErrNotConnected)
}

func TestConnectRejectsUnknownToken(t *testing.T) {
	h := newHarness(t)

	stream, err := h.client(t, "bad-token").Connect(context.Background())
	require.NoError(t, err)

	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Zero(t, h.sessions.Len())
}

func TestReconnectReplacesSession(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, "good-token")

	ctx1, cancel1 := context.WithCancel(context.Background())
	first, err := c.Connect(ctx1)
	require.NoError(t, err)
	require.NoError(t, first.SendHeartbeat(types.HeartbeatPayload{}))
	require.Eventually(t, func() bool { return h.sessions.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	firstCh, _ := h.sessions.Get("exec-1")

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	second, err := c.Connect(ctx2)
	require.NoError(t, err)
	require.NoError(t, second.SendHeartbeat(types.HeartbeatPayload{}))
	require.Eventually(t, func() bool {
		ch, ok := h.sessions.Get("exec-1")
		return ok && ch != firstCh
	}, 2*time.Second, 10*time.Millisecond)

	// Tearing down the first stream leaves the second registered
	cancel1()
	time.Sleep(100 * time.Millisecond)
	ch, ok := h.sessions.Get("exec-1")
	require.True(t, ok)
	assert.NotEqual(t, firstCh, ch)
	assert.False(t, firstCh.Writable())
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errdefs.NotFound("task"), codes.NotFound},
		{errdefs.Validation("x"), codes.InvalidArgument},
		{errdefs.NotConnected("x"), codes.Unavailable},
		{errdefs.Internal(nil, "x"), codes.Internal},
		{errdefs.ErrUnauthenticated, codes.Unauthenticated},
		{errdefs.Conflict("x"), codes.Aborted},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
}
