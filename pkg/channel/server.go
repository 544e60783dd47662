package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/ingest"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/session"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service of the executor channel
const ServiceName = "scanplane.v1.ExecutorChannel"

// ChannelServer is the server API of the executor channel
type ChannelServer interface {
	Connect(stream grpc.ServerStream) error
}

// ServiceDesc describes the single bidirectional Connect stream. Frames in
// both directions are google.protobuf.Struct envelopes.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChannelServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "scanplane/v1/channel.proto",
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ChannelServer).Connect(stream)
}

// Authenticator resolves and refreshes executors by bearer token
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*types.Executor, error)
	Heartbeat(ctx context.Context, token string, hb types.HeartbeatPayload) (*types.Executor, error)
}

// ResultHandler consumes stage results sent over the channel
type ResultHandler interface {
	HandleResult(ctx context.Context, payload *types.ResultPayload) (*types.Stage, error)
}

// Server accepts executor streams and publishes them in the session registry
type Server struct {
	sessions *session.Registry
	auth     Authenticator
	results  ResultHandler
	grpc     *grpc.Server
	logger   zerolog.Logger
}

// NewServer creates the executor channel server
func NewServer(sessions *session.Registry, auth Authenticator, results ResultHandler, opts ...grpc.ServerOption) *Server {
	s := &Server{
		sessions: sessions,
		auth:     auth,
		results:  results,
		logger:   log.WithComponent("channel"),
	}

	opts = append([]grpc.ServerOption{
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(auth)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Executor channel listening")
	return s.Serve(lis)
}

// Serve accepts streams on lis
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains streams for up to timeout, then closes them
func (s *Server) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.grpc.Stop()
		<-done
	}
}

// Connect runs one executor stream until it ends
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	c, ok := callerFrom(ctx)
	if !ok {
		return toStatus(fmt.Errorf("%w: stream has no caller", errdefs.ErrUnauthenticated))
	}
	executorID := c.executor.ID
	logger := s.logger.With().Str("executor_id", executorID).Logger()

	ch := newStreamChannel(stream)
	if prev := s.sessions.Put(executorID, ch); prev != nil {
		if old, ok := prev.(*streamChannel); ok {
			old.close()
		}
		logger.Info().Msg("Executor reconnected, previous stream replaced")
	}
	defer func() {
		ch.close()
		s.sessions.Remove(executorID, ch)
		logger.Info().Msg("Executor disconnected")
	}()

	// Opening the stream counts as a heartbeat
	if _, err := s.auth.Heartbeat(ctx, c.token, types.HeartbeatPayload{}); err != nil {
		logger.Warn().Err(err).Msg("Connect heartbeat failed")
	}
	logger.Info().Msg("Executor connected")

	for {
		frame := &structpb.Struct{}
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handleFrame(ctx, c, ch, frame, logger)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *caller, ch *streamChannel, frame *structpb.Struct, logger zerolog.Logger) {
	switch t := frameTypeOf(frame); t {
	case FrameHeartbeat:
		var hb types.HeartbeatPayload
		if err := decodeFrame(frame, &hb); err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed heartbeat")
			return
		}
		if _, err := s.auth.Heartbeat(ctx, c.token, hb); err != nil {
			logger.Warn().Err(err).Msg("Heartbeat failed")
		}

	case FrameResult:
		var payload types.ResultPayload
		if err := decodeFrame(frame, &payload); err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed result")
			s.ack(ch, &payload, errdefs.Validation("%v", err), logger)
			return
		}
		stage, err := s.results.HandleResult(ingest.WithCaller(ctx, c.executor.ID), &payload)
		if err != nil {
			logger.Error().Err(err).
				Str("task_id", payload.TaskID).
				Str("stage_id", payload.StageID).
				Msg("Result rejected")
		} else if payload.StageID == "" && stage != nil {
			payload.StageID = stage.ID
		}
		s.ack(ch, &payload, err, logger)

	default:
		logger.Warn().Str("type", t).Msg("Ignoring unknown frame type")
	}
}

// ack tells the executor whether its result was persisted so it can retry
// transient rejections
func (s *Server) ack(ch *streamChannel, payload *types.ResultPayload, cause error, logger zerolog.Logger) {
	ack := types.ResultAck{
		TaskID:  payload.TaskID,
		StageID: payload.StageID,
		Code:    errdefs.Code(cause),
	}
	if cause != nil {
		ack.Error = cause.Error()
		ack.Retryable = errdefs.Retryable(cause)
	}
	if err := ch.sendFrame(FrameResultAck, ack); err != nil {
		logger.Warn().Err(err).Str("stage_id", payload.StageID).Msg("Failed to acknowledge result")
	}
}

// streamChannel is the session.Channel of one server stream
type streamChannel struct {
	mu     sync.Mutex
	stream grpc.ServerStream
	closed bool
}

func newStreamChannel(stream grpc.ServerStream) *streamChannel {
	return &streamChannel{stream: stream}
}

// Send writes a dispatch frame. Writes are serialized per stream.
func (c *streamChannel) Send(msg *types.DispatchMessage) error {
	return c.sendFrame(FrameDispatch, msg)
}

func (c *streamChannel) sendFrame(frameType string, v interface{}) error {
	frame, err := encodeFrame(frameType, v)
	if err != nil {
		return errdefs.Internal(err, "encode %s", frameType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errdefs.NotConnected("stream closed")
	}
	if err := c.stream.SendMsg(frame); err != nil {
		c.closed = true
		return errdefs.NotConnected("send failed: %v", err)
	}
	return nil
}

// Writable reports whether the stream can still accept frames
func (c *streamChannel) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.stream.Context().Err() == nil
}

func (c *streamChannel) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
