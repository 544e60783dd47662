package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the executor side of the channel
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// NewClient prepares a connection to the control plane at target. Without
// options the connection is plaintext.
func NewClient(target, token string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel client: %w", err)
	}
	return &Client{conn: conn, token: token}, nil
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Connect opens the bidirectional stream. Authentication errors surface on
// the first Recv.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Connect")
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return newStream(cs), nil
}

// Stream is one open executor channel
type Stream struct {
	mu sync.Mutex
	cs grpc.ClientStream

	acksMu  sync.Mutex
	acks    map[string][]chan *types.ResultAck
	recvErr error
}

func newStream(cs grpc.ClientStream) *Stream {
	return &Stream{cs: cs, acks: make(map[string][]chan *types.ResultAck)}
}

// Recv blocks until the next dispatch message arrives. Result
// acknowledgements read along the way are handed to SendResult callers.
func (s *Stream) Recv() (*types.DispatchMessage, error) {
	for {
		frame := &structpb.Struct{}
		if err := s.cs.RecvMsg(frame); err != nil {
			s.failAcks(err)
			return nil, err
		}
		switch frameTypeOf(frame) {
		case FrameDispatch:
			var msg types.DispatchMessage
			if err := decodeFrame(frame, &msg); err != nil {
				return nil, err
			}
			return &msg, nil
		case FrameResultAck:
			var ack types.ResultAck
			if err := decodeFrame(frame, &ack); err == nil {
				s.deliverAck(&ack)
			}
		}
	}
}

// SendHeartbeat reports liveness and usage
func (s *Stream) SendHeartbeat(hb types.HeartbeatPayload) error {
	return s.send(FrameHeartbeat, hb)
}

// SendResult reports the outcome of a dispatched stage and waits for the
// control plane to acknowledge it. A rejection is returned as the classified
// error of the ack. Acknowledgements are read by Recv, so a Recv loop must be
// running concurrently.
func (s *Stream) SendResult(ctx context.Context, payload *types.ResultPayload) (*types.ResultAck, error) {
	key := ackKey(payload.TaskID, payload.StageID)
	wait, err := s.expectAck(key)
	if err != nil {
		return nil, err
	}
	if err := s.send(FrameResult, payload); err != nil {
		s.dropAck(key, wait)
		return nil, errdefs.NotConnected("send result: %v", err)
	}

	select {
	case ack, ok := <-wait:
		if !ok {
			return nil, errdefs.NotConnected("stream closed before result was acknowledged")
		}
		return ack, errdefs.FromCode(ack.Code, ack.Error)
	case <-ctx.Done():
		s.dropAck(key, wait)
		return nil, fmt.Errorf("waiting for result acknowledgement: %w", ctx.Err())
	}
}

func ackKey(taskID, stageID string) string {
	return taskID + "/" + stageID
}

func (s *Stream) expectAck(key string) (chan *types.ResultAck, error) {
	s.acksMu.Lock()
	defer s.acksMu.Unlock()
	if s.recvErr != nil {
		return nil, errdefs.NotConnected("stream closed: %v", s.recvErr)
	}
	wait := make(chan *types.ResultAck, 1)
	s.acks[key] = append(s.acks[key], wait)
	return wait, nil
}

func (s *Stream) dropAck(key string, wait chan *types.ResultAck) {
	s.acksMu.Lock()
	defer s.acksMu.Unlock()
	waiters := s.acks[key]
	for i, w := range waiters {
		if w == wait {
			s.acks[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.acks[key]) == 0 {
		delete(s.acks, key)
	}
}

// deliverAck wakes the oldest waiter for the stage. Results sent without a
// stage id are acknowledged with the minted id, so those fall back to the
// task-level key.
func (s *Stream) deliverAck(ack *types.ResultAck) {
	s.acksMu.Lock()
	defer s.acksMu.Unlock()
	key := ackKey(ack.TaskID, ack.StageID)
	if len(s.acks[key]) == 0 {
		key = ackKey(ack.TaskID, "")
	}
	waiters := s.acks[key]
	if len(waiters) == 0 {
		return
	}
	waiters[0] <- ack
	if len(waiters) == 1 {
		delete(s.acks, key)
	} else {
		s.acks[key] = waiters[1:]
	}
}

func (s *Stream) failAcks(err error) {
	s.acksMu.Lock()
	defer s.acksMu.Unlock()
	if s.recvErr == nil {
		s.recvErr = err
	}
	for key, waiters := range s.acks {
		for _, w := range waiters {
			close(w)
		}
		delete(s.acks, key)
	}
}

// CloseSend half-closes the stream
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cs.CloseSend()
}

func (s *Stream) send(frameType string, v interface{}) error {
	frame, err := encodeFrame(frameType, v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cs.SendMsg(frame)
}
