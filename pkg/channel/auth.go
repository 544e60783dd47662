package channel

import (
	"context"
	"errors"
	"strings"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type callerKey struct{}

type caller struct {
	executor *types.Executor
	token    string
}

// StreamAuthInterceptor rejects streams without a valid executor bearer token
// and attaches the authenticated executor to the stream context.
func StreamAuthInterceptor(auth Authenticator) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		token := bearerToken(ss.Context())
		if token == "" {
			return status.Error(codes.Unauthenticated, "missing bearer token")
		}

		executor, err := auth.Authenticate(ss.Context(), token)
		if err != nil {
			return toStatus(err)
		}

		ctx := context.WithValue(ss.Context(), callerKey{}, &caller{executor: executor, token: token})
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

func callerFrom(ctx context.Context) (*caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*caller)
	return c, ok
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ""
	}
	token, found := strings.CutPrefix(values[0], "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context {
	return s.ctx
}

// toStatus maps an error class to a gRPC status
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errdefs.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, errdefs.ErrNotConnected):
		code = codes.Unavailable
	case errors.Is(err, errdefs.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, errdefs.ErrConflict):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
