package ingest

import "context"

type callerKey struct{}

// WithCaller records the authenticated executor that delivered a result
func WithCaller(ctx context.Context, executorID string) context.Context {
	return context.WithValue(ctx, callerKey{}, executorID)
}

// CallerFrom returns the executor recorded by WithCaller
func CallerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	return id, ok && id != ""
}
