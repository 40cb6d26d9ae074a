package shared

import "context"

type callerContextKey struct{}

// Caller identifies the authenticated principal acting on a request.
type Caller struct {
	UserID int64
}

// ContextWithCaller stores the caller in context.
func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, c)
}

// CallerFromContext extracts the caller from context. A zero Caller means
// the request carried no identity.
func CallerFromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(callerContextKey{}).(Caller)
	return c
}
