// Package cachectx carries a request-scoped logger and CallerID through a
// context.Context, the same way the wider cache service's HTTP and CLI
// surfaces pass request-specific fields down into the engine.
package cachectx

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/localcache/segcache/pkg/cache"
)

type loggerKey struct{}
type callerIDKey struct{}

// WithLogger attaches log to ctx.
func WithLogger(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// Logger returns the logger attached to ctx, or a disabled logger if none was
// attached.
func Logger(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// WithCallerID attaches id to ctx.
func WithCallerID(ctx context.Context, id cache.CallerID) context.Context {
	return context.WithValue(ctx, callerIDKey{}, id)
}

// CallerID returns the CallerID attached to ctx, minting and attaching a
// fresh standalone one if none was attached yet. It does not mutate ctx in
// place (contexts are immutable); callers that want the minted ID to persist
// for subsequent calls must use the returned context.
func CallerID(ctx context.Context) (cache.CallerID, context.Context) {
	if id, ok := ctx.Value(callerIDKey{}).(cache.CallerID); ok {
		return id, ctx
	}
	id := cache.NewCallerID()
	return id, WithCallerID(ctx, id)
}

// FillCorrelationID derives a correlation ID for logs from requestID if
// present, otherwise returns a freshly minted CallerID (a session UUID plus its
// sequence number).
func FillCorrelationID(requestID string) string {
	if requestID != "" {
		return requestID
	}
	return string(cache.NewCallerID())
}
