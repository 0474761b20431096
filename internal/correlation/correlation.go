// Package correlation attaches a per-operation trace ID to a
// context.Context so that every log line and metric emitted during a
// poll cycle or a single record's processing can be tied back to the
// operation that produced it.
//
// The original implementation keeps the current ID in a contextvars
// ContextVar so it is ambient for the whole call stack without being
// threaded explicitly. Go has no task-local storage, so the value is
// carried on context.Context instead (see spec Design Notes on ambient
// correlation ID propagation) — every function on a hot path that can
// log or emit a metric takes a context and reads the ID from it.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// New generates a fresh, random correlation ID: a 128-bit value
// formatted as a hex UUID.
func New() string {
	return uuid.New().String()
}

// With returns a context carrying id, restoring the previous value (if
// any) is the caller's responsibility — nesting is achieved by calling
// With again on the child scope's exit with the parent's context.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// WithNew attaches a freshly generated ID and returns both the new
// context and the ID, for callers that need to log it immediately.
func WithNew(ctx context.Context) (context.Context, string) {
	id := New()
	return With(ctx, id), id
}

// From reads the correlation ID from ctx, returning "" if none was set.
func From(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey{}).(string)
	return v
}
