// Package requestid attaches a per-request correlation id to a context so
// the admin API's access log and error responses can be tied back to a
// single inbound HTTP request.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New generates a random UUID v4 request id.
func New() string {
	return uuid.NewString()
}

// WithRequestID returns a copy of ctx with the request id attached.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request id from ctx. Returns "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
