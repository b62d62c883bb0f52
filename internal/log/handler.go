// Package log provides a slog.Handler wrapper that enriches every record
// with the pipeline execution it was logged in service of, when present in
// the context.
package log

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithPipelineExecutionID returns a context carrying id for ContextHandler
// to pick up on every subsequent log call made with it.
func WithPipelineExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// PipelineExecutionIDFromContext returns the id stashed by
// WithPipelineExecutionID, or "" if none was set.
func PipelineExecutionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ContextHandler wraps an slog.Handler and automatically extracts the
// pipeline_execution_id from the context of each log record, so every log
// line emitted while processing a pipeline can be filtered by it without
// every call site threading it through explicitly.
type ContextHandler struct {
	inner slog.Handler
}

func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := PipelineExecutionIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("pipeline_execution_id", id))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
