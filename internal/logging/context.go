package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	threadKey ctxKey = iota
	runKey
	checkpointKey
	requestKey
	loggerKey
)

// maxIDLen bounds correlation IDs taken from outside the process.
const maxIDLen = 128

func withID(ctx context.Context, key ctxKey, id string) context.Context {
	if id == "" || len(id) > maxIDLen {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key ctxKey) string {
	id, _ := ctx.Value(key).(string)
	return id
}

// WithThreadID tags ctx with a thread ID. Empty or oversized IDs are ignored.
func WithThreadID(ctx context.Context, id string) context.Context { return withID(ctx, threadKey, id) }

// WithRunID tags ctx with a run ID.
func WithRunID(ctx context.Context, id string) context.Context { return withID(ctx, runKey, id) }

// WithCheckpointID tags ctx with a checkpoint ID.
func WithCheckpointID(ctx context.Context, id string) context.Context {
	return withID(ctx, checkpointKey, id)
}

// WithRequestID tags ctx with an inbound request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestKey, id)
}

// ThreadIDFromContext returns the thread ID set by WithThreadID.
func ThreadIDFromContext(ctx context.Context) string { return idFrom(ctx, threadKey) }

// RunIDFromContext returns the run ID set by WithRunID.
func RunIDFromContext(ctx context.Context) string { return idFrom(ctx, runKey) }

// RequestIDFromContext returns the request ID set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string { return idFrom(ctx, requestKey) }

// ContextFields returns the correlation fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	for _, f := range []struct {
		key  ctxKey
		name string
	}{
		{threadKey, "thread.id"},
		{runKey, "run.id"},
		{checkpointKey, "checkpoint.id"},
		{requestKey, "request.id"},
	} {
		if id := idFrom(ctx, f.key); id != "" {
			fields = append(fields, zap.String(f.name, id))
		}
	}
	return fields
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored by WithLogger, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Nop()
}
