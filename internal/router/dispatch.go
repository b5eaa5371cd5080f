package router

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/taskpilot/internal/router"

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// Router resolves and invokes handlers.
type Router struct {
	registry *Registry
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a router over registry.
func New(registry *Registry, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the handler registry.
func (r *Router) Registry() *Registry { return r.registry }

// Dispatch routes req to a handler. Routing failures and handler errors come
// back as unsuccessful responses; the returned error is non-nil only when ctx
// is done.
func (r *Router) Dispatch(ctx context.Context, req Request) (*Response, error) {
	ctx, span := r.tracer.Start(ctx, "router.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.StringSlice("request.kinds", req.Kinds),
		attribute.Int("request.tasks", len(req.TaskIDs)),
	)

	h, err := r.registry.Resolve(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		dispatchTotal.WithLabelValues("none", "unrouted").Inc()
		r.logger.Warn("routing failed", zap.Strings("kinds", req.Kinds), zap.String("requested", req.Handler))
		return &Response{Success: false, Output: err.Error()}, nil
	}
	name := h.Name()
	span.SetAttributes(attribute.String("handler", name))

	start := time.Now()
	resp, err := h.Handle(ctx, req)
	elapsed := time.Since(start)
	dispatchDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		dispatchTotal.WithLabelValues(name, "error").Inc()
		r.logger.Warn("handler failed", zap.String("handler", name), zap.Error(err))
		return &Response{Handler: name, Success: false, Output: err.Error(), Duration: elapsed}, nil
	}
	if resp == nil {
		resp = &Response{Success: false, Output: "handler returned no response"}
	}
	resp.Handler = name
	if resp.Duration == 0 {
		resp.Duration = elapsed
	}

	outcome := "success"
	if !resp.Success {
		outcome = "failure"
		span.SetStatus(codes.Error, resp.Output)
	}
	dispatchTotal.WithLabelValues(name, outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome))
	return resp, nil
}
