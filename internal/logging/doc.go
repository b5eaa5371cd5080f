// Package logging wraps zap with context-aware methods.
//
// Every call pulls correlation fields out of the context: the OpenTelemetry
// trace and span IDs plus the thread, run, checkpoint and request IDs set
// with the With* helpers.
//
//	ctx = logging.WithThreadID(ctx, threadID)
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "run started", zap.String("mode", "graph"))
//
// Output goes to stdout, to the OpenTelemetry log bridge, or both. Values
// under sensitive keys are masked by the encoder, and levels below Error
// are sampled per level when sampling is enabled.
//
// Engine components take a plain *zap.Logger; use Underlying at the edges.
package logging
