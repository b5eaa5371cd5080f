package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
)

const instrumentationName = "github.com/fyrsmithlabs/taskpilot/internal/orchestrator"

// Defaults for Config.
const (
	DefaultMaxConsecutiveFailures = 5
	DefaultMaxIterations          = 50
)

// ErrMissingStep is returned by New when a step the mode needs is nil.
var ErrMissingStep = errors.New("orchestrator step is not configured")

// Step advances a thread by one step. It mutates only st. A returned error
// means a collaborator failed outside the step's own error handling; the
// orchestrator fails the thread with it.
type Step interface {
	Run(ctx context.Context, st *engine.State) error
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, st *engine.State) error

// Run implements Step.
func (f StepFunc) Run(ctx context.Context, st *engine.State) error { return f(ctx, st) }

// Steps are the four step implementations. Linear mode needs Planner and
// Executor; graph mode needs Scheduler and Router.
type Steps struct {
	Planner   Step
	Executor  Step
	Scheduler Step
	Router    Step
}

// Config bounds a run.
type Config struct {
	MaxConsecutiveFailures int
	MaxIterations          int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithCheckpoints saves a checkpoint after every step.
func WithCheckpoints(svc checkpoint.Service) Option {
	return func(o *Orchestrator) { o.checkpoints = svc }
}

// WithPublisher fans step events out to observers.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithGates appends gates to the failure ceiling and iteration limit.
func WithGates(gates ...Gate) Option {
	return func(o *Orchestrator) { o.gates = append(o.gates, gates...) }
}

// Orchestrator drives threads through the step state machine.
type Orchestrator struct {
	steps       Steps
	gates       []Gate
	checkpoints checkpoint.Service
	publisher   events.Publisher
	logger      *zap.Logger

	tracer      trace.Tracer
	stepCounter metric.Int64Counter
}

// New creates an orchestrator.
func New(steps Steps, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	o := &Orchestrator{
		steps: steps,
		gates: []Gate{
			FailureCeilingGate{Max: cfg.MaxConsecutiveFailures},
			IterationLimitGate{Max: cfg.MaxIterations},
		},
		publisher: events.NopPublisher{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	o.stepCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"taskpilot.steps",
		metric.WithDescription("Total number of engine steps"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		o.logger.Warn("failed to create step counter", zap.Error(err))
	}
	return o
}

// Control carries the cooperative stop flag for one run.
type Control struct {
	stopped atomic.Bool
}

// Stop requests the run to end at the next step boundary.
func (c *Control) Stop() { c.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (c *Control) Stopped() bool { return c.stopped.Load() }

// RunOptions describes where a run continues from.
type RunOptions struct {
	RunID string

	// ParentCheckpointID is the checkpoint the run's first checkpoint
	// descends from. Empty for a fresh thread.
	ParentCheckpointID string

	// LastSequence is the thread's newest checkpoint sequence. New
	// checkpoints are pinned to the following numbers.
	LastSequence int64

	Control *Control

	// Emit receives every step event. It must not block for long.
	Emit func(events.Event)
}

// Result summarizes a finished run.
type Result struct {
	State            *engine.State
	LastCheckpointID string
	LastSequence     int64
	Steps            int
}

// Run steps st until it is terminal. st is mutated in place. A step error
// other than a done ctx fails the thread, and the failure is checkpointed
// like any other terminal step. The returned error is non-nil only when a
// checkpoint cannot be written or ctx is done.
func (o *Orchestrator) Run(ctx context.Context, st *engine.State, opts RunOptions) (*Result, error) {
	if err := o.check(st.Mode); err != nil {
		return nil, err
	}
	res := &Result{State: st, LastCheckpointID: opts.ParentCheckpointID, LastSequence: opts.LastSequence}
	ctl := opts.Control
	if ctl == nil {
		ctl = &Control{}
	}

	logger := o.logger.With(zap.String("thread_id", st.ThreadID), zap.String("run_id", opts.RunID))
	var last events.Node
	for !st.Status.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var node events.Node
		if ctl.Stopped() {
			node = events.NodeSystem
			st.Stop()
			logger.Info("run stopped by user", zap.Int("steps", res.Steps))
		} else {
			var step Step
			node, step = o.next(st, last)
			err := o.step(ctx, node, step, st)
			if err != nil && ctx.Err() != nil {
				return res, err
			}
			res.Steps++
			last = node
			if err != nil {
				logger.Error("step failed", zap.String("node", string(node)), zap.Error(err))
				st.Fail(err.Error())
			} else {
				o.applyGates(st, logger)
			}
		}

		if err := o.boundary(ctx, node, st, res, opts); err != nil {
			return res, err
		}
	}

	logger.Info("run finished",
		zap.String("status", string(st.Status)),
		zap.Int("steps", res.Steps),
		zap.Int("iterations", st.IterationCount))
	return res, nil
}

func (o *Orchestrator) check(mode engine.Mode) error {
	if mode == engine.ModeGraph {
		if o.steps.Scheduler == nil || o.steps.Router == nil {
			return fmt.Errorf("%w: graph mode needs scheduler and router", ErrMissingStep)
		}
		return nil
	}
	if o.steps.Planner == nil || o.steps.Executor == nil {
		return fmt.Errorf("%w: linear mode needs planner and executor", ErrMissingStep)
	}
	return nil
}

// next picks the step for st. last is the node that ran before it in this
// run, empty at the start.
func (o *Orchestrator) next(st *engine.State, last events.Node) (events.Node, Step) {
	if st.Mode == engine.ModeGraph {
		if last == events.NodeScheduler && st.Graph != nil && len(st.Graph.ReadyTaskIDs) > 0 {
			return events.NodeRouter, o.steps.Router
		}
		return events.NodeScheduler, o.steps.Scheduler
	}
	if st.Status == engine.StatusActing {
		return events.NodeExecutor, o.steps.Executor
	}
	return events.NodePlanner, o.steps.Planner
}

func (o *Orchestrator) step(ctx context.Context, node events.Node, step Step, st *engine.State) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread.id", st.ThreadID),
		attribute.String("node", string(node)),
		attribute.Int("iteration", st.IterationCount),
	)

	err := step.Run(ctx, st)
	if o.stepCounter != nil {
		o.stepCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("node", string(node)),
			attribute.Bool("error", err != nil),
		))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s step: %w", node, err)
	}
	span.SetAttributes(attribute.String("status", string(st.Status)))
	return nil
}

func (o *Orchestrator) applyGates(st *engine.State, logger *zap.Logger) {
	if st.Status.IsTerminal() {
		return
	}
	for _, g := range o.gates {
		if reason := g.Check(st); reason != "" {
			logger.Warn("gate ended run", zap.String("gate", g.Name()), zap.String("reason", reason))
			st.Fail(reason)
			return
		}
	}
}

// boundary checkpoints st and emits the step event.
func (o *Orchestrator) boundary(ctx context.Context, node events.Node, st *engine.State, res *Result, opts RunOptions) error {
	ev := events.Event{
		ThreadID: st.ThreadID,
		RunID:    opts.RunID,
		Node:     node,
		Terminal: st.Status.IsTerminal(),
		Time:     time.Now().UTC(),
	}

	if o.checkpoints != nil {
		cp, err := o.checkpoints.Save(ctx, &checkpoint.SaveRequest{
			ThreadID:   st.ThreadID,
			ParentID:   res.LastCheckpointID,
			SourceNode: string(node),
			State:      st,
			Sequence:   res.LastSequence + 1,
		})
		if err != nil {
			return fmt.Errorf("checkpoint after %s step: %w", node, err)
		}
		res.LastCheckpointID = cp.ID
		res.LastSequence = cp.Sequence
		ev.CheckpointID = cp.ID
		ev.Sequence = cp.Sequence
	} else {
		res.LastSequence++
		ev.Sequence = res.LastSequence
	}

	ev.State = st.Clone()
	if opts.Emit != nil {
		opts.Emit(ev)
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish step event",
			zap.String("thread_id", st.ThreadID),
			zap.String("node", string(node)),
			zap.Error(err))
	}
	return nil
}
