// Package executor implements the retry-bounded executor step.
//
// For the thread's current instruction it asks the decision service for a
// concrete action, runs it under a per-attempt timeout and retries with the
// previous failure's diagnostics up to MaxRetries times. Exactly one action
// record is appended per step. A decision response that cannot be parsed
// ends the step immediately.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/decision"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/execution"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
)

const instrumentationName = "github.com/fyrsmithlabs/taskpilot/internal/executor"

const (
	DefaultMaxRetries     = 3
	DefaultAttemptTimeout = 60 * time.Second

	// LastActionKey is the working-memory key holding the latest outcome.
	LastActionKey = "last_action"

	maxObservationLen = 500
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	AttemptTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithWorkingMemory records each outcome under LastActionKey.
func WithWorkingMemory(w *memory.WorkingMemory) Option {
	return func(e *Executor) { e.working = w }
}

// WithFacts saves facts reported in successful action data.
func WithFacts(f *memory.FactStore) Option {
	return func(e *Executor) { e.facts = f }
}

// Executor is the executor step.
type Executor struct {
	decision decision.Service
	exec     execution.Service
	cfg      Config

	working *memory.WorkingMemory
	facts   *memory.FactStore
	logger  *zap.Logger

	tracer         trace.Tracer
	attemptCounter metric.Int64Counter
}

// New creates an executor step.
func New(dec decision.Service, exec execution.Service, cfg Config, opts ...Option) *Executor {
	cfg.applyDefaults()
	e := &Executor{
		decision: dec,
		exec:     exec,
		cfg:      cfg,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	e.attemptCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"taskpilot.executor.attempts",
		metric.WithDescription("Total number of action attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		e.logger.Warn("failed to create attempt counter", zap.Error(err))
	}
	return e
}

// Outcome is the result of carrying out one instruction.
type Outcome struct {
	Record engine.ActionRecord

	// Err is nil on success, a *engine.ParseError when the decision could
	// not be parsed, or a *engine.ExecutionError when retries ran out.
	Err error
}

// Run executes st.CurrentInstruction and folds the outcome into st. The
// thread always returns to planning. The returned error is non-nil only if
// ctx is done.
func (e *Executor) Run(ctx context.Context, st *engine.State) error {
	instr := st.CurrentInstruction
	if instr == "" {
		st.StepError = "executor invoked without an instruction"
		st.ConsecutiveFailures++
		st.Status = engine.StatusPlanning
		return nil
	}

	out, err := e.Execute(ctx, st.Goal, instr)
	if err != nil {
		return err
	}
	e.Apply(ctx, st, out)
	return nil
}

// Apply folds an outcome into st and the memories.
func (e *Executor) Apply(ctx context.Context, st *engine.State, out *Outcome) {
	rec := out.Record
	st.RecordAction(rec)
	st.IterationCount++
	st.CurrentInstruction = ""
	st.Status = engine.StatusPlanning

	var observation string
	if out.Err == nil {
		st.ConsecutiveFailures = 0
		st.StepError = ""
		observation = fmt.Sprintf("Action for %q succeeded", rec.Instruction)
		if len(rec.Data) > 0 {
			observation += ": " + clip(string(rec.Data), maxObservationLen)
		}
		e.SaveFacts(ctx, rec.Data)
	} else {
		st.ConsecutiveFailures++
		st.StepError = out.Err.Error()
		observation = fmt.Sprintf("Action for %q failed: %s", rec.Instruction, out.Err.Error())
	}
	st.AppendMessage(engine.SystemMessage{
		Kind:      engine.KindObservation,
		Content:   observation,
		CreatedAt: time.Now().UTC(),
	})

	if e.working != nil {
		if err := e.working.Set(LastActionKey, observation, "observation", 0); err != nil {
			e.logger.Warn("failed to record last action", zap.Error(err))
		}
	}
}

// Execute runs the retry loop for one instruction without touching any
// state. It returns an error only when ctx is done.
func (e *Executor) Execute(ctx context.Context, goal, instruction string) (*Outcome, error) {
	start := time.Now()
	var (
		prior *decision.PriorAttempt
		last  engine.Diagnostics
	)

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		act, res, err := e.attempt(ctx, attempt, goal, instruction, prior)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if engine.IsParseError(err) {
				return &Outcome{
					Record: engine.ActionRecord{
						Instruction: instruction,
						Error:       err.Error(),
						DurationMs:  time.Since(start).Milliseconds(),
						Attempts:    attempt,
					},
					Err: err,
				}, nil
			}
			// The decision service itself failed; count it as a failed attempt.
			last = engine.Diagnostics{Message: err.Error(), Kind: "decision"}
			prior = &decision.PriorAttempt{Attempt: attempt, Diagnostics: last}
			continue
		}

		if res.Success {
			return &Outcome{Record: engine.ActionRecord{
				Instruction:     instruction,
				GeneratedAction: act.Action.String(),
				Thought:         act.Thought,
				Success:         true,
				Data:            res.Data,
				DurationMs:      time.Since(start).Milliseconds(),
				Attempts:        attempt,
			}}, nil
		}

		last = engine.Diagnostics{Message: res.Error}
		if res.Diagnostics != nil {
			last = *res.Diagnostics
		}
		prior = &decision.PriorAttempt{Attempt: attempt, Action: act.Action.String(), Diagnostics: last}
		e.logger.Debug("action attempt failed",
			zap.String("instruction", instruction),
			zap.Int("attempt", attempt),
			zap.String("kind", last.Kind),
			zap.String("error", last.Message),
		)
	}

	execErr := &engine.ExecutionError{Instruction: instruction, Attempts: e.cfg.MaxRetries, Last: last}
	diag := last
	rec := engine.ActionRecord{
		Instruction: instruction,
		Error:       execErr.Error(),
		DurationMs:  time.Since(start).Milliseconds(),
		Attempts:    e.cfg.MaxRetries,
		Diagnostics: &diag,
	}
	if prior != nil {
		rec.GeneratedAction = prior.Action
	}
	return &Outcome{Record: rec, Err: execErr}, nil
}

func (e *Executor) attempt(ctx context.Context, n int, goal, instruction string, prior *decision.PriorAttempt) (*decision.Act, *execution.Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.attempt")
	defer span.End()
	span.SetAttributes(attribute.Int("attempt", n))

	act, err := e.decision.Act(ctx, decision.ActRequest{Goal: goal, Instruction: instruction, Prior: prior})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.count(ctx, "decision_error")
		return nil, nil, err
	}

	res, err := e.runWithTimeout(ctx, act.Action)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, nil, err
		}
		// Runner-side failure, not a decision one.
		msg := "execution service failed: " + err.Error()
		res = &execution.Result{
			Error:       msg,
			Diagnostics: &engine.Diagnostics{Message: msg, Kind: execution.KindTransport},
		}
	}
	outcome := "success"
	if !res.Success {
		outcome = "failure"
		if res.Diagnostics != nil && res.Diagnostics.Kind == execution.KindTimeout {
			outcome = "timeout"
		}
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	e.count(ctx, outcome)
	return act, res, nil
}

func (e *Executor) count(ctx context.Context, outcome string) {
	if e.attemptCounter != nil {
		e.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// runWithTimeout races the execution service against the attempt timer.
// A late result is discarded.
func (e *Executor) runWithTimeout(ctx context.Context, action execution.Action) (*execution.Result, error) {
	type result struct {
		res *execution.Result
		err error
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		res, err := e.exec.Run(runCtx, action, e.cfg.AttemptTimeout)
		ch <- result{res, err}
	}()

	timer := time.NewTimer(e.cfg.AttemptTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.res == nil {
			return &execution.Result{
				Error:       "execution service returned no result",
				Diagnostics: &engine.Diagnostics{Message: "execution service returned no result", Kind: execution.KindRunner},
			}, nil
		}
		return r.res, nil
	case <-timer.C:
		msg := fmt.Sprintf("action timed out after %s", e.cfg.AttemptTimeout)
		return &execution.Result{
			Error:       msg,
			Diagnostics: &engine.Diagnostics{Message: msg, Kind: execution.KindTimeout},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SaveFacts stores the strings listed under "facts" in action data.
func (e *Executor) SaveFacts(ctx context.Context, data json.RawMessage) {
	if e.facts == nil || len(data) == 0 {
		return
	}
	var payload struct {
		Facts []string `json:"facts"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	for _, f := range payload.Facts {
		if _, _, err := e.facts.Save(ctx, f, "action", 0.7); err != nil {
			e.logger.Debug("skipping reported fact", zap.Error(err))
		}
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
