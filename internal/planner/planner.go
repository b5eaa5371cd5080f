// Package planner implements the planner step of the linear plan/act loop.
package planner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/compactor"
	"github.com/fyrsmithlabs/taskpilot/internal/decision"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
)

const instrumentationName = "github.com/fyrsmithlabs/taskpilot/internal/planner"

const (
	// RecalledFacts bounds the facts added to the context frame.
	RecalledFacts = 5

	// contractViolation is the terminal error for a plan with
	// neither an instruction nor a completion.
	contractViolation = "planner contract violation: no instruction and no completion"

	defaultCompletion = "Goal complete."
)

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithWorkingMemory adds unexpired note and observation items to the frame.
func WithWorkingMemory(w *memory.WorkingMemory) Option {
	return func(p *Planner) { p.working = w }
}

// WithFacts adds facts related to the goal to the frame.
func WithFacts(f *memory.FactStore) Option {
	return func(p *Planner) { p.facts = f }
}

// Planner decides the next instruction or completion for a thread.
type Planner struct {
	decision  decision.Service
	compactor *compactor.Compactor

	working *memory.WorkingMemory
	facts   *memory.FactStore
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a planner step.
func New(dec decision.Service, comp *compactor.Compactor, opts ...Option) *Planner {
	p := &Planner{
		decision:  dec,
		compactor: comp,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run plans one step for st. Parse and decision failures are recorded on st
// as non-terminal step errors. The returned error is non-nil only if ctx is
// done.
func (p *Planner) Run(ctx context.Context, st *engine.State) error {
	ctx, span := p.tracer.Start(ctx, "planner.plan")
	defer span.End()
	span.SetAttributes(attribute.String("thread.id", st.ThreadID))

	cctx, err := p.compactor.Compact(ctx, st, p.notes(ctx, st)...)
	if err != nil {
		return err
	}

	plan, err := p.decision.Plan(ctx, decision.PlanRequest{Goal: st.Goal, Context: cctx.Render()})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if engine.IsConfigurationError(err) {
			st.Fail(err.Error())
			return nil
		}
		p.logger.Warn("planning step failed",
			zap.String("thread_id", st.ThreadID),
			zap.Bool("parse_error", engine.IsParseError(err)),
			zap.Error(err))
		st.StepError = err.Error()
		st.ConsecutiveFailures++
		st.Status = engine.StatusPlanning
		return nil
	}

	st.StepError = ""
	now := time.Now().UTC()
	switch {
	case plan.NeedsMoreInfo:
		st.AppendMessage(engine.AgentMessage{Content: plan.Question, Thought: plan.Thought, CreatedAt: now})
		st.Complete(plan.Question)
		st.PendingQuestion = plan.Question
		span.SetAttributes(attribute.String("plan.outcome", "clarify"))
	case plan.IsComplete:
		msg := plan.CompletionMessage
		if msg == "" {
			msg = defaultCompletion
		}
		st.AppendMessage(engine.AgentMessage{Content: msg, Thought: plan.Thought, CreatedAt: now})
		st.Complete(msg)
		span.SetAttributes(attribute.String("plan.outcome", "complete"))
	case plan.NextInstruction != "":
		st.AppendMessage(engine.AgentMessage{
			Content:   fmt.Sprintf("Next: %s", plan.NextInstruction),
			Thought:   plan.Thought,
			CreatedAt: now,
		})
		st.SetInstruction(plan.NextInstruction)
		span.SetAttributes(attribute.String("plan.outcome", "instruction"))
	default:
		st.Fail(contractViolation)
		span.SetStatus(codes.Error, contractViolation)
	}
	return nil
}

func (p *Planner) notes(ctx context.Context, st *engine.State) []string {
	var notes []string
	if p.working != nil {
		for _, typ := range []string{"note", "observation"} {
			for _, it := range p.working.Query(typ) {
				notes = append(notes, fmt.Sprintf("%s (%s): %s", it.Key, it.Type, it.Value))
			}
		}
	}
	if p.facts != nil {
		facts, err := p.facts.Recall(ctx, st.Goal, RecalledFacts)
		if err != nil {
			p.logger.Debug("fact recall failed", zap.Error(err))
			return notes
		}
		for _, f := range facts {
			notes = append(notes, "Known fact: "+f.Content)
			_ = p.facts.Touch(f.ID)
		}
	}
	return notes
}
