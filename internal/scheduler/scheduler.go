// Package scheduler implements the dependency-graph scheduler step.
//
// The first run for a thread decomposes the goal into an epic and its tasks.
// Every run then checks progress against the ledger and decides whether the
// thread is complete, deadlocked or has ready work for the router.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/decision"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/ledger"
)

const instrumentationName = "github.com/fyrsmithlabs/taskpilot/internal/scheduler"

// ErrNoTasks is the terminal error for an empty decomposition.
var ErrNoTasks = errors.New("no tasks created")

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler is the graph-mode counterpart of the planner.
type Scheduler struct {
	decision decision.Service
	ledger   ledger.Ledger
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a scheduler step.
func New(dec decision.Service, l ledger.Ledger, opts ...Option) *Scheduler {
	s := &Scheduler{
		decision: dec,
		ledger:   l,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run decomposes st's goal if that has not happened yet and then applies the
// progress decision table. Errors are ledger or context failures.
func (s *Scheduler) Run(ctx context.Context, st *engine.State) error {
	if st.Status.IsTerminal() {
		return nil
	}
	if st.Graph == nil {
		st.Graph = &engine.GraphState{}
	}
	if !st.Graph.Decomposed {
		done, err := s.Decompose(ctx, st)
		if err != nil || !done {
			return err
		}
	}
	return s.Progress(ctx, st)
}

// Decompose asks the decision service for an epic and tasks and records them
// in the ledger. It reports false when the decision failed and the step
// ended with a non-terminal step error or a terminal configuration error.
func (s *Scheduler) Decompose(ctx context.Context, st *engine.State) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.decompose")
	defer span.End()
	span.SetAttributes(attribute.String("thread.id", st.ThreadID))

	d, err := s.decision.Decompose(ctx, st.Goal)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if engine.IsConfigurationError(err) {
			st.Fail(err.Error())
			return false, nil
		}
		s.logger.Warn("decomposition failed",
			zap.String("thread_id", st.ThreadID), zap.Error(err))
		st.StepError = err.Error()
		st.ConsecutiveFailures++
		st.Status = engine.StatusPlanning
		return false, nil
	}

	epic, err := s.ledger.Create(ctx, d.EpicTitle, ledger.CreateOptions{
		Epic:     true,
		Metadata: map[string]string{ledger.MetaThreadID: st.ThreadID},
	})
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("creating epic: %w", err)
	}

	ids := make([]string, len(d.Tasks))
	created := 0
	for i, spec := range d.Tasks {
		blockedBy := s.resolveDeps(st.ThreadID, i, spec.DependsOn, ids)
		task, err := s.ledger.Create(ctx, spec.Title, ledger.CreateOptions{
			Priority:  spec.Priority,
			ParentID:  epic.ID,
			BlockedBy: blockedBy,
			Metadata: map[string]string{
				ledger.MetaThreadID:  st.ThreadID,
				ledger.MetaIndex:     strconv.Itoa(i),
				ledger.MetaType:      spec.Type,
				ledger.MetaMergeable: strconv.FormatBool(spec.Mergeable),
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			s.logger.Warn("task creation failed",
				zap.String("thread_id", st.ThreadID),
				zap.Int("index", i),
				zap.String("title", spec.Title),
				zap.Error(err))
			continue
		}
		ids[i] = task.ID
		created++
	}

	st.Graph.Decomposed = true
	st.Graph.EpicID = epic.ID
	st.Graph.TaskCount = created
	st.StepError = ""
	st.AppendMessage(engine.SystemMessage{
		Kind:      engine.KindNotice,
		Content:   fmt.Sprintf("Decomposed goal into epic %q with %d task(s)", d.EpicTitle, created),
		CreatedAt: time.Now().UTC(),
	})
	span.SetAttributes(
		attribute.String("epic.id", epic.ID),
		attribute.Int("task.count", created),
	)
	s.logger.Info("goal decomposed",
		zap.String("thread_id", st.ThreadID),
		zap.String("epic_id", epic.ID),
		zap.Int("tasks", created))
	return true, nil
}

// resolveDeps maps dependency indices to created task ids. Negative, forward
// or self references and references to tasks that were not created are
// dropped.
func (s *Scheduler) resolveDeps(threadID string, pos int, deps []int, ids []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, dep := range deps {
		var reason string
		switch {
		case dep < 0:
			reason = "negative index"
		case dep >= pos:
			reason = "forward reference"
		case ids[dep] == "":
			reason = "referenced task was not created"
		}
		if reason != "" {
			s.logger.Warn("dropping dependency",
				zap.String("thread_id", threadID),
				zap.Int("task_index", pos),
				zap.Int("depends_on", dep),
				zap.String("reason", reason))
			continue
		}
		if !seen[ids[dep]] {
			seen[ids[dep]] = true
			out = append(out, ids[dep])
		}
	}
	return out
}

// Progress counts the epic's tasks and applies the decision table. A
// terminal state is left untouched.
func (s *Scheduler) Progress(ctx context.Context, st *engine.State) error {
	if st.Status.IsTerminal() || st.Graph == nil {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.progress")
	defer span.End()

	g := st.Graph
	span.SetAttributes(attribute.String("epic.id", g.EpicID))

	tasks, err := s.ledger.List(ctx, g.EpicID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("listing tasks: %w", err)
	}
	ready, err := s.ledger.GetReady(ctx, g.EpicID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("querying ready tasks: %w", err)
	}

	total, completed := 0, 0
	for _, t := range tasks {
		if t.IsEpic {
			continue
		}
		total++
		if t.IsClosed() {
			completed++
		}
	}
	open := ledger.CountOpen(tasks)

	g.TaskCount = total
	g.CompletedCount = completed
	g.ReadyTaskIDs = make([]string, 0, len(ready))
	for _, t := range ready {
		g.ReadyTaskIDs = append(g.ReadyTaskIDs, t.ID)
	}
	span.SetAttributes(
		attribute.Int("task.total", total),
		attribute.Int("task.completed", completed),
		attribute.Int("task.ready", len(ready)),
	)

	switch {
	case total == 0:
		st.Fail(ErrNoTasks.Error())
		span.SetStatus(codes.Error, ErrNoTasks.Error())
	case completed >= total:
		if err := s.ledger.Close(ctx, g.EpicID, "all tasks complete"); err != nil {
			span.RecordError(err)
			return fmt.Errorf("closing epic: %w", err)
		}
		st.Complete(fmt.Sprintf("All %d task(s) complete", total))
	case open > 0 && len(ready) == 0:
		dl := &engine.DeadlockError{EpicID: g.EpicID, OpenCount: open}
		s.logger.Warn("task graph deadlocked",
			zap.String("thread_id", st.ThreadID),
			zap.String("epic_id", g.EpicID),
			zap.Int("open", open))
		st.Fail(dl.Error())
		span.SetStatus(codes.Error, dl.Error())
	default:
		st.Status = engine.StatusPlanning
	}
	return nil
}
