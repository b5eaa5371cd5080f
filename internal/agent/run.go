package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
	"github.com/fyrsmithlabs/taskpilot/internal/executor"
	"github.com/fyrsmithlabs/taskpilot/internal/logging"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
	"github.com/fyrsmithlabs/taskpilot/internal/orchestrator"
	"github.com/fyrsmithlabs/taskpilot/internal/planner"
	"github.com/fyrsmithlabs/taskpilot/internal/router"
	"github.com/fyrsmithlabs/taskpilot/internal/sanitize"
	"github.com/fyrsmithlabs/taskpilot/internal/scheduler"
)

// Request starts or continues a task.
type Request struct {
	Goal string

	// ThreadID is generated when empty.
	ThreadID string

	// ContinueSession resumes from the thread's head checkpoint and adds
	// Goal as a new user message.
	ContinueSession bool

	// Mode defaults to Config.DefaultMode. It is ignored when continuing.
	Mode engine.Mode
}

// Run is one active execution of a thread.
type Run struct {
	ID       string
	ThreadID string

	events  chan events.Event
	done    chan struct{}
	control *orchestrator.Control

	state *engine.State
	err   error
}

// Events returns the step events. The channel is closed after the terminal
// event or when the run aborts. Only one goroutine should consume it.
func (r *Run) Events() <-chan events.Event { return r.events }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait consumes any remaining events and returns the final state. The error
// is non-nil when a checkpoint could not be written or the context was
// cancelled.
func (r *Run) Wait() (*engine.State, error) {
	for range r.events {
	}
	<-r.done
	return r.state, r.err
}

// Stop asks the run to end at the next step boundary.
func (r *Run) Stop() { r.control.Stop() }

// ExecuteTask starts a run and returns immediately. Cancelling ctx aborts
// the run; the thread keeps its last checkpoint.
func (s *Service) ExecuteTask(ctx context.Context, req Request) (*Run, error) {
	if req.Goal == "" {
		return nil, ErrEmptyGoal
	}
	if req.ContinueSession && req.ThreadID == "" {
		return nil, fmt.Errorf("%w: continuing requires a thread id", ErrThreadNotFound)
	}
	if err := sanitize.ValidateOptionalID(req.ThreadID, "thread_id"); err != nil {
		return nil, err
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	run := &Run{
		ID:       uuid.New().String(),
		ThreadID: threadID,
		events:   make(chan events.Event, eventBuffer),
		done:     make(chan struct{}),
		control:  &orchestrator.Control{},
	}
	if err := s.acquire(run); err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(logging.WithThreadID(ctx, threadID), run.ID)
	st, opts, err := s.prepare(ctx, req, threadID)
	if err != nil {
		s.release(run)
		return nil, err
	}
	opts.RunID = run.ID
	opts.Control = run.control
	opts.Emit = func(ev events.Event) {
		if ev.State != nil {
			if err := s.convo.Replace(ev.ThreadID, ev.State.Messages); err != nil {
				s.logger.Warn(ctx, "failed to sync conversation", zap.Error(err))
			}
		}
		select {
		case run.events <- ev:
		case <-ctx.Done():
		}
	}

	orch, err := s.orchestrator()
	if err != nil {
		s.release(run)
		return nil, err
	}

	s.runsStarted.Add(1)
	s.logger.Info(ctx, "run started",
		zap.String("mode", string(st.Mode)),
		zap.Bool("continued", req.ContinueSession))

	go func() {
		defer close(run.done)
		defer close(run.events)
		defer s.release(run)

		res, err := orch.Run(ctx, st, opts)
		run.state = st
		if res != nil {
			run.state = res.State
		}
		run.err = err
		s.runsFinished.Add(1)

		if err != nil {
			s.logger.Error(ctx, "run aborted", zap.Error(err))
			return
		}
		s.logger.Info(ctx, "run finished",
			zap.String("status", string(run.state.Status)),
			zap.Int("steps", res.Steps))
	}()
	return run, nil
}

// prepare builds the initial state and saves the user-input checkpoint.
func (s *Service) prepare(ctx context.Context, req Request, threadID string) (*engine.State, orchestrator.RunOptions, error) {
	var (
		st   *engine.State
		opts orchestrator.RunOptions
	)

	latest, err := s.checkpoints.Latest(ctx, threadID)
	switch {
	case errors.Is(err, checkpoint.ErrCheckpointNotFound):
		latest = nil
	case err != nil:
		return nil, opts, fmt.Errorf("reading latest checkpoint: %w", err)
	}

	if req.ContinueSession {
		base, err := s.head(ctx, threadID, latest)
		if err != nil {
			return nil, opts, err
		}
		if base != nil {
			st = base.Snapshot.Clone()
			st.Resume(req.Goal)
			st.ConsecutiveFailures = 0
			st.IterationCount = 0
			if st.Mode == engine.ModeGraph {
				st.Goal = req.Goal
				st.Graph = &engine.GraphState{}
			}
			opts.ParentCheckpointID = base.ID
		} else {
			sess, err := s.checkpoints.GetSession(ctx, threadID)
			if errors.Is(err, checkpoint.ErrSessionNotFound) {
				return nil, opts, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
			}
			if err != nil {
				return nil, opts, err
			}
			st = engine.NewState(threadID, req.Goal, sess.Mode)
		}
	} else {
		mode := req.Mode
		if mode == "" {
			mode = s.cfg.DefaultMode
		}
		st = engine.NewState(threadID, req.Goal, mode)
		if latest != nil {
			opts.ParentCheckpointID = latest.ID
		}
	}
	if latest != nil {
		opts.LastSequence = latest.Sequence
	}

	cp, err := s.checkpoints.Save(ctx, &checkpoint.SaveRequest{
		ThreadID:       threadID,
		ParentID:       opts.ParentCheckpointID,
		SourceNode:     "input",
		State:          st,
		UserOriginated: true,
		Sequence:       opts.LastSequence + 1,
	})
	if err != nil {
		return nil, opts, fmt.Errorf("saving input checkpoint: %w", err)
	}
	opts.ParentCheckpointID = cp.ID
	opts.LastSequence = cp.Sequence

	if err := s.convo.Replace(threadID, st.Messages); err != nil {
		s.logger.Warn(ctx, "failed to sync conversation", zap.Error(err))
	}
	return st, opts, nil
}

// head returns the checkpoint a continued run branches from: the session
// head when set, otherwise the newest checkpoint.
func (s *Service) head(ctx context.Context, threadID string, latest *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	sess, err := s.checkpoints.GetSession(ctx, threadID)
	if err != nil || sess.HeadCheckpointID == "" || (latest != nil && sess.HeadCheckpointID == latest.ID) {
		return latest, nil
	}
	cp, err := s.checkpoints.Get(ctx, threadID, sess.HeadCheckpointID)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		return latest, nil
	}
	return cp, err
}

// orchestrator wires a fresh set of steps. Working memory is scoped to the
// run; facts, ledger and compactor are shared.
func (s *Service) orchestrator() (*orchestrator.Orchestrator, error) {
	zl := s.zap()
	wm := memory.NewWorkingMemory(s.cfg.WorkingMaxItems, memory.WithDefaultTTL(s.cfg.WorkingTTL))

	exec := executor.New(s.decision, s.execution, s.cfg.Executor,
		executor.WithLogger(zl),
		executor.WithWorkingMemory(wm),
		executor.WithFacts(s.facts))
	reg, err := s.registry(exec)
	if err != nil {
		return nil, err
	}

	steps := orchestrator.Steps{
		Planner: planner.New(s.decision, s.compactor,
			planner.WithLogger(zl),
			planner.WithWorkingMemory(wm),
			planner.WithFacts(s.facts)),
		Executor:  exec,
		Scheduler: scheduler.New(s.decision, s.ledger, scheduler.WithLogger(zl)),
		Router:    router.NewStep(router.New(reg, router.WithLogger(zl)), s.ledger, zl),
	}
	return orchestrator.New(steps, s.cfg.Orchestrator,
		orchestrator.WithLogger(zl),
		orchestrator.WithCheckpoints(s.checkpoints),
		orchestrator.WithPublisher(s.publisher)), nil
}

func (s *Service) acquire(r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, busy := s.active[r.ThreadID]; busy {
		return fmt.Errorf("%w: %s", ErrThreadBusy, r.ThreadID)
	}
	s.active[r.ThreadID] = r
	s.wg.Add(1)
	return nil
}

func (s *Service) release(r *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[r.ThreadID] == r {
		delete(s.active, r.ThreadID)
	}
	s.wg.Done()
}

// StopTask asks the thread's active run to stop at the next step boundary.
func (s *Service) StopTask(threadID string) error {
	s.mu.Lock()
	r, ok := s.active[threadID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, threadID)
	}
	r.Stop()
	return nil
}

// Running reports whether threadID has an active run.
func (s *Service) Running(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[threadID]
	return ok
}
