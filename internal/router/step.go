package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/ledger"
)

const maxNoteLen = 1000

// Step is the graph-mode counterpart of the executor step. It dispatches the
// first ready unit and closes its tasks on success.
type Step struct {
	router *Router
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewStep creates the router step.
func NewStep(r *Router, l ledger.Ledger, logger *zap.Logger) *Step {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Step{router: r, ledger: l, logger: logger}
}

// Run dispatches one unit for st. The thread always returns to planning so
// the scheduler can re-evaluate progress. Errors are ledger or context
// failures.
func (s *Step) Run(ctx context.Context, st *engine.State) error {
	if st.Status.IsTerminal() {
		return nil
	}
	g := st.Graph
	if g == nil || len(g.ReadyTaskIDs) == 0 {
		st.StepError = "router invoked without ready tasks"
		st.ConsecutiveFailures++
		st.Status = engine.StatusPlanning
		return nil
	}

	ready := make([]*ledger.Task, 0, len(g.ReadyTaskIDs))
	for _, id := range g.ReadyTaskIDs {
		t, err := s.ledger.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("loading task %s: %w", id, err)
		}
		if !t.IsClosed() {
			ready = append(ready, t)
		}
	}
	st.Status = engine.StatusPlanning
	if len(ready) == 0 {
		return nil
	}

	unit := Batch(ready)[0]
	instruction := unit.Instruction()
	req := Request{
		Handler:     g.NextHandler,
		Kinds:       []string{unit.Kind},
		Goal:        st.Goal,
		Instruction: instruction,
		TaskIDs:     unit.TaskIDs(),
		Variables:   g.Variables,
	}
	st.CurrentInstruction = instruction

	resp, err := s.router.Dispatch(ctx, req)
	if err != nil {
		return err
	}

	rec := engine.ActionRecord{
		Instruction:     instruction,
		GeneratedAction: resp.GeneratedAction,
		Success:         resp.Success,
		Data:            resp.Data,
		DurationMs:      resp.Duration.Milliseconds(),
		Attempts:        max(resp.Attempts, 1),
		Handler:         resp.Handler,
		TaskIDs:         req.TaskIDs,
	}
	if rec.Data == nil && len(resp.Artifacts) > 0 {
		if raw, err := json.Marshal(resp.Artifacts); err == nil {
			rec.Data = raw
		}
	}

	var observation string
	var closeErr error
	if resp.Success {
		for _, id := range req.TaskIDs {
			if err := s.ledger.Close(ctx, id, clip(resp.Output, maxNoteLen)); err != nil {
				closeErr = fmt.Errorf("closing task %s: %w", id, err)
				break
			}
		}
		st.ConsecutiveFailures = 0
		st.StepError = ""
		g.NextHandler = resp.NextHandler
		if resp.Variables != nil {
			if g.Variables == nil {
				g.Variables = make(map[string]string, len(resp.Variables))
			}
			for k, v := range resp.Variables {
				g.Variables[k] = v
			}
		}
		observation = fmt.Sprintf("%s completed %d task(s): %s", resp.Handler, len(req.TaskIDs), clip(resp.Output, 500))
	} else {
		rec.Error = resp.Output
		st.ConsecutiveFailures++
		st.StepError = resp.Output
		g.NextHandler = ""
		observation = fmt.Sprintf("dispatch of %q failed: %s", instruction, resp.Output)
		s.logger.Info("unit failed",
			zap.String("thread_id", st.ThreadID),
			zap.String("handler", resp.Handler),
			zap.Strings("task_ids", req.TaskIDs))
	}

	st.RecordAction(rec)
	st.IterationCount++
	st.CurrentInstruction = ""
	st.AppendMessage(engine.SystemMessage{
		Kind:      engine.KindObservation,
		Content:   observation,
		CreatedAt: time.Now().UTC(),
	})
	// The handler's work is recorded even when the ledger cannot take it.
	return closeErr
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
