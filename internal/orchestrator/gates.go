package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

// Gate inspects the state after every non-terminal step and may end the run.
type Gate interface {
	Name() string

	// Check returns a non-empty reason when the run must stop with an error.
	Check(st *engine.State) string
}

// FailureCeilingGate aborts a thread after Max consecutive step failures.
type FailureCeilingGate struct {
	Max int
}

// Name returns the gate identifier.
func (g FailureCeilingGate) Name() string { return "failure-ceiling" }

// Check implements Gate.
func (g FailureCeilingGate) Check(st *engine.State) string {
	if g.Max > 0 && st.ConsecutiveFailures >= g.Max {
		return fmt.Sprintf("aborted after %d consecutive failures", st.ConsecutiveFailures)
	}
	return ""
}

// IterationLimitGate ends a thread once Max actions have been recorded.
type IterationLimitGate struct {
	Max int
}

// Name returns the gate identifier.
func (g IterationLimitGate) Name() string { return "iteration-limit" }

// Check implements Gate.
func (g IterationLimitGate) Check(st *engine.State) string {
	if g.Max > 0 && st.IterationCount >= g.Max {
		return "iteration limit reached"
	}
	return ""
}
