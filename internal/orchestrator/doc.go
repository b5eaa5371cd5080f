// Package orchestrator runs the step state machine for one thread.
//
// # Linear mode
//
//	planning → planner → acting → executor → planning → … → terminal
//
// After a planner step the run ends if the state is terminal, moves to the
// executor if an instruction was produced, and otherwise plans again (a
// non-terminal planner failure). The executor always hands back to the
// planner.
//
// # Graph mode
//
// The scheduler takes the planner's role and the router the executor's:
// scheduler, router, scheduler, … until the scheduler reports completion,
// an empty decomposition or a deadlock.
//
// # Boundaries
//
// Between steps the loop:
//   - checks the stop flag and ends the run as stopped if it is set
//   - applies the gates (consecutive-failure ceiling, iteration limit)
//   - saves a checkpoint whose parent is the previous one
//   - emits an Event to the caller and the configured Publisher
//
// No step is interrupted once started. A step that returns an error, for
// example because the task ledger is unreachable, fails the thread and the
// error state is checkpointed. Only a failed checkpoint save or a done
// context ends the run with an error return.
package orchestrator
