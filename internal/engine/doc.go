// Package engine defines the state shared by every step of the agent loop.
//
// A State is owned by exactly one running thread at a time. Steps receive a
// pointer to it, mutate it in place and hand it back to the orchestrator,
// which snapshots it (via Clone) into a checkpoint after every step.
//
// Message turns are a closed union of SystemMessage, UserMessage and
// AgentMessage. Decoding a snapshot switches on the "role" discriminant and
// rejects anything else with ErrUnknownRole.
//
// The error taxonomy used across the engine also lives here:
//
//   - ConfigurationError: missing decision-service credentials, terminal.
//   - ParseError: malformed decision response, terminal for one step.
//   - ExecutionError: an action failed on every attempt, non-fatal.
//   - DeadlockError: open tasks with nothing ready, terminal.
//   - ErrStopped: user cancellation observed at a step boundary.
package engine
