package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped marks a run ended by a user stop request.
	ErrStopped = errors.New("stopped by user")

	// ErrUnknownRole is returned when a message turn has no valid discriminant.
	ErrUnknownRole = errors.New("unknown message role")

	// ErrInvalidState is returned by State.Validate.
	ErrInvalidState = errors.New("invalid engine state")
)

// ConfigurationError reports a missing or unusable setting. It is terminal.
type ConfigurationError struct {
	Setting string
	Hint    string
}

func (e *ConfigurationError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("configuration error: %s is not set", e.Setting)
	}
	return fmt.Sprintf("configuration error: %s is not set (%s)", e.Setting, e.Hint)
}

// ParseError reports a decision-service response that could not be turned
// into a valid plan, action or decomposition.
type ParseError struct {
	Stage string // plan, act or decompose
	Raw   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable %s response: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExecutionError reports an action that failed on every allowed attempt.
type ExecutionError struct {
	Instruction string
	Attempts    int
	Last        Diagnostics
}

func (e *ExecutionError) Error() string {
	msg := e.Last.Message
	if msg == "" {
		msg = "unknown failure"
	}
	return fmt.Sprintf("action failed after %d attempt(s): %s", e.Attempts, msg)
}

// DeadlockError reports open tasks with an empty ready set.
type DeadlockError struct {
	EpicID    string
	OpenCount int
}

func (e *DeadlockError) Error() string {
	return "blocked: possible circular dependency"
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsConfigurationError reports whether err is or wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
