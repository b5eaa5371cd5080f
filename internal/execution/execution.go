// Package execution runs concrete actions through an external runner.
//
// The runner is reached over HTTP or NATS request-reply. Failures of the
// runner, of the transport and timeouts are all reported as unsuccessful
// Results carrying Diagnostics; Run returns a Go error only when the
// caller's context is cancelled.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

// Diagnostic kinds set by this package. Runners may report their own.
const (
	KindTransport = "transport"
	KindTimeout   = "timeout"
	KindRunner    = "runner"
)

const (
	maxStackBytes   = 2 << 10
	maxLogTailBytes = 4 << 10
)

// Action is one concrete step produced by the decision service.
type Action struct {
	// Type names the runner capability, e.g. "shell", "http", "browser".
	Type  string          `json:"type"`
	Code  string          `json:"code,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// String renders the action compactly for action records.
func (a Action) String() string {
	b, err := json.Marshal(a)
	if err != nil {
		return a.Type
	}
	return string(b)
}

// Validate checks that the action names something to run.
func (a Action) Validate() error {
	if a.Type == "" {
		return errors.New("action type is required")
	}
	if a.Code == "" && len(a.Input) == 0 {
		return errors.New("action needs code or input")
	}
	return nil
}

// Result is the outcome of one run.
type Result struct {
	Success     bool                `json:"success"`
	Data        json.RawMessage     `json:"data,omitempty"`
	Error       string              `json:"error,omitempty"`
	Diagnostics *engine.Diagnostics `json:"diagnostics,omitempty"`
}

// Service runs actions.
type Service interface {
	Run(ctx context.Context, action Action, timeout time.Duration) (*Result, error)
}

// Truncate bounds the stack (keeping its head) and the log tail (keeping
// its end) in place.
func Truncate(d *engine.Diagnostics) *engine.Diagnostics {
	if d == nil {
		return nil
	}
	if len(d.Stack) > maxStackBytes {
		d.Stack = d.Stack[:maxStackBytes] + "\n...(truncated)"
	}
	if len(d.LogTail) > maxLogTailBytes {
		d.LogTail = "(truncated)...\n" + d.LogTail[len(d.LogTail)-maxLogTailBytes:]
	}
	return d
}

// failure builds an unsuccessful result.
func failure(kind, format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	return &Result{
		Error:       msg,
		Diagnostics: &engine.Diagnostics{Message: msg, Kind: kind},
	}
}

// normalize fills the error fields of a runner reply so failures always
// carry diagnostics.
func normalize(res *Result) *Result {
	if res.Success {
		res.Error = ""
		return res
	}
	if res.Diagnostics == nil {
		res.Diagnostics = &engine.Diagnostics{Kind: KindRunner}
	}
	if res.Error == "" {
		res.Error = res.Diagnostics.Message
	}
	if res.Diagnostics.Message == "" {
		res.Diagnostics.Message = res.Error
	}
	Truncate(res.Diagnostics)
	return res
}

// classify maps a transport error to a result, or returns the caller's
// context error.
func classify(ctx context.Context, err error, timeout time.Duration) (*Result, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure(KindTimeout, "action timed out after %s", timeout), nil
	}
	return failure(KindTransport, "runner unreachable: %v", err), nil
}

type runRequest struct {
	Action    Action `json:"action"`
	TimeoutMs int64  `json:"timeoutMs"`
}
