// Package decision turns compacted context into plans, concrete actions and
// task decompositions.
//
// The Service interface is what the engine steps consume. LLMService is the
// langchaingo-backed implementation; any response that does not parse into
// the expected shape is reported as *engine.ParseError so steps can treat it
// as fatal for the step instead of retrying.
package decision

import (
	"context"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/execution"
)

// PlanRequest asks for the next instruction.
type PlanRequest struct {
	Goal string

	// Context is the rendered compactor output.
	Context string
}

// Plan is the planner's decision.
type Plan struct {
	Thought           string `json:"thought"`
	NextInstruction   string `json:"nextInstruction,omitempty"`
	IsComplete        bool   `json:"isComplete"`
	CompletionMessage string `json:"completionMessage,omitempty"`
	NeedsMoreInfo     bool   `json:"needsMoreInfo,omitempty"`
	Question          string `json:"question,omitempty"`
}

// ActRequest asks for a concrete action for one instruction.
type ActRequest struct {
	Goal        string
	Instruction string

	// Prior is the previous failed attempt, nil on the first attempt.
	Prior *PriorAttempt
}

// PriorAttempt describes a failed attempt to condition the next one on.
type PriorAttempt struct {
	Attempt     int
	Action      string
	Diagnostics engine.Diagnostics
}

// Act is the executor's decision.
type Act struct {
	Thought string           `json:"thought"`
	Action  execution.Action `json:"action"`
}

// TaskSpec is one task of a decomposition.
type TaskSpec struct {
	Title     string `json:"title"`
	DependsOn []int  `json:"dependsOnIndices,omitempty"`
	Mergeable bool   `json:"mergeable,omitempty"`
	Type      string `json:"type,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// Decomposition splits a goal into an epic and ordered tasks.
type Decomposition struct {
	EpicTitle string     `json:"epicTitle"`
	Tasks     []TaskSpec `json:"tasks"`
}

// Service is the reasoning collaborator of the engine.
type Service interface {
	Plan(ctx context.Context, req PlanRequest) (*Plan, error)
	Act(ctx context.Context, req ActRequest) (*Act, error)
	Decompose(ctx context.Context, goal string) (*Decomposition, error)
}
