package http

import (
	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
)

// TaskRequest is the body of POST /api/v1/tasks.
type TaskRequest struct {
	Goal            string `json:"goal"`
	ThreadID        string `json:"threadId,omitempty"`
	ContinueSession bool   `json:"continueSession,omitempty"`
	Mode            string `json:"mode,omitempty"`
}

// StopResponse is returned by POST /api/v1/threads/:id/stop.
type StopResponse struct {
	ThreadID string `json:"threadId"`
	Stopping bool   `json:"stopping"`
}

// CheckpointListResponse lists checkpoint summaries, newest first.
type CheckpointListResponse struct {
	ThreadID    string                   `json:"threadId"`
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
}

// RestoreResponse carries the restored state.
type RestoreResponse struct {
	ThreadID     string        `json:"threadId"`
	CheckpointID string        `json:"checkpointId"`
	State        *engine.State `json:"state"`
}

// ConversationResponse is a thread's message history.
type ConversationResponse struct {
	ThreadID string          `json:"threadId"`
	Messages engine.Messages `json:"messages"`
}

// SessionRequest is the body of POST /api/v1/sessions.
type SessionRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// SessionResponse is a session and, once it has run, its head state.
type SessionResponse struct {
	Session *checkpoint.Session `json:"session"`
	State   *engine.State       `json:"state,omitempty"`
}

// SessionListResponse lists sessions.
type SessionListResponse struct {
	Sessions []*checkpoint.Session `json:"sessions"`
}

// FactRequest is the body of POST /api/v1/facts.
type FactRequest struct {
	Content    string   `json:"content"`
	Source     string   `json:"source,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// FactResponse is a saved fact.
type FactResponse struct {
	Fact    memory.Fact `json:"fact"`
	Created bool        `json:"created"`
}

// FactListResponse lists facts.
type FactListResponse struct {
	Facts []memory.Fact `json:"facts"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
