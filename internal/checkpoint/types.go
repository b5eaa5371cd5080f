package checkpoint

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

var (
	// ErrCheckpointNotFound is returned when a checkpoint does not exist in
	// the requested thread.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session with a taken id.
	ErrSessionExists = errors.New("session already exists")

	// ErrSequenceConflict is returned when another writer appended to the
	// thread first.
	ErrSequenceConflict = errors.New("checkpoint sequence conflict")

	// ErrClosed is returned by a closed service or store.
	ErrClosed = errors.New("checkpoint store is closed")

	// ErrEmptyThread is returned when a thread id is missing.
	ErrEmptyThread = errors.New("thread id is required")
)

// Checkpoint is an immutable snapshot of engine state taken after a step.
type Checkpoint struct {
	ID               string        `json:"checkpointId"`
	ThreadID         string        `json:"threadId"`
	ParentID         string        `json:"parentCheckpointId,omitempty"`
	Sequence         int64         `json:"sequence"`
	StepIndex        int           `json:"stepIndex"`
	SourceNode       string        `json:"sourceNode"`
	CreatedAt        time.Time     `json:"createdAt"`
	Snapshot         *engine.State `json:"snapshot"`
	MessagePreview   string        `json:"messagePreview,omitempty"`
	IsUserOriginated bool          `json:"isUserOriginated"`
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Snapshot = c.Snapshot.Clone()
	return &cp
}

// Summary returns the checkpoint without its snapshot, for listings.
func (c *Checkpoint) Summary() *Checkpoint {
	cp := *c
	cp.Snapshot = nil
	return &cp
}

// Session is a named thread with a movable head checkpoint.
type Session struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Goal             string        `json:"goal,omitempty"`
	Mode             engine.Mode   `json:"mode"`
	Status           engine.Status `json:"status,omitempty"`
	HeadCheckpointID string        `json:"headCheckpointId,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// SaveRequest describes a checkpoint to append.
type SaveRequest struct {
	ThreadID   string
	ParentID   string
	SourceNode string
	State      *engine.State

	// UserOriginated marks checkpoints written right after user input.
	UserOriginated bool

	// Sequence pins the sequence to write. Zero derives it from the
	// thread's latest checkpoint.
	Sequence int64
}

// CreateSessionRequest describes a new session.
type CreateSessionRequest struct {
	ID    string
	Title string
	Goal  string
	Mode  engine.Mode
}

const previewLen = 120

// preview returns the last message text of st, truncated.
func preview(st *engine.State) string {
	if st == nil {
		return ""
	}
	last := st.Messages.Last()
	if last == nil {
		return ""
	}
	text := []rune(last.Text())
	if len(text) > previewLen {
		return string(text[:previewLen]) + "..."
	}
	return string(text)
}
