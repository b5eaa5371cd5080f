// Package ledger tracks the tasks a decomposed goal is split into and which
// of them are ready to run.
//
// A task is ready when it is open, is not an epic, and every task it is
// blocked by is closed. Ready tasks are ordered by priority (0 is the most
// urgent) and then by creation order.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrTaskNotFound is returned for unknown task, parent or blocker ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEmptyTitle is returned when creating a task without a title.
	ErrEmptyTitle = errors.New("task title is required")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Metadata keys written by the graph scheduler.
const (
	MetaThreadID  = "thread_id"
	MetaIndex     = "index"
	MetaType      = "type"
	MetaMergeable = "mergeable"
)

// Task is one unit of work in the ledger.
type Task struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Status    Status            `json:"status"`
	Priority  int               `json:"priority"`
	ParentID  string            `json:"parentId,omitempty"`
	BlockedBy []string          `json:"blockedBy,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	IsEpic    bool              `json:"isEpic,omitempty"`
	Note      string            `json:"note,omitempty"`
	Seq       int64             `json:"seq"`
	CreatedAt time.Time         `json:"createdAt"`
	ClosedAt  *time.Time        `json:"closedAt,omitempty"`
}

// IsClosed reports whether the task is closed.
func (t *Task) IsClosed() bool { return t.Status == StatusClosed }

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	c.BlockedBy = append([]string(nil), t.BlockedBy...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.ClosedAt != nil {
		at := *t.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

// CreateOptions describes a new task.
type CreateOptions struct {
	Priority  int
	ParentID  string
	BlockedBy []string
	Metadata  map[string]string
	Epic      bool
}

// Ledger is the task store consumed by the graph scheduler.
type Ledger interface {
	// Create adds an open task. Unknown parent or blocker ids fail with
	// ErrTaskNotFound.
	Create(ctx context.Context, title string, opts CreateOptions) (*Task, error)

	Get(ctx context.Context, id string) (*Task, error)

	// List returns the children of parentID in creation order. An empty
	// parentID lists every task.
	List(ctx context.Context, parentID string) ([]*Task, error)

	// GetReady returns the ready children of parentID.
	GetReady(ctx context.Context, parentID string) ([]*Task, error)

	// Close marks a task closed with an outcome note. Closing a closed task
	// is a no-op.
	Close(ctx context.Context, id, note string) error
}

// Ready filters tasks down to the ready set and orders it. lookup resolves
// blockers, which may live outside tasks.
func Ready(tasks []*Task, lookup func(id string) (*Task, bool)) []*Task {
	out := make([]*Task, 0)
	for _, t := range tasks {
		if isReady(t, lookup) {
			out = append(out, t)
		}
	}
	sortReady(out)
	return out
}

func isReady(t *Task, lookup func(id string) (*Task, bool)) bool {
	if t.Status != StatusOpen || t.IsEpic {
		return false
	}
	for _, dep := range t.BlockedBy {
		b, ok := lookup(dep)
		if !ok || !b.IsClosed() {
			return false
		}
	}
	return true
}

func sortReady(ts []*Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority < ts[j].Priority
		}
		return ts[i].Seq < ts[j].Seq
	})
}

// CountOpen returns how many non-epic tasks are still open.
func CountOpen(tasks []*Task) int {
	n := 0
	for _, t := range tasks {
		if !t.IsEpic && t.Status == StatusOpen {
			n++
		}
	}
	return n
}
