package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger keeps tasks in process memory.
type MemoryLedger struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
	seq   int64
	now   func() time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Create implements Ledger.
func (l *MemoryLedger) Create(_ context.Context, title string, opts CreateOptions) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if opts.ParentID != "" {
		if _, ok := l.tasks[opts.ParentID]; !ok {
			return nil, ErrTaskNotFound
		}
	}
	for _, dep := range opts.BlockedBy {
		if _, ok := l.tasks[dep]; !ok {
			return nil, ErrTaskNotFound
		}
	}

	l.seq++
	t := &Task{
		ID:        uuid.New().String(),
		Title:     title,
		Status:    StatusOpen,
		Priority:  opts.Priority,
		ParentID:  opts.ParentID,
		BlockedBy: append([]string(nil), opts.BlockedBy...),
		Metadata:  opts.Metadata,
		IsEpic:    opts.Epic,
		Seq:       l.seq,
		CreatedAt: l.now().UTC(),
	}
	t = t.Clone()
	l.tasks[t.ID] = t
	l.order = append(l.order, t.ID)
	return t.Clone(), nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, id string) (*Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (l *MemoryLedger) childrenLocked(parentID string) []*Task {
	out := make([]*Task, 0)
	for _, id := range l.order {
		t := l.tasks[id]
		if parentID == "" || t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out
}

// List implements Ledger.
func (l *MemoryLedger) List(_ context.Context, parentID string) ([]*Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	children := l.childrenLocked(parentID)
	out := make([]*Task, len(children))
	for i, t := range children {
		out[i] = t.Clone()
	}
	return out, nil
}

// GetReady implements Ledger.
func (l *MemoryLedger) GetReady(_ context.Context, parentID string) ([]*Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ready := Ready(l.childrenLocked(parentID), func(id string) (*Task, bool) {
		t, ok := l.tasks[id]
		return t, ok
	})
	for i, t := range ready {
		ready[i] = t.Clone()
	}
	return ready, nil
}

// Close implements Ledger.
func (l *MemoryLedger) Close(_ context.Context, id, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.IsClosed() {
		return nil
	}
	at := l.now().UTC()
	t.Status = StatusClosed
	t.Note = note
	t.ClosedAt = &at
	return nil
}
