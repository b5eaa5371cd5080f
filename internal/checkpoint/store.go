package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// Store is durable append-only checkpoint storage keyed by thread.
type Store interface {
	// Append writes cp. cp.Sequence must be the thread's current maximum
	// plus one (1 for a new thread), otherwise ErrSequenceConflict.
	Append(ctx context.Context, cp *Checkpoint) error

	// Get returns a checkpoint of threadID.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// List returns up to limit checkpoints of threadID, newest first.
	// A limit <= 0 returns all of them.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	// Latest returns the highest-sequence checkpoint of threadID.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// DeleteThread removes every checkpoint of threadID.
	DeleteThread(ctx context.Context, threadID string) error

	SessionStore

	Close() error
}

// SessionStore persists session records.
type SessionStore interface {
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions most recently updated first.
	ListSessions(ctx context.Context) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string][]*Checkpoint // ascending sequence
	sessions map[string]*Session
	closed   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string][]*Checkpoint),
		sessions: make(map[string]*Session),
	}
}

var _ Store = (*MemoryStore)(nil)

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cps := m.threads[cp.ThreadID]
	var max int64
	if n := len(cps); n > 0 {
		max = cps[n-1].Sequence
	}
	if cp.Sequence != max+1 {
		return ErrSequenceConflict
	}
	m.threads[cp.ThreadID] = append(cps, cp.Clone())
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	for _, cp := range m.threads[threadID] {
		if cp.ID == checkpointID {
			return cp.Clone(), nil
		}
	}
	return nil, ErrCheckpointNotFound
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	cps := m.threads[threadID]
	out := make([]*Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cps[i].Clone())
	}
	return out, nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	cps := m.threads[threadID]
	if len(cps) == 0 {
		return nil, ErrCheckpointNotFound
	}
	return cps[len(cps)-1].Clone(), nil
}

// DeleteThread implements Store.
func (m *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.threads, threadID)
	return nil
}

// PutSession implements SessionStore.
func (m *MemoryStore) PutSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// GetSession implements SessionStore.
func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSessions implements SessionStore.
func (m *MemoryStore) ListSessions(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sortSessions(out)
	return out, nil
}

// DeleteSession implements SessionStore.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortSessions(ss []*Session) {
	sort.SliceStable(ss, func(i, j int) bool {
		if !ss[i].UpdatedAt.Equal(ss[j].UpdatedAt) {
			return ss[i].UpdatedAt.After(ss[j].UpdatedAt)
		}
		return ss[i].ID < ss[j].ID
	})
}
