// Package memory provides the bounded, process-local stores consulted by the
// planner: working memory, per-thread conversation history and the fact
// store with its semantic index.
package memory

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Common errors for memory operations.
var (
	ErrEmptyKey     = errors.New("key cannot be empty")
	ErrEmptyContent = errors.New("fact content cannot be empty")
	ErrFactNotFound = errors.New("fact not found")
	ErrEmptyThread  = errors.New("thread ID cannot be empty")
	ErrInvalidScore = errors.New("confidence must be between 0.0 and 1.0")
)

// Clock returns the current time. Tests replace it to control expiry.
type Clock func() time.Time

// Item is one working-memory entry.
type Item struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	Type      string     `json:"type"`
	WrittenAt time.Time  `json:"writtenAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (it *Item) expired(now time.Time) bool {
	return it.ExpiresAt != nil && now.After(*it.ExpiresAt)
}

// WorkingMemory is keyed scratch space for one run. Items expire lazily on
// read; when full, the item with the oldest WrittenAt is evicted.
type WorkingMemory struct {
	mu         sync.Mutex
	items      map[string]*Item
	maxItems   int
	defaultTTL time.Duration
	now        Clock
}

// WorkingOption configures a WorkingMemory.
type WorkingOption func(*WorkingMemory)

// WithClock overrides the time source.
func WithClock(c Clock) WorkingOption {
	return func(w *WorkingMemory) { w.now = c }
}

// WithDefaultTTL applies ttl to items set with a zero TTL.
func WithDefaultTTL(ttl time.Duration) WorkingOption {
	return func(w *WorkingMemory) { w.defaultTTL = ttl }
}

// NewWorkingMemory creates a store holding at most maxItems (0 = unlimited).
func NewWorkingMemory(maxItems int, opts ...WorkingOption) *WorkingMemory {
	w := &WorkingMemory{
		items:    make(map[string]*Item),
		maxItems: maxItems,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Set writes key. A negative ttl means the item never expires; zero uses
// the default TTL.
func (w *WorkingMemory) Set(key, value, typ string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if ttl == 0 {
		ttl = w.defaultTTL
	}
	item := &Item{Key: key, Value: value, Type: typ, WrittenAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		item.ExpiresAt = &exp
	}

	if _, exists := w.items[key]; !exists {
		w.evictLocked(now)
	}
	w.items[key] = item
	return nil
}

// evictLocked makes room for one new item.
func (w *WorkingMemory) evictLocked(now time.Time) {
	if w.maxItems <= 0 || len(w.items) < w.maxItems {
		return
	}
	for k, it := range w.items {
		if it.expired(now) {
			delete(w.items, k)
		}
	}
	for len(w.items) >= w.maxItems {
		var oldest *Item
		for _, it := range w.items {
			if oldest == nil || it.WrittenAt.Before(oldest.WrittenAt) {
				oldest = it
			}
		}
		delete(w.items, oldest.Key)
	}
}

// Get returns a copy of the item, or false if it is absent or expired.
func (w *WorkingMemory) Get(key string) (Item, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	it, ok := w.items[key]
	if !ok {
		return Item{}, false
	}
	if it.expired(w.now()) {
		delete(w.items, key)
		return Item{}, false
	}
	return *it, true
}

// Query returns live items of the given type ordered by WrittenAt. An empty
// type matches everything.
func (w *WorkingMemory) Query(typ string) []Item {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	out := make([]Item, 0, len(w.items))
	for k, it := range w.items {
		if it.expired(now) {
			delete(w.items, k)
			continue
		}
		if typ == "" || it.Type == typ {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WrittenAt.Equal(out[j].WrittenAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].WrittenAt.Before(out[j].WrittenAt)
	})
	return out
}

// Snapshot returns every live item keyed by name.
func (w *WorkingMemory) Snapshot() map[string]Item {
	items := w.Query("")
	out := make(map[string]Item, len(items))
	for _, it := range items {
		out[it.Key] = it
	}
	return out
}

// Delete removes key.
func (w *WorkingMemory) Delete(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.items, key)
}

// Len returns the number of stored items, expired or not.
func (w *WorkingMemory) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Clear drops every item.
func (w *WorkingMemory) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = make(map[string]*Item)
}
