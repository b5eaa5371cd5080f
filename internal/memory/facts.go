package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Fact is a deduplicated, usage-tracked piece of long-term knowledge.
type Fact struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	UseCount   int       `json:"useCount"`
}

// Redactor scrubs sensitive values from content before it is stored.
type Redactor interface {
	Redact(content string) string
}

// FactStore deduplicates facts by exact content. Re-saving known content
// bumps UseCount and LastUsedAt instead of adding a duplicate.
type FactStore struct {
	mu        sync.RWMutex
	byID      map[string]*Fact
	byContent map[string]string
	maxFacts  int
	now       Clock
	redactor  Redactor
	index     *FactIndex
	logger    *zap.Logger
}

// FactOption configures a FactStore.
type FactOption func(*FactStore)

// WithFactClock overrides the time source.
func WithFactClock(c Clock) FactOption {
	return func(s *FactStore) { s.now = c }
}

// WithRedactor scrubs content before deduplication and storage.
func WithRedactor(r Redactor) FactOption {
	return func(s *FactStore) { s.redactor = r }
}

// WithIndex mirrors stored facts into a semantic index.
func WithIndex(idx *FactIndex) FactOption {
	return func(s *FactStore) { s.index = idx }
}

// WithFactLogger sets the logger.
func WithFactLogger(l *zap.Logger) FactOption {
	return func(s *FactStore) { s.logger = l }
}

// NewFactStore creates a store holding at most maxFacts (0 = unlimited).
// When full, the least recently used fact is evicted.
func NewFactStore(maxFacts int, opts ...FactOption) *FactStore {
	s := &FactStore{
		byID:      make(map[string]*Fact),
		byContent: make(map[string]string),
		maxFacts:  maxFacts,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores content as a fact. created is false when the content was
// already known and its usage counters were bumped instead.
func (s *FactStore) Save(ctx context.Context, content, source string, confidence float64) (Fact, bool, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Fact{}, false, ErrEmptyContent
	}
	if confidence < 0 || confidence > 1 {
		return Fact{}, false, ErrInvalidScore
	}
	if s.redactor != nil {
		content = s.redactor.Redact(content)
	}

	s.mu.Lock()
	now := s.now()
	if id, ok := s.byContent[content]; ok {
		f := s.byID[id]
		f.UseCount++
		f.LastUsedAt = now
		if confidence > f.Confidence {
			f.Confidence = confidence
		}
		out := *f
		s.mu.Unlock()
		return out, false, nil
	}

	var evicted string
	if s.maxFacts > 0 && len(s.byID) >= s.maxFacts {
		evicted = s.evictLocked()
	}

	f := &Fact{
		ID:         uuid.NewString(),
		Content:    content,
		Source:     source,
		Confidence: confidence,
		CreatedAt:  now,
		LastUsedAt: now,
		UseCount:   1,
	}
	s.byID[f.ID] = f
	s.byContent[content] = f.ID
	out := *f
	s.mu.Unlock()

	if s.index != nil {
		if evicted != "" {
			s.index.Remove(ctx, evicted)
		}
		if err := s.index.Add(ctx, out); err != nil {
			s.logger.Warn("fact index update failed", zap.String("fact_id", out.ID), zap.Error(err))
		}
	}
	return out, true, nil
}

func (s *FactStore) evictLocked() string {
	var lru *Fact
	for _, f := range s.byID {
		if lru == nil || f.LastUsedAt.Before(lru.LastUsedAt) {
			lru = f
		}
	}
	delete(s.byID, lru.ID)
	delete(s.byContent, lru.Content)
	return lru.ID
}

// Get returns a fact by ID.
func (s *FactStore) Get(id string) (Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byID[id]
	if !ok {
		return Fact{}, ErrFactNotFound
	}
	return *f, nil
}

// Touch records a use of the fact.
func (s *FactStore) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[id]
	if !ok {
		return ErrFactNotFound
	}
	f.UseCount++
	f.LastUsedAt = s.now()
	return nil
}

// List returns facts, most recently used first. limit <= 0 returns all.
func (s *FactStore) List(limit int) []Fact {
	s.mu.RLock()
	out := make([]Fact, 0, len(s.byID))
	for _, f := range s.byID {
		out = append(out, *f)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Recall returns up to k facts related to query. Without an index it falls
// back to the most recently used facts.
func (s *FactStore) Recall(ctx context.Context, query string, k int) ([]Fact, error) {
	if s.index == nil || strings.TrimSpace(query) == "" {
		return s.List(k), nil
	}
	ids, err := s.index.Query(ctx, query, k)
	if err != nil {
		return nil, err
	}
	out := make([]Fact, 0, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		if f, ok := s.byID[id]; ok {
			out = append(out, *f)
		}
	}
	s.mu.RUnlock()
	return out, nil
}

// Len returns the number of stored facts.
func (s *FactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
