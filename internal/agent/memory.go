package agent

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
)

// Stats is a point-in-time view of the service.
type Stats struct {
	ActiveRuns           int   `json:"activeRuns"`
	RunsStarted          int64 `json:"runsStarted"`
	RunsFinished         int64 `json:"runsFinished"`
	ConversationThreads  int   `json:"conversationThreads"`
	ConversationMessages int   `json:"conversationMessages"`
	Facts                int   `json:"facts"`
}

// GetConversation returns the thread's message history. Threads not seen by
// this process are loaded from their latest checkpoint.
func (s *Service) GetConversation(ctx context.Context, threadID string) ([]engine.Message, error) {
	if s.convo.Len(threadID) > 0 {
		return s.convo.Messages(threadID), nil
	}
	cp, err := s.checkpoints.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.convo.Replace(threadID, cp.Snapshot.Messages); err != nil {
		return nil, err
	}
	return s.convo.Messages(threadID), nil
}

// SaveFact stores a fact. created is false when the content was already
// known.
func (s *Service) SaveFact(ctx context.Context, content, source string, confidence float64) (memory.Fact, bool, error) {
	if source == "" {
		source = "user"
	}
	return s.facts.Save(ctx, content, source, confidence)
}

// GetFacts returns up to limit facts, most recently used first.
func (s *Service) GetFacts(limit int) []memory.Fact {
	return s.facts.List(limit)
}

// RecallFacts returns the k facts most relevant to query.
func (s *Service) RecallFacts(ctx context.Context, query string, k int) ([]memory.Fact, error) {
	return s.facts.Recall(ctx, query, k)
}

// GetStats reports run and memory counters.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	active := len(s.active)
	s.mu.Unlock()
	return Stats{
		ActiveRuns:           active,
		RunsStarted:          s.runsStarted.Load(),
		RunsFinished:         s.runsFinished.Load(),
		ConversationThreads:  s.convo.Threads(),
		ConversationMessages: s.convo.Total(),
		Facts:                s.facts.Len(),
	}
}
