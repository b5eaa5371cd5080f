package memory

import (
	"sync"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

// Conversation keeps a bounded message history per thread.
// Safe for concurrent use.
type Conversation struct {
	mu          sync.RWMutex
	threads     map[string][]engine.Message
	maxMessages int
}

// NewConversation creates a history store. maxMessages limits each thread
// (0 = unlimited); the oldest turns are dropped first.
func NewConversation(maxMessages int) *Conversation {
	return &Conversation{
		threads:     make(map[string][]engine.Message),
		maxMessages: maxMessages,
	}
}

// Append adds turns to a thread's history.
func (c *Conversation) Append(threadID string, msgs ...engine.Message) error {
	if threadID == "" {
		return ErrEmptyThread
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf := append(c.threads[threadID], msgs...)
	if c.maxMessages > 0 && len(buf) > c.maxMessages {
		excess := len(buf) - c.maxMessages
		buf = append([]engine.Message(nil), buf[excess:]...)
	}
	c.threads[threadID] = buf
	return nil
}

// Replace overwrites a thread's history, keeping only the newest turns.
func (c *Conversation) Replace(threadID string, msgs []engine.Message) error {
	c.mu.Lock()
	delete(c.threads, threadID)
	c.mu.Unlock()
	return c.Append(threadID, msgs...)
}

// Messages returns a copy of the thread's history.
func (c *Conversation) Messages(threadID string) []engine.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := c.threads[threadID]
	out := make([]engine.Message, len(buf))
	copy(out, buf)
	return out
}

// Len returns the number of turns held for a thread.
func (c *Conversation) Len(threadID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.threads[threadID])
}

// Total returns the number of turns across all threads.
func (c *Conversation) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, buf := range c.threads {
		n += len(buf)
	}
	return n
}

// Threads returns the number of threads with history.
func (c *Conversation) Threads() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.threads)
}

// Forget drops a thread's history.
func (c *Conversation) Forget(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, threadID)
}
