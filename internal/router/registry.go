// Package router dispatches units of graph-mode work to sub-agent handlers.
//
// Handlers declare the content kinds they accept and an optional priority.
// A request naming a handler uses it when that handler accepts the request's
// kinds; otherwise the registry scans handlers by descending priority and
// picks the first one whose accepted kinds intersect the request's.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Content kinds understood by the built-in handlers.
const (
	KindAction   = "action"
	KindCode     = "code"
	KindText     = "text"
	KindResearch = "research"
	KindAnalysis = "analysis"
)

var (
	// ErrNoHandler is returned when no registered handler accepts a request.
	ErrNoHandler = errors.New("no handler accepts the request")

	// ErrDuplicateHandler is returned when registering a name twice.
	ErrDuplicateHandler = errors.New("handler already registered")
)

// Request is one unit of work.
type Request struct {
	// Handler optionally names the handler to use.
	Handler     string
	Kinds       []string
	Goal        string
	Instruction string
	TaskIDs     []string
	Variables   map[string]string
}

// Artifact is a work product returned by a handler.
type Artifact struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
}

// Response is the outcome of a dispatch.
type Response struct {
	Handler   string
	Success   bool
	Output    string
	Artifacts []Artifact
	Duration  time.Duration

	// NextHandler and Variables are carried into the next dispatch.
	NextHandler string
	Variables   map[string]string

	// Data is structured output recorded on the action history.
	Data json.RawMessage

	// Attempts and GeneratedAction are set by handlers that run actions.
	Attempts        int
	GeneratedAction string
}

// Handler is a sub-agent.
type Handler interface {
	Name() string
	Accepts() []string
	Produces() []string
	Priority() int

	// Handle performs the work. A returned error is treated as a failed
	// dispatch unless the context is done.
	Handle(ctx context.Context, req Request) (*Response, error)
}

// Registry holds handlers ordered by descending priority.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewRegistry creates a registry with the given handlers.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.handlers {
		if existing.Name() == h.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Name())
		}
	}
	r.handlers = append(r.handlers, h)
	sort.SliceStable(r.handlers, func(i, j int) bool {
		return r.handlers[i].Priority() > r.handlers[j].Priority()
	})
	return nil
}

// Handlers returns the handlers in dispatch order.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers...)
}

// Resolve picks the handler for req.
func (r *Registry) Resolve(req Request) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if req.Handler != "" {
		for _, h := range r.handlers {
			if h.Name() == req.Handler && accepts(h, req.Kinds) {
				return h, nil
			}
		}
	}
	for _, h := range r.handlers {
		if accepts(h, req.Kinds) {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: kinds %v", ErrNoHandler, req.Kinds)
}

func accepts(h Handler, kinds []string) bool {
	for _, a := range h.Accepts() {
		for _, k := range kinds {
			if a == k {
				return true
			}
		}
	}
	return false
}
