// Package events carries step events from the orchestration loop to
// observers.
//
// Every completed step produces one Event. In-process callers receive events
// on the run's channel; a Publisher additionally fans them out, for example
// to NATS subjects of the form:
//
//	{prefix}.threads.{thread_id}.{node}
//	{prefix}.threads.{thread_id}.done    (terminal events only)
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

// Node names the step that produced an event.
type Node string

const (
	NodePlanner   Node = "planner"
	NodeExecutor  Node = "executor"
	NodeScheduler Node = "scheduler"
	NodeRouter    Node = "router"
	NodeSystem    Node = "system"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "taskpilot"

// Event is emitted after every step.
type Event struct {
	ThreadID     string        `json:"threadId"`
	RunID        string        `json:"runId"`
	Node         Node          `json:"node"`
	Sequence     int64         `json:"sequence"`
	CheckpointID string        `json:"checkpointId,omitempty"`
	State        *engine.State `json:"state"`
	Terminal     bool          `json:"terminal"`
	Time         time.Time     `json:"time"`
}

// Publisher delivers events to observers outside the run.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Multi publishes to each publisher in turn and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subject returns the subject for a thread's node events.
func Subject(prefix, threadID string, node Node) string {
	return fmt.Sprintf("%s.threads.%s.%s", prefix, threadID, node)
}

// DoneSubject returns the subject terminal events are mirrored to.
func DoneSubject(prefix, threadID string) string {
	return fmt.Sprintf("%s.threads.%s.done", prefix, threadID)
}

// NATSPublisher publishes events as JSON on NATS core subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher on nc.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(p.prefix, ev.ThreadID, ev.Node), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Node, err)
	}
	if ev.Terminal {
		if err := p.nc.Publish(DoneSubject(p.prefix, ev.ThreadID), data); err != nil {
			return fmt.Errorf("publish done event: %w", err)
		}
	}
	return nil
}

// Decode parses an event published by NATSPublisher.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
