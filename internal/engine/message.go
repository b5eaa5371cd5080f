package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is the discriminant of a message turn.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
)

// SystemKind classifies system turns.
type SystemKind string

const (
	KindObservation SystemKind = "observation"
	KindSummary     SystemKind = "summary"
	KindNotice      SystemKind = "notice"
)

// Message is one turn of the conversation. The set of implementations is
// closed: SystemMessage, UserMessage and AgentMessage.
type Message interface {
	Role() Role
	Text() string
	Time() time.Time
	sealed()
}

// SystemMessage is produced by the engine itself (observations, notices).
type SystemMessage struct {
	Kind      SystemKind
	Content   string
	CreatedAt time.Time
}

// UserMessage carries user input, including the initial goal.
type UserMessage struct {
	Content   string
	CreatedAt time.Time
}

// AgentMessage carries planner output and its reasoning.
type AgentMessage struct {
	Content   string
	Thought   string
	CreatedAt time.Time
}

func (m SystemMessage) Role() Role      { return RoleSystem }
func (m SystemMessage) Text() string    { return m.Content }
func (m SystemMessage) Time() time.Time { return m.CreatedAt }
func (SystemMessage) sealed()           {}

func (m UserMessage) Role() Role      { return RoleUser }
func (m UserMessage) Text() string    { return m.Content }
func (m UserMessage) Time() time.Time { return m.CreatedAt }
func (UserMessage) sealed()           {}

func (m AgentMessage) Role() Role      { return RoleAgent }
func (m AgentMessage) Text() string    { return m.Content }
func (m AgentMessage) Time() time.Time { return m.CreatedAt }
func (AgentMessage) sealed()           {}

// wireMessage is the serialized form of every variant.
type wireMessage struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Thought   string     `json:"thought,omitempty"`
	Kind      SystemKind `json:"kind,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func toWire(m Message) (wireMessage, error) {
	switch v := m.(type) {
	case SystemMessage:
		return wireMessage{Role: RoleSystem, Content: v.Content, Kind: v.Kind, CreatedAt: v.CreatedAt}, nil
	case UserMessage:
		return wireMessage{Role: RoleUser, Content: v.Content, CreatedAt: v.CreatedAt}, nil
	case AgentMessage:
		return wireMessage{Role: RoleAgent, Content: v.Content, Thought: v.Thought, CreatedAt: v.CreatedAt}, nil
	case nil:
		return wireMessage{}, fmt.Errorf("%w: nil message", ErrUnknownRole)
	default:
		return wireMessage{}, fmt.Errorf("%w: %T", ErrUnknownRole, m)
	}
}

func fromWire(w wireMessage) (Message, error) {
	switch w.Role {
	case RoleSystem:
		kind := w.Kind
		if kind == "" {
			kind = KindNotice
		}
		return SystemMessage{Kind: kind, Content: w.Content, CreatedAt: w.CreatedAt}, nil
	case RoleUser:
		return UserMessage{Content: w.Content, CreatedAt: w.CreatedAt}, nil
	case RoleAgent:
		return AgentMessage{Content: w.Content, Thought: w.Thought, CreatedAt: w.CreatedAt}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, w.Role)
	}
}

// DecodeMessage reconstructs a single turn from its JSON form.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return fromWire(w)
}

// EncodeMessage serializes a single turn with its role discriminant.
func EncodeMessage(m Message) ([]byte, error) {
	w, err := toWire(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Messages is an ordered list of turns that serializes with a role
// discriminant on every element.
type Messages []Message

// MarshalJSON implements json.Marshaler.
func (ms Messages) MarshalJSON() ([]byte, error) {
	out := make([]wireMessage, 0, len(ms))
	for i, m := range ms {
		w, err := toWire(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, w)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. A single malformed turn fails
// the whole list.
func (ms *Messages) UnmarshalJSON(data []byte) error {
	var raw []wireMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Messages, 0, len(raw))
	for i, w := range raw {
		m, err := fromWire(w)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, m)
	}
	*ms = out
	return nil
}

// Last returns the most recent turn, or nil.
func (ms Messages) Last() Message {
	if len(ms) == 0 {
		return nil
	}
	return ms[len(ms)-1]
}
