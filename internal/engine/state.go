package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle position of a thread.
type Status string

const (
	StatusPlanning Status = "planning"
	StatusActing   Status = "acting"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// IsTerminal reports whether no further steps run from this status.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusStopped
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPlanning, StatusActing, StatusComplete, StatusError, StatusStopped:
		return true
	}
	return false
}

// Mode selects between the plan/act loop and dependency-graph scheduling.
type Mode string

const (
	ModeLinear Mode = "linear"
	ModeGraph  Mode = "graph"
)

// ParseMode returns the mode named by s. Empty means linear.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeLinear):
		return ModeLinear, nil
	case string(ModeGraph):
		return ModeGraph, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Diagnostics describes why an action attempt failed.
type Diagnostics struct {
	Message     string `json:"message"`
	Stack       string `json:"stack,omitempty"`
	LogTail     string `json:"logTail,omitempty"`
	Kind        string `json:"kind,omitempty"`
	FailingLine int    `json:"failingLine,omitempty"`
}

// ActionRecord is one entry of the append-only action history.
type ActionRecord struct {
	Instruction     string          `json:"instruction"`
	GeneratedAction string          `json:"generatedAction"`
	Thought         string          `json:"thought,omitempty"`
	Success         bool            `json:"success"`
	Error           string          `json:"error,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	DurationMs      int64           `json:"durationMs"`
	Attempts        int             `json:"attempts"`
	Handler         string          `json:"handler,omitempty"`
	TaskIDs         []string        `json:"taskIds,omitempty"`
	Diagnostics     *Diagnostics    `json:"diagnostics,omitempty"`
}

// GraphState tracks dependency-graph progress for a thread.
type GraphState struct {
	Decomposed     bool     `json:"decomposed"`
	EpicID         string   `json:"epicId,omitempty"`
	TaskCount      int      `json:"taskCount"`
	CompletedCount int      `json:"completedCount"`
	ReadyTaskIDs   []string `json:"readyTaskIds,omitempty"`

	// Set by the previous dispatch for the next one.
	NextHandler string            `json:"nextHandler,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// State is the full engine state of one thread.
type State struct {
	ThreadID string `json:"threadId"`
	Goal     string `json:"goal"`
	Mode     Mode   `json:"mode"`
	Status   Status `json:"status"`

	IterationCount      int `json:"iterationCount"`
	ConsecutiveFailures int `json:"consecutiveFailures"`

	CurrentInstruction string `json:"currentInstruction,omitempty"`

	ConversationSummary    string `json:"conversationSummary,omitempty"`
	SummaryMessageCount    int    `json:"summaryMessageCount"`
	SummarizedMessageCount int    `json:"summarizedMessageCount"`

	Messages      Messages       `json:"messages"`
	ActionHistory []ActionRecord `json:"actionHistory"`

	IsComplete      bool   `json:"isComplete"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	PendingQuestion string `json:"pendingQuestion,omitempty"`

	// StepError holds the last non-terminal step failure.
	StepError string `json:"stepError,omitempty"`

	Graph *GraphState `json:"graph,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewState seeds a thread with the user's goal.
func NewState(threadID, goal string, mode Mode) *State {
	if mode == "" {
		mode = ModeLinear
	}
	now := time.Now().UTC()
	s := &State{
		ThreadID:      threadID,
		Goal:          goal,
		Mode:          mode,
		Status:        StatusPlanning,
		Messages:      Messages{UserMessage{Content: goal, CreatedAt: now}},
		ActionHistory: []ActionRecord{},
		UpdatedAt:     now,
	}
	if mode == ModeGraph {
		s.Graph = &GraphState{}
	}
	return s
}

// Clone returns a deep copy safe to hand to another goroutine or store.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make(Messages, len(s.Messages))
	copy(c.Messages, s.Messages) // variants are plain values
	c.ActionHistory = make([]ActionRecord, len(s.ActionHistory))
	for i, a := range s.ActionHistory {
		c.ActionHistory[i] = a.clone()
	}
	if s.Graph != nil {
		g := *s.Graph
		g.ReadyTaskIDs = append([]string(nil), s.Graph.ReadyTaskIDs...)
		if s.Graph.Variables != nil {
			g.Variables = make(map[string]string, len(s.Graph.Variables))
			for k, v := range s.Graph.Variables {
				g.Variables[k] = v
			}
		}
		c.Graph = &g
	}
	return &c
}

func (a ActionRecord) clone() ActionRecord {
	c := a
	if a.Data != nil {
		c.Data = append(json.RawMessage(nil), a.Data...)
	}
	if a.TaskIDs != nil {
		c.TaskIDs = append([]string(nil), a.TaskIDs...)
	}
	if a.Diagnostics != nil {
		d := *a.Diagnostics
		c.Diagnostics = &d
	}
	return c
}

// AppendMessage adds a turn to the history.
func (s *State) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
	s.touch()
}

// RecordAction appends to the action history.
func (s *State) RecordAction(rec ActionRecord) {
	s.ActionHistory = append(s.ActionHistory, rec)
	s.touch()
}

// LastAction returns the newest action record, or nil.
func (s *State) LastAction() *ActionRecord {
	if len(s.ActionHistory) == 0 {
		return nil
	}
	return &s.ActionHistory[len(s.ActionHistory)-1]
}

// SetInstruction moves the thread to acting on instr.
func (s *State) SetInstruction(instr string) {
	s.CurrentInstruction = instr
	s.IsComplete = false
	s.Error = ""
	s.Status = StatusActing
	s.touch()
}

// Complete ends the thread successfully with a human-readable result.
func (s *State) Complete(result string) {
	s.CurrentInstruction = ""
	s.Error = ""
	s.IsComplete = true
	s.Result = result
	s.Status = StatusComplete
	s.touch()
}

// Fail ends the thread with an error. The result mirrors the message so
// terminal states always carry readable text.
func (s *State) Fail(msg string) {
	s.CurrentInstruction = ""
	s.IsComplete = false
	s.Error = msg
	s.Result = msg
	s.Status = StatusError
	s.touch()
}

// Stop ends the thread at a step boundary on user request.
func (s *State) Stop() {
	s.Status = StatusStopped
	s.Result = ErrStopped.Error()
	s.touch()
}

// Resume prepares a terminal or restored state for another run with new
// user input.
func (s *State) Resume(input string) {
	if input != "" {
		s.AppendMessage(UserMessage{Content: input, CreatedAt: time.Now().UTC()})
	}
	s.Status = StatusPlanning
	s.IsComplete = false
	s.Error = ""
	s.Result = ""
	s.PendingQuestion = ""
	s.StepError = ""
	s.CurrentInstruction = ""
	s.touch()
}

// Validate checks the exactly-one invariant for settled states.
func (s *State) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, s.Status)
	}
	set := 0
	if s.CurrentInstruction != "" {
		set++
	}
	if s.IsComplete {
		set++
	}
	if s.Error != "" {
		set++
	}
	switch s.Status {
	case StatusActing, StatusComplete, StatusError:
		if set != 1 {
			return fmt.Errorf("%w: status %s with %d of instruction/complete/error set", ErrInvalidState, s.Status, set)
		}
	}
	if s.Status.IsTerminal() && s.Result == "" {
		return fmt.Errorf("%w: terminal status %s without result", ErrInvalidState, s.Status)
	}
	return nil
}

func (s *State) touch() {
	s.UpdatedAt = time.Now().UTC()
}
