package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState_SeedsGoal(t *testing.T) {
	s := NewState("t1", "write a report", ModeLinear)

	assert.Equal(t, StatusPlanning, s.Status)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, RoleUser, s.Messages[0].Role())
	assert.Equal(t, "write a report", s.Messages[0].Text())
	assert.Empty(t, s.ActionHistory)
	assert.Nil(t, s.Graph)

	g := NewState("t2", "x", ModeGraph)
	assert.NotNil(t, g.Graph)
}

func TestState_CloneIsDeep(t *testing.T) {
	s := NewState("t1", "goal", ModeGraph)
	s.RecordAction(ActionRecord{
		Instruction: "click",
		Data:        json.RawMessage(`{"a":1}`),
		TaskIDs:     []string{"x"},
		Diagnostics: &Diagnostics{Message: "boom"},
	})
	s.Graph.ReadyTaskIDs = []string{"a", "b"}

	c := s.Clone()
	c.Messages = append(c.Messages, AgentMessage{Content: "later"})
	c.ActionHistory[0].Data[2] = 'b'
	c.ActionHistory[0].TaskIDs[0] = "y"
	c.ActionHistory[0].Diagnostics.Message = "changed"
	c.Graph.ReadyTaskIDs[0] = "z"

	assert.Len(t, s.Messages, 1)
	assert.Equal(t, `{"a":1}`, string(s.ActionHistory[0].Data))
	assert.Equal(t, "x", s.ActionHistory[0].TaskIDs[0])
	assert.Equal(t, "boom", s.ActionHistory[0].Diagnostics.Message)
	assert.Equal(t, "a", s.Graph.ReadyTaskIDs[0])
}

func TestState_RoundTripPreservesVariants(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewState("t1", "goal", ModeLinear)
	s.AppendMessage(AgentMessage{Content: "open the page", Thought: "start simple", CreatedAt: now})
	s.AppendMessage(SystemMessage{Kind: KindObservation, Content: "page opened", CreatedAt: now})

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var got State
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Messages, 3)

	agent, ok := got.Messages[1].(AgentMessage)
	require.True(t, ok)
	assert.Equal(t, "start simple", agent.Thought)

	sys, ok := got.Messages[2].(SystemMessage)
	require.True(t, ok)
	assert.Equal(t, KindObservation, sys.Kind)
	assert.Equal(t, s.Goal, got.Goal)
	assert.Equal(t, s.Status, got.Status)
}

func TestMessages_UnknownRoleFailsLoudly(t *testing.T) {
	var ms Messages
	err := json.Unmarshal([]byte(`[{"role":"user","content":"a"},{"role":"tool","content":"b"}]`), &ms)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownRole))

	_, err = DecodeMessage([]byte(`{"content":"no role"}`))
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestMessages_NilVariantRejected(t *testing.T) {
	_, err := json.Marshal(Messages{nil})
	assert.Error(t, err)
}

func TestState_TransitionsSatisfyInvariant(t *testing.T) {
	s := NewState("t1", "goal", ModeLinear)

	s.SetInstruction("do a thing")
	require.NoError(t, s.Validate())
	assert.Equal(t, StatusActing, s.Status)

	s.Complete("done")
	require.NoError(t, s.Validate())
	assert.Empty(t, s.CurrentInstruction)

	s.Resume("more please")
	assert.Equal(t, StatusPlanning, s.Status)
	assert.False(t, s.IsComplete)

	s.Fail("broken")
	require.NoError(t, s.Validate())
	assert.Equal(t, "broken", s.Result)
}

func TestState_ValidateRejectsMixedSignals(t *testing.T) {
	s := NewState("t1", "goal", ModeLinear)
	s.Status = StatusComplete
	s.IsComplete = true
	s.Error = "also failed"
	s.Result = "x"

	assert.ErrorIs(t, s.Validate(), ErrInvalidState)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLinear, m)

	m, err = ParseMode("Graph")
	require.NoError(t, err)
	assert.Equal(t, ModeGraph, m)

	_, err = ParseMode("tree")
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &ParseError{Stage: "act", Err: errors.New("no json")}
	assert.True(t, IsParseError(err))
	assert.Contains(t, err.Error(), "act")

	err = &ConfigurationError{Setting: "decision.api_key", Hint: "set TASKPILOT_DECISION_API_KEY"}
	assert.True(t, IsConfigurationError(err))

	exec := &ExecutionError{Attempts: 3, Last: Diagnostics{Message: "timeout"}}
	assert.Equal(t, "action failed after 3 attempt(s): timeout", exec.Error())

	assert.Equal(t, "blocked: possible circular dependency", (&DeadlockError{}).Error())
}
