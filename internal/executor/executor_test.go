package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskpilot/internal/decision"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/execution"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
)

type mockDecision struct {
	mock.Mock
}

func (m *mockDecision) Plan(ctx context.Context, req decision.PlanRequest) (*decision.Plan, error) {
	args := m.Called(ctx, req)
	p, _ := args.Get(0).(*decision.Plan)
	return p, args.Error(1)
}

func (m *mockDecision) Act(ctx context.Context, req decision.ActRequest) (*decision.Act, error) {
	args := m.Called(ctx, req)
	a, _ := args.Get(0).(*decision.Act)
	return a, args.Error(1)
}

func (m *mockDecision) Decompose(ctx context.Context, goal string) (*decision.Decomposition, error) {
	args := m.Called(ctx, goal)
	d, _ := args.Get(0).(*decision.Decomposition)
	return d, args.Error(1)
}

// scriptedRunner returns results in order and records the actions it saw.
type scriptedRunner struct {
	mu      sync.Mutex
	results []*execution.Result
	delay   time.Duration
	seen    []execution.Action
}

func (r *scriptedRunner) Run(ctx context.Context, a execution.Action, _ time.Duration) (*execution.Result, error) {
	r.mu.Lock()
	i := len(r.seen)
	r.seen = append(r.seen, a)
	r.mu.Unlock()
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	return r.results[i], nil
}

func fail(msg string) *execution.Result {
	return &execution.Result{Error: msg, Diagnostics: &engine.Diagnostics{Message: msg, Kind: "ExitError"}}
}

func shell(code string) *decision.Act {
	return &decision.Act{Thought: "try " + code, Action: execution.Action{Type: "shell", Code: code}}
}

func actingState(instr string) *engine.State {
	st := engine.NewState("t1", "deploy the service", engine.ModeLinear)
	st.SetInstruction(instr)
	return st
}

func TestExecutor_SucceedsOnThirdAttempt(t *testing.T) {
	dec := &mockDecision{}
	dec.On("Act", mock.Anything, mock.MatchedBy(func(r decision.ActRequest) bool { return r.Prior == nil })).
		Return(shell("make v1"), nil).Once()
	dec.On("Act", mock.Anything, mock.MatchedBy(func(r decision.ActRequest) bool {
		return r.Prior != nil && r.Prior.Attempt == 1 && r.Prior.Diagnostics.Message == "boom 1"
	})).Return(shell("make v2"), nil).Once()
	dec.On("Act", mock.Anything, mock.MatchedBy(func(r decision.ActRequest) bool {
		return r.Prior != nil && r.Prior.Attempt == 2 && r.Prior.Diagnostics.Message == "boom 2"
	})).Return(shell("make v3"), nil).Once()

	runner := &scriptedRunner{results: []*execution.Result{
		fail("boom 1"), fail("boom 2"), {Success: true, Data: json.RawMessage(`{"deployed":true}`)},
	}}
	wm := memory.NewWorkingMemory(10)
	ex := New(dec, runner, Config{MaxRetries: 3, AttemptTimeout: time.Second}, WithWorkingMemory(wm))

	st := actingState("deploy")
	st.ConsecutiveFailures = 2
	require.NoError(t, ex.Run(context.Background(), st))

	require.Len(t, st.ActionHistory, 1)
	rec := st.ActionHistory[0]
	assert.True(t, rec.Success)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.GeneratedAction, "make v3")
	assert.Equal(t, engine.StatusPlanning, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.IterationCount)
	assert.Empty(t, st.CurrentInstruction)

	item, ok := wm.Get(LastActionKey)
	require.True(t, ok)
	assert.Equal(t, "observation", item.Type)
	assert.Contains(t, item.Value, "succeeded")
	assert.Equal(t, engine.KindObservation, st.Messages.Last().(engine.SystemMessage).Kind)
	dec.AssertExpectations(t)
}

func TestExecutor_ExhaustsRetriesWithLastDiagnostics(t *testing.T) {
	dec := &mockDecision{}
	dec.On("Act", mock.Anything, mock.Anything).Return(shell("x"), nil)
	runner := &scriptedRunner{results: []*execution.Result{fail("first"), fail("second"), fail("third"), fail("fourth")}}
	ex := New(dec, runner, Config{MaxRetries: 3, AttemptTimeout: time.Second})

	st := actingState("x")
	require.NoError(t, ex.Run(context.Background(), st))

	assert.Len(t, runner.seen, 3)
	require.Len(t, st.ActionHistory, 1)
	rec := st.ActionHistory[0]
	assert.False(t, rec.Success)
	assert.Equal(t, 3, rec.Attempts)
	require.NotNil(t, rec.Diagnostics)
	assert.Equal(t, "third", rec.Diagnostics.Message)
	assert.Equal(t, "action failed after 3 attempt(s): third", rec.Error)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.IterationCount)
	assert.Equal(t, engine.StatusPlanning, st.Status)
	assert.Equal(t, rec.Error, st.StepError)
}

func TestExecutor_ParseErrorEndsStep(t *testing.T) {
	dec := &mockDecision{}
	dec.On("Act", mock.Anything, mock.Anything).
		Return(nil, &engine.ParseError{Stage: "act", Raw: "??", Err: errors.New("no JSON object in response")}).Once()
	runner := &scriptedRunner{results: []*execution.Result{{Success: true}}}
	ex := New(dec, runner, Config{MaxRetries: 3, AttemptTimeout: time.Second})

	st := actingState("x")
	require.NoError(t, ex.Run(context.Background(), st))

	assert.Empty(t, runner.seen)
	require.Len(t, st.ActionHistory, 1)
	assert.Equal(t, 1, st.ActionHistory[0].Attempts)
	assert.Contains(t, st.ActionHistory[0].Error, "unparseable act response")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.IterationCount)
	dec.AssertExpectations(t)
}

func TestExecutor_TimeoutCountsAsAttempt(t *testing.T) {
	dec := &mockDecision{}
	dec.On("Act", mock.Anything, mock.Anything).Return(shell("sleep"), nil)
	runner := &scriptedRunner{results: []*execution.Result{{Success: true}}, delay: time.Second}
	ex := New(dec, runner, Config{MaxRetries: 2, AttemptTimeout: 20 * time.Millisecond})

	out, err := ex.Execute(context.Background(), "g", "sleep")
	require.NoError(t, err)
	require.Error(t, out.Err)
	assert.Equal(t, 2, out.Record.Attempts)
	assert.Equal(t, execution.KindTimeout, out.Record.Diagnostics.Kind)
	assert.Len(t, runner.seen, 2)
}

func TestExecutor_DecisionFailureIsRetried(t *testing.T) {
	dec := &mockDecision{}
	dec.On("Act", mock.Anything, mock.Anything).Return(nil, errors.New("model call failed: 529")).Once()
	dec.On("Act", mock.Anything, mock.Anything).Return(shell("ok"), nil).Once()
	runner := &scriptedRunner{results: []*execution.Result{{Success: true}}}
	ex := New(dec, runner, Config{MaxRetries: 3, AttemptTimeout: time.Second})

	out, err := ex.Execute(context.Background(), "g", "ok")
	require.NoError(t, err)
	assert.NoError(t, out.Err)
	assert.Equal(t, 2, out.Record.Attempts)
}

// erroringRunner fails with a Go error on the first call and succeeds after.
type erroringRunner struct{ calls int }

func (r *erroringRunner) Run(context.Context, execution.Action, time.Duration) (*execution.Result, error) {
	r.calls++
	if r.calls == 1 {
		return nil, errors.New("connection reset")
	}
	return &execution.Result{Success: true}, nil
}

func TestExecutor_RunnerErrorIsExecutionFailure(t *testing.T) {
	dec := &mockDecision{}
	dec.On("Act", mock.Anything, mock.MatchedBy(func(r decision.ActRequest) bool { return r.Prior == nil })).
		Return(shell("curl"), nil).Once()
	dec.On("Act", mock.Anything, mock.MatchedBy(func(r decision.ActRequest) bool { return r.Prior != nil })).
		Return(shell("curl --retry 2"), nil).Once()
	runner := &erroringRunner{}
	ex := New(dec, runner, Config{MaxRetries: 3, AttemptTimeout: time.Second})

	out, err := ex.Execute(context.Background(), "g", "fetch the page")
	require.NoError(t, err)
	assert.NoError(t, out.Err)
	assert.Equal(t, 2, out.Record.Attempts)
	dec.AssertExpectations(t)

	var prior *decision.PriorAttempt
	for _, c := range dec.Calls {
		if req := c.Arguments.Get(1).(decision.ActRequest); req.Prior != nil {
			prior = req.Prior
		}
	}
	require.NotNil(t, prior)
	assert.Equal(t, execution.KindTransport, prior.Diagnostics.Kind)
	assert.Contains(t, prior.Diagnostics.Message, "connection reset")
	assert.NotEmpty(t, prior.Action)
}

func TestExecutor_CancelledContext(t *testing.T) {
	ex := New(&mockDecision{}, &scriptedRunner{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ex.Run(ctx, actingState("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutor_SavesReportedFacts(t *testing.T) {
	dec := &mockDecision{}
	dec.On("Act", mock.Anything, mock.Anything).Return(shell("probe"), nil)
	runner := &scriptedRunner{results: []*execution.Result{{
		Success: true,
		Data:    json.RawMessage(`{"facts":["the api listens on port 8443",""]}`),
	}}}
	facts := memory.NewFactStore(10)
	ex := New(dec, runner, Config{}, WithFacts(facts))

	require.NoError(t, ex.Run(context.Background(), actingState("probe")))
	list := facts.List(0)
	require.Len(t, list, 1)
	assert.Equal(t, "the api listens on port 8443", list[0].Content)
	assert.Equal(t, "action", list[0].Source)
}

func TestExecutor_MissingInstruction(t *testing.T) {
	ex := New(&mockDecision{}, &scriptedRunner{}, Config{})
	st := engine.NewState("t1", "g", engine.ModeLinear)
	require.NoError(t, ex.Run(context.Background(), st))
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.NotEmpty(t, st.StepError)
	assert.Empty(t, st.ActionHistory)
}
