package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/taskpilot/internal/decision"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/ledger"
)

type fakeDecision struct {
	d     *decision.Decomposition
	err   error
	calls int
}

func (f *fakeDecision) Plan(context.Context, decision.PlanRequest) (*decision.Plan, error) {
	return nil, errors.New("not used")
}

func (f *fakeDecision) Act(context.Context, decision.ActRequest) (*decision.Act, error) {
	return nil, errors.New("not used")
}

func (f *fakeDecision) Decompose(context.Context, string) (*decision.Decomposition, error) {
	f.calls++
	return f.d, f.err
}

func graphState() *engine.State {
	return engine.NewState("t1", "ship the release", engine.ModeGraph)
}

func titlesOf(t *testing.T, l ledger.Ledger, ids []string) []string {
	t.Helper()
	var out []string
	for _, id := range ids {
		task, err := l.Get(context.Background(), id)
		require.NoError(t, err)
		out = append(out, task.Title)
	}
	return out
}

func TestScheduler_ThreeTaskScenario(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	dec := &fakeDecision{d: &decision.Decomposition{
		EpicTitle: "release",
		Tasks: []decision.TaskSpec{
			{Title: "A"},
			{Title: "B"},
			{Title: "C", DependsOn: []int{0, 1}},
		},
	}}
	s := New(dec, l)
	st := graphState()

	require.NoError(t, s.Run(ctx, st))
	require.True(t, st.Graph.Decomposed)
	assert.Equal(t, 3, st.Graph.TaskCount)
	assert.Equal(t, engine.StatusPlanning, st.Status)
	assert.Equal(t, []string{"A", "B"}, titlesOf(t, l, st.Graph.ReadyTaskIDs))

	tasks, err := l.List(ctx, st.Graph.EpicID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.NoError(t, l.Close(ctx, tasks[0].ID, "done"))
	require.NoError(t, l.Close(ctx, tasks[1].ID, "done"))

	require.NoError(t, s.Run(ctx, st))
	assert.Equal(t, 1, dec.calls)
	assert.Equal(t, 2, st.Graph.CompletedCount)
	assert.Equal(t, 3, st.Graph.TaskCount)
	assert.Equal(t, []string{"C"}, titlesOf(t, l, st.Graph.ReadyTaskIDs))
	assert.Equal(t, engine.StatusPlanning, st.Status)

	require.NoError(t, l.Close(ctx, tasks[2].ID, "done"))
	require.NoError(t, s.Run(ctx, st))
	assert.Equal(t, engine.StatusComplete, st.Status)
	assert.Equal(t, 3, st.Graph.CompletedCount)

	epic, err := l.Get(ctx, st.Graph.EpicID)
	require.NoError(t, err)
	assert.True(t, epic.IsClosed())
}

func TestScheduler_CompletedCountIsMonotonic(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	dec := &fakeDecision{d: &decision.Decomposition{
		EpicTitle: "chain",
		Tasks: []decision.TaskSpec{
			{Title: "one"},
			{Title: "two", DependsOn: []int{0}},
			{Title: "three", DependsOn: []int{1}},
			{Title: "four", DependsOn: []int{0, 2}},
		},
	}}
	s := New(dec, l)
	st := graphState()
	require.NoError(t, s.Run(ctx, st))

	completions, prev := 0, -1
	for steps := 0; steps < 10 && !st.Status.IsTerminal(); steps++ {
		assert.Greater(t, st.Graph.CompletedCount, prev)
		prev = st.Graph.CompletedCount
		require.NotEmpty(t, st.Graph.ReadyTaskIDs)
		require.NoError(t, l.Close(ctx, st.Graph.ReadyTaskIDs[0], "ok"))
		require.NoError(t, s.Run(ctx, st))
		if st.Status == engine.StatusComplete {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
	assert.Equal(t, st.Graph.TaskCount, st.Graph.CompletedCount)
}

func TestScheduler_DropsInvalidDependencies(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := ledger.NewMemoryLedger()
	dec := &fakeDecision{d: &decision.Decomposition{
		EpicTitle: "e",
		Tasks: []decision.TaskSpec{
			{Title: "first", DependsOn: []int{1}},
			{Title: "second", DependsOn: []int{-1, 1, 7}},
		},
	}}
	s := New(dec, l, WithLogger(zap.New(core)))
	st := graphState()

	require.NoError(t, s.Run(context.Background(), st))
	assert.Equal(t, engine.StatusPlanning, st.Status)
	assert.Equal(t, 2, st.Graph.TaskCount)
	assert.Len(t, st.Graph.ReadyTaskIDs, 2)

	tasks, err := l.List(context.Background(), st.Graph.EpicID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Empty(t, task.BlockedBy, task.Title)
	}
	assert.Equal(t, 4, logs.FilterMessage("dropping dependency").Len())
}

// unreliableLedger fails to create tasks with a given title.
type unreliableLedger struct {
	*ledger.MemoryLedger
	failTitle string
}

func (u *unreliableLedger) Create(ctx context.Context, title string, opts ledger.CreateOptions) (*ledger.Task, error) {
	if title == u.failTitle {
		return nil, errors.New("ledger unavailable")
	}
	return u.MemoryLedger.Create(ctx, title, opts)
}

func TestScheduler_DropsEdgesToUncreatedTasks(t *testing.T) {
	l := &unreliableLedger{MemoryLedger: ledger.NewMemoryLedger(), failTitle: "flaky"}
	dec := &fakeDecision{d: &decision.Decomposition{
		EpicTitle: "e",
		Tasks: []decision.TaskSpec{
			{Title: "flaky"},
			{Title: "after", DependsOn: []int{0}},
		},
	}}
	st := graphState()
	require.NoError(t, New(dec, l).Run(context.Background(), st))

	assert.Equal(t, 1, st.Graph.TaskCount)
	assert.Equal(t, []string{"after"}, titlesOf(t, l, st.Graph.ReadyTaskIDs))
}

func TestScheduler_NoTasks(t *testing.T) {
	dec := &fakeDecision{d: &decision.Decomposition{EpicTitle: "empty"}}
	st := graphState()
	require.NoError(t, New(dec, ledger.NewMemoryLedger()).Run(context.Background(), st))
	assert.Equal(t, engine.StatusError, st.Status)
	assert.Equal(t, "no tasks created", st.Error)
}

func TestScheduler_DeadlockIsTerminal(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	epic, err := l.Create(ctx, "cyclic", ledger.CreateOptions{Epic: true})
	require.NoError(t, err)
	done, err := l.Create(ctx, "done", ledger.CreateOptions{ParentID: epic.ID})
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, done.ID, "ok"))
	// Blocked on the open epic, so it can never become ready.
	_, err = l.Create(ctx, "stuck", ledger.CreateOptions{ParentID: epic.ID, BlockedBy: []string{epic.ID}})
	require.NoError(t, err)

	st := graphState()
	st.Graph = &engine.GraphState{Decomposed: true, EpicID: epic.ID}

	s := New(&fakeDecision{}, l)
	require.NoError(t, s.Run(ctx, st))
	assert.Equal(t, engine.StatusError, st.Status)
	assert.Equal(t, "blocked: possible circular dependency", st.Error)
	assert.Empty(t, st.Graph.ReadyTaskIDs)
	assert.Equal(t, 1, st.Graph.CompletedCount)

	snapshot := st.Clone()
	require.NoError(t, s.Progress(ctx, st))
	assert.Equal(t, snapshot.Status, st.Status)
	assert.Equal(t, snapshot.Graph.CompletedCount, st.Graph.CompletedCount)
}

func TestScheduler_DecompositionParseErrorIsRetryable(t *testing.T) {
	dec := &fakeDecision{err: &engine.ParseError{Stage: "decompose", Err: errors.New("bad")}}
	st := graphState()
	require.NoError(t, New(dec, ledger.NewMemoryLedger()).Run(context.Background(), st))

	assert.Equal(t, engine.StatusPlanning, st.Status)
	assert.False(t, st.Graph.Decomposed)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.NotEmpty(t, st.StepError)
}

func TestScheduler_RecordsTaskMetadata(t *testing.T) {
	l := ledger.NewMemoryLedger()
	dec := &fakeDecision{d: &decision.Decomposition{
		EpicTitle: "e",
		Tasks:     []decision.TaskSpec{{Title: "write notes", Type: "text", Mergeable: true, Priority: 2}},
	}}
	st := graphState()
	require.NoError(t, New(dec, l).Run(context.Background(), st))

	task, err := l.Get(context.Background(), st.Graph.ReadyTaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "text", task.Metadata[ledger.MetaType])
	assert.Equal(t, "true", task.Metadata[ledger.MetaMergeable])
	assert.Equal(t, "t1", task.Metadata[ledger.MetaThreadID])
	assert.Equal(t, 2, task.Priority)
}
