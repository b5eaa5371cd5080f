package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/decision"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
	"github.com/fyrsmithlabs/taskpilot/internal/execution"
	"github.com/fyrsmithlabs/taskpilot/internal/sanitize"
)

// scripted returns its plans in order, repeating the last one. When gate is
// set, every Plan call waits for a value on it.
type scripted struct {
	mu    sync.Mutex
	plans []decision.Plan
	calls int
	gate  chan struct{}
}

func (d *scripted) Plan(ctx context.Context, _ decision.PlanRequest) (*decision.Plan, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	if i >= len(d.plans) {
		i = len(d.plans) - 1
	}
	d.calls++
	p := d.plans[i]
	return &p, nil
}

func (d *scripted) Act(_ context.Context, req decision.ActRequest) (*decision.Act, error) {
	return &decision.Act{
		Thought: "run it",
		Action:  execution.Action{Type: "shell", Code: "echo " + req.Instruction},
	}, nil
}

func (d *scripted) Decompose(context.Context, string) (*decision.Decomposition, error) {
	return &decision.Decomposition{
		EpicTitle: "release",
		Tasks: []decision.TaskSpec{
			{Title: "build", Type: "action"},
			{Title: "ship", Type: "action", DependsOn: []int{0}},
		},
	}, nil
}

type okRunner struct{}

func (okRunner) Run(context.Context, execution.Action, time.Duration) (*execution.Result, error) {
	return &execution.Result{Success: true, Data: json.RawMessage(`{"facts":["the build is green"]}`)}, nil
}

func newService(t *testing.T, dec decision.Service) *Service {
	t.Helper()
	cps, err := checkpoint.NewService(checkpoint.NewMemoryStore())
	require.NoError(t, err)
	svc, err := New(Config{MaxFacts: 100}, Options{
		Decision:    dec,
		Execution:   okRunner{},
		Checkpoints: cps,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func collect(t *testing.T, run *Run) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Options{})
	var cfgErr *engine.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestExecuteTask_LinearRun(t *testing.T) {
	svc := newService(t, &scripted{plans: []decision.Plan{
		{NextInstruction: "build"},
		{IsComplete: true, CompletionMessage: "built"},
	}})
	ctx := context.Background()

	run, err := svc.ExecuteTask(ctx, Request{Goal: "build the thing"})
	require.NoError(t, err)
	require.NotEmpty(t, run.ThreadID)

	evs := collect(t, run)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, engine.StatusComplete, last.State.Status)
	assert.Equal(t, "built", last.State.Result)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Sequence, evs[i-1].Sequence)
	}

	st, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, engine.StatusComplete, st.Status)
	assert.False(t, svc.Running(run.ThreadID))

	cps, err := svc.ListCheckpoints(ctx, run.ThreadID, 0)
	require.NoError(t, err)
	require.Len(t, cps, len(evs)+1)
	first := cps[len(cps)-1]
	assert.True(t, first.IsUserOriginated)
	assert.Equal(t, "input", first.SourceNode)
	assert.Equal(t, int64(1), first.Sequence)

	msgs, err := svc.GetConversation(ctx, run.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, engine.RoleUser, msgs[0].Role())

	facts := svc.GetFacts(10)
	require.Len(t, facts, 1)
	assert.Equal(t, "the build is green", facts[0].Content)

	stats := svc.GetStats()
	assert.Equal(t, 0, stats.ActiveRuns)
	assert.Equal(t, int64(1), stats.RunsStarted)
	assert.Equal(t, int64(1), stats.RunsFinished)
	assert.Equal(t, 1, stats.ConversationThreads)
}

func TestExecuteTask_Validation(t *testing.T) {
	svc := newService(t, &scripted{plans: []decision.Plan{{IsComplete: true}}})

	_, err := svc.ExecuteTask(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyGoal)

	_, err = svc.ExecuteTask(context.Background(), Request{Goal: "g", ContinueSession: true})
	assert.ErrorIs(t, err, ErrThreadNotFound)

	_, err = svc.ExecuteTask(context.Background(), Request{Goal: "g", ThreadID: "nope", ContinueSession: true})
	assert.ErrorIs(t, err, ErrThreadNotFound)

	_, err = svc.ExecuteTask(context.Background(), Request{Goal: "g", ThreadID: "threads.>"})
	assert.ErrorIs(t, err, sanitize.ErrInvalidID)

	_, err = svc.CreateSession(context.Background(), "a b", "", "")
	assert.ErrorIs(t, err, sanitize.ErrInvalidID)
}

func TestExecuteTask_BusyAndStop(t *testing.T) {
	dec := &scripted{
		plans: []decision.Plan{{NextInstruction: "loop"}},
		gate:  make(chan struct{}),
	}
	svc := newService(t, dec)
	ctx := context.Background()

	run, err := svc.ExecuteTask(ctx, Request{Goal: "long job", ThreadID: "t1"})
	require.NoError(t, err)

	_, err = svc.ExecuteTask(ctx, Request{Goal: "again", ThreadID: "t1"})
	assert.ErrorIs(t, err, ErrThreadBusy)
	_, err = svc.RestoreCheckpoint(ctx, "t1", "any")
	assert.ErrorIs(t, err, ErrThreadBusy)
	assert.Equal(t, 1, svc.GetStats().ActiveRuns)

	require.NoError(t, svc.StopTask("t1"))
	close(dec.gate)

	evs := collect(t, run)
	last := evs[len(evs)-1]
	assert.Equal(t, events.NodeSystem, last.Node)
	assert.Equal(t, engine.StatusStopped, last.State.Status)

	_, err = run.Wait()
	require.NoError(t, err)
	assert.ErrorIs(t, svc.StopTask("t1"), ErrNotRunning)
}

func TestExecuteTask_ContinueAnswersQuestion(t *testing.T) {
	svc := newService(t, &scripted{plans: []decision.Plan{
		{NeedsMoreInfo: true, Question: "which branch?"},
		{IsComplete: true, CompletionMessage: "merged"},
	}})
	ctx := context.Background()

	run, err := svc.ExecuteTask(ctx, Request{Goal: "merge it", ThreadID: "t1"})
	require.NoError(t, err)
	st, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, "which branch?", st.PendingQuestion)
	before, err := svc.ListCheckpoints(ctx, "t1", 0)
	require.NoError(t, err)

	run, err = svc.ExecuteTask(ctx, Request{Goal: "main", ThreadID: "t1", ContinueSession: true})
	require.NoError(t, err)
	st, err = run.Wait()
	require.NoError(t, err)

	assert.Equal(t, engine.StatusComplete, st.Status)
	assert.Equal(t, "merged", st.Result)
	assert.Empty(t, st.PendingQuestion)
	assert.Equal(t, "merge it", st.Goal)

	var users []string
	for _, m := range st.Messages {
		if um, ok := m.(engine.UserMessage); ok {
			users = append(users, um.Content)
		}
	}
	assert.Equal(t, []string{"merge it", "main"}, users)

	after, err := svc.ListCheckpoints(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Greater(t, after[0].Sequence, before[0].Sequence)
	input := after[len(after)-len(before)-1]
	assert.True(t, input.IsUserOriginated)
	assert.Equal(t, before[0].ID, input.ParentID)
}

func TestRestoreCheckpoint_BranchesNextRun(t *testing.T) {
	svc := newService(t, &scripted{plans: []decision.Plan{
		{NextInstruction: "step"},
		{IsComplete: true, CompletionMessage: "done"},
	}})
	ctx := context.Background()

	run, err := svc.ExecuteTask(ctx, Request{Goal: "first", ThreadID: "t1"})
	require.NoError(t, err)
	_, err = run.Wait()
	require.NoError(t, err)

	cps, err := svc.ListCheckpoints(ctx, "t1", 0)
	require.NoError(t, err)
	target := cps[len(cps)-1]

	st, err := svc.RestoreCheckpoint(ctx, "t1", target.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", st.Goal)

	sess, loaded, err := svc.LoadSession(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, target.ID, sess.HeadCheckpointID)
	require.NotNil(t, loaded)
	assert.Equal(t, engine.StatusPlanning, loaded.Status)

	run, err = svc.ExecuteTask(ctx, Request{Goal: "edited", ThreadID: "t1", ContinueSession: true})
	require.NoError(t, err)
	_, err = run.Wait()
	require.NoError(t, err)

	all, err := svc.ListCheckpoints(ctx, "t1", 0)
	require.NoError(t, err)
	var branch *checkpoint.Checkpoint
	for _, cp := range all {
		if cp.IsUserOriginated && cp.ID != target.ID {
			branch = cp
		}
	}
	require.NotNil(t, branch)
	assert.Equal(t, target.ID, branch.ParentID)
	assert.Equal(t, cps[0].Sequence+1, branch.Sequence)

	_, err = svc.RestoreCheckpoint(ctx, "t1", "missing")
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)
}

func TestExecuteTask_GraphMode(t *testing.T) {
	svc := newService(t, &scripted{plans: []decision.Plan{{IsComplete: true}}})

	run, err := svc.ExecuteTask(context.Background(), Request{Goal: "release", Mode: engine.ModeGraph})
	require.NoError(t, err)
	st, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, engine.StatusComplete, st.Status)
	require.NotNil(t, st.Graph)
	assert.Equal(t, 2, st.Graph.TaskCount)
	assert.Equal(t, 2, st.Graph.CompletedCount)
}

func TestSessions(t *testing.T) {
	svc := newService(t, &scripted{plans: []decision.Plan{{IsComplete: true, CompletionMessage: "ok"}}})
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "s1", "research", "")
	require.NoError(t, err)
	assert.Equal(t, engine.ModeLinear, sess.Mode)

	_, err = svc.CreateSession(ctx, "s1", "again", "")
	assert.ErrorIs(t, err, checkpoint.ErrSessionExists)

	got, st, err := svc.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "research", got.Title)
	assert.Nil(t, st)

	run, err := svc.ExecuteTask(ctx, Request{Goal: "look around", ThreadID: "s1", ContinueSession: true})
	require.NoError(t, err)
	_, err = run.Wait()
	require.NoError(t, err)

	got, st, err = svc.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, engine.StatusComplete, got.Status)
	assert.Equal(t, "ok", st.Result)

	list, err := svc.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.DeleteSession(ctx, "s1"))
	_, _, err = svc.LoadSession(ctx, "s1")
	assert.ErrorIs(t, err, checkpoint.ErrSessionNotFound)
	_, err = svc.GetConversation(ctx, "s1")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestFacts(t *testing.T) {
	svc := newService(t, &scripted{plans: []decision.Plan{{IsComplete: true}}})
	ctx := context.Background()

	f, created, err := svc.SaveFact(ctx, "deploys happen on tuesday", "", 0.9)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "user", f.Source)

	_, created, err = svc.SaveFact(ctx, "deploys happen on tuesday", "", 0.9)
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = svc.SaveFact(ctx, "  ", "", 0.5)
	assert.Error(t, err)

	recalled, err := svc.RecallFacts(ctx, "deploys", 3)
	require.NoError(t, err)
	require.Len(t, recalled, 1)
	assert.Equal(t, f.ID, recalled[0].ID)
	assert.Equal(t, 1, svc.GetStats().Facts)
}

func TestClose_StopsActiveRuns(t *testing.T) {
	dec := &scripted{
		plans: []decision.Plan{{NextInstruction: "loop"}},
		gate:  make(chan struct{}),
	}
	svc := newService(t, dec)

	run, err := svc.ExecuteTask(context.Background(), Request{Goal: "long", ThreadID: "t1"})
	require.NoError(t, err)

	go func() {
		for range run.Events() {
		}
	}()
	closed := make(chan error, 1)
	go func() { closed <- svc.Close() }()
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.closed
	}, 5*time.Second, 10*time.Millisecond)
	close(dec.gate)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}
	<-run.Done()
	st, _ := run.Wait()
	assert.Equal(t, engine.StatusStopped, st.Status)

	_, err = svc.ExecuteTask(context.Background(), Request{Goal: "late"})
	assert.True(t, errors.Is(err, ErrClosed))
}
