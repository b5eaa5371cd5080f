package checkpoint

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

type secretScrubber struct{}

func (secretScrubber) Redact(s string) string { return strings.ReplaceAll(s, "sk-live-123", "[REDACTED]") }

func newTestService(t *testing.T, opts ...Option) Service {
	t.Helper()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	svc, err := NewService(NewMemoryStore(), append([]Option{WithClock(clock), WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint store is required")
}

func TestService_SaveAssignsSequenceAndStepIndex(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	st := engine.NewState("t1", "book a table", engine.ModeLinear)

	first, err := svc.Save(ctx, &SaveRequest{ThreadID: "t1", SourceNode: "input", State: st, UserOriginated: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, 0, first.StepIndex)
	assert.Empty(t, first.ParentID)
	assert.True(t, first.IsUserOriginated)
	assert.Equal(t, "book a table", first.MessagePreview)

	second, err := svc.Save(ctx, &SaveRequest{ThreadID: "t1", ParentID: first.ID, SourceNode: "planner", State: st})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, 1, second.StepIndex)
	assert.Equal(t, first.ID, second.ParentID)

	list, err := svc.List(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Nil(t, list[0].Snapshot)
}

func TestService_SaveSnapshotIsIsolatedFromLiveState(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	st := engine.NewState("t1", "goal", engine.ModeLinear)

	cp, err := svc.Save(ctx, &SaveRequest{ThreadID: "t1", SourceNode: "planner", State: st})
	require.NoError(t, err)
	st.AppendMessage(engine.UserMessage{Content: "later"})

	got, err := svc.Get(ctx, "t1", cp.ID)
	require.NoError(t, err)
	assert.Len(t, got.Snapshot.Messages, 1)
}

func TestService_PinnedSequenceConflict(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	st := engine.NewState("t1", "goal", engine.ModeLinear)

	_, err := svc.Save(ctx, &SaveRequest{ThreadID: "t1", SourceNode: "planner", State: st, Sequence: 1})
	require.NoError(t, err)
	// Another writer got there first.
	_, err = svc.Save(ctx, &SaveRequest{ThreadID: "t1", SourceNode: "planner", State: st})
	require.NoError(t, err)

	_, err = svc.Save(ctx, &SaveRequest{ThreadID: "t1", SourceNode: "executor", State: st, Sequence: 2})
	assert.ErrorIs(t, err, ErrSequenceConflict)
}

func TestService_SaveUnknownParent(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Save(context.Background(), &SaveRequest{
		ThreadID: "t1", ParentID: "ghost", SourceNode: "planner",
		State: engine.NewState("t1", "g", engine.ModeLinear),
	})
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

// Two planning steps, checkpoint after each; restoring the first yields the
// state captured at that point.
func TestService_RestoreReproducesCapturedState(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	live := engine.NewState("t1", "plan the offsite", engine.ModeLinear)

	live.AppendMessage(engine.AgentMessage{Content: "pick a venue", Thought: "start with logistics"})
	live.SetInstruction("pick a venue")
	cp1, err := svc.Save(ctx, &SaveRequest{ThreadID: "t1", SourceNode: "planner", State: live})
	require.NoError(t, err)
	captured, err := json.Marshal(live.Messages)
	require.NoError(t, err)
	capturedStatus := live.Status

	live.AppendMessage(engine.SystemMessage{Kind: engine.KindObservation, Content: "venue booked"})
	live.AppendMessage(engine.AgentMessage{Content: "send invites"})
	live.SetInstruction("send invites")
	_, err = svc.Save(ctx, &SaveRequest{ThreadID: "t1", ParentID: cp1.ID, SourceNode: "planner", State: live})
	require.NoError(t, err)

	restored, err := svc.Restore(ctx, "t1", cp1.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan the offsite", restored.Goal)
	assert.Equal(t, capturedStatus, restored.Status)
	got, err := json.Marshal(restored.Messages)
	require.NoError(t, err)
	assert.JSONEq(t, string(captured), string(got))

	sess, err := svc.GetSession(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, cp1.ID, sess.HeadCheckpointID)

	_, err = svc.Restore(ctx, "t1", "missing")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestService_AutoCreatesSessionAndTracksHead(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	st := engine.NewState("t9", "summarize the quarterly numbers", engine.ModeGraph)

	cp, err := svc.Save(ctx, &SaveRequest{ThreadID: "t9", SourceNode: "scheduler", State: st})
	require.NoError(t, err)

	sess, err := svc.GetSession(ctx, "t9")
	require.NoError(t, err)
	assert.Equal(t, "summarize the quarterly numbers", sess.Title)
	assert.Equal(t, engine.ModeGraph, sess.Mode)
	assert.Equal(t, cp.ID, sess.HeadCheckpointID)
	assert.Equal(t, engine.StatusPlanning, sess.Status)
}

func TestService_Sessions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	a, err := svc.CreateSession(ctx, &CreateSessionRequest{Title: "first"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, engine.ModeLinear, a.Mode)

	b, err := svc.CreateSession(ctx, &CreateSessionRequest{ID: "fixed", Goal: "second goal", Mode: engine.ModeGraph})
	require.NoError(t, err)
	assert.Equal(t, "second goal", b.Title)

	_, err = svc.CreateSession(ctx, &CreateSessionRequest{ID: "fixed"})
	assert.Error(t, err)

	require.NoError(t, svc.TouchSession(ctx, a.ID))
	list, err := svc.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)

	_, err = svc.Save(ctx, &SaveRequest{ThreadID: "fixed", SourceNode: "planner", State: engine.NewState("fixed", "g", engine.ModeGraph)})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteSession(ctx, "fixed"))
	cps, err := svc.List(ctx, "fixed", 0)
	require.NoError(t, err)
	assert.Empty(t, cps)
	assert.ErrorIs(t, svc.TouchSession(ctx, "fixed"), ErrSessionNotFound)
}

func TestService_RedactsPreview(t *testing.T) {
	svc := newTestService(t, WithRedactor(secretScrubber{}))
	st := engine.NewState("t1", "use key sk-live-123 to deploy", engine.ModeLinear)

	cp, err := svc.Save(context.Background(), &SaveRequest{ThreadID: "t1", SourceNode: "input", State: st})
	require.NoError(t, err)
	assert.Equal(t, "use key [REDACTED] to deploy", cp.MessagePreview)
}

func TestService_ClosedRejectsCalls(t *testing.T) {
	svc, err := NewService(NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err = svc.Save(context.Background(), &SaveRequest{ThreadID: "t1", State: engine.NewState("t1", "g", engine.ModeLinear)})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = svc.List(context.Background(), "t1", 0)
	assert.ErrorIs(t, err, ErrClosed)
}
