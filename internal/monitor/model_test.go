package monitor

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	mm, ok := next.(Model)
	require.True(t, ok)
	return mm, cmd
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestModel_RecordsSteps(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewModel(Options{ThreadID: "t1", Now: clock.now, OnStop: func() error { return nil }})
	assert.Contains(t, m.View(), "waiting for the first step")

	clock.advance(1500 * time.Millisecond)
	m, cmd := update(t, m, EventMsg{
		ThreadID: "t1", RunID: "r1", Node: events.NodePlanner, Sequence: 1,
		State: &engine.State{Goal: "open the page", Status: engine.StatusActing, CurrentInstruction: "open the page"},
	})
	assert.Nil(t, cmd)
	require.Len(t, m.Steps(), 1)
	assert.Equal(t, 1500*time.Millisecond, m.Steps()[0].Took)
	assert.Equal(t, "-> open the page", m.Steps()[0].Text)
	assert.False(t, m.Done())

	view := m.View()
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "open the page")
	assert.Contains(t, view, "[s]")

	clock.advance(time.Second)
	m, cmd = update(t, m, EventMsg{
		ThreadID: "t1", Node: events.NodePlanner, Sequence: 2, Terminal: true,
		State: &engine.State{Goal: "open the page", Status: engine.StatusComplete, IsComplete: true, Result: "page opened"},
	})
	assert.True(t, isQuit(cmd))
	assert.True(t, m.Done())
	view = m.View()
	assert.Contains(t, view, "COMPLETE")
	assert.Contains(t, view, "Result: ")
	assert.Contains(t, view, "page opened")
	assert.NotContains(t, view, "[s]")
}

func TestModel_HistoryBounded(t *testing.T) {
	m := NewModel(Options{})
	for i := range historySize + 5 {
		m, _ = update(t, m, EventMsg{Sequence: int64(i), State: &engine.State{Status: engine.StatusPlanning}})
	}
	assert.Len(t, m.Steps(), historySize)
	assert.Equal(t, int64(5), m.Steps()[0].Sequence)
}

func TestModel_Stop(t *testing.T) {
	calls := 0
	m := NewModel(Options{OnStop: func() error { calls++; return nil }})

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "STOPPING")

	// a second press while stopping is ignored
	_, again := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	assert.Nil(t, again)

	m, _ = update(t, m, cmd())
	assert.Equal(t, 1, calls)
	assert.NoError(t, m.Err())
}

func TestModel_StopFailure(t *testing.T) {
	m := NewModel(Options{OnStop: func() error { return errors.New("thread is idle") }})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	m, _ = update(t, m, cmd())
	assert.EqualError(t, m.Err(), "thread is idle")
	assert.Contains(t, m.View(), "thread is idle")
	assert.Contains(t, m.View(), "RUNNING")
}

func TestModel_StopWithoutHandler(t *testing.T) {
	m := NewModel(Options{})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	assert.Nil(t, cmd)
	assert.NotContains(t, m.View(), "[s]")
}

func TestModel_Quit(t *testing.T) {
	m := NewModel(Options{})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.True(t, isQuit(cmd))
	assert.Empty(t, m.View())
}

func TestModel_SourceError(t *testing.T) {
	m := NewModel(Options{})
	m, cmd := update(t, m, ErrMsg{Err: errors.New("stream closed")})
	assert.True(t, isQuit(cmd))
	assert.Contains(t, m.View(), "stream closed")
}

func TestModel_GraphProgressLabel(t *testing.T) {
	m := NewModel(Options{})
	m, _ = update(t, m, EventMsg{
		Node:  events.NodeExecutor,
		State: &engine.State{Status: engine.StatusActing, Graph: &engine.GraphState{TaskCount: 4, CompletedCount: 1}},
	})
	assert.Contains(t, m.View(), "1/4 tasks")
}
