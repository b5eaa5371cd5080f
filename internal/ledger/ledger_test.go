package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskpilot/internal/sqlitedb"
)

func ledgers(t *testing.T) map[string]Ledger {
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sl, err := NewSQLiteLedger(context.Background(), db)
	require.NoError(t, err)
	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"sqlite": sl,
	}
}

func titles(ts []*Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Title
	}
	return out
}

func TestLedger_DependencyReadiness(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			epic, err := l.Create(ctx, "release", CreateOptions{Epic: true})
			require.NoError(t, err)
			a, err := l.Create(ctx, "A", CreateOptions{ParentID: epic.ID})
			require.NoError(t, err)
			b, err := l.Create(ctx, "B", CreateOptions{ParentID: epic.ID})
			require.NoError(t, err)
			c, err := l.Create(ctx, "C", CreateOptions{ParentID: epic.ID, BlockedBy: []string{a.ID, b.ID}})
			require.NoError(t, err)

			ready, err := l.GetReady(ctx, epic.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"A", "B"}, titles(ready))

			require.NoError(t, l.Close(ctx, a.ID, "done"))
			require.NoError(t, l.Close(ctx, b.ID, "done"))
			ready, err = l.GetReady(ctx, epic.ID)
			require.NoError(t, err)
			require.Equal(t, []string{"C"}, titles(ready))
			assert.ElementsMatch(t, []string{a.ID, b.ID}, ready[0].BlockedBy)

			require.NoError(t, l.Close(ctx, c.ID, "shipped"))
			ready, err = l.GetReady(ctx, epic.ID)
			require.NoError(t, err)
			assert.Empty(t, ready)

			all, err := l.List(ctx, epic.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"A", "B", "C"}, titles(all))
			assert.Zero(t, CountOpen(all))

			got, err := l.Get(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusClosed, got.Status)
			assert.Equal(t, "shipped", got.Note)
			assert.NotNil(t, got.ClosedAt)
		})
	}
}

func TestLedger_PriorityOrdering(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := l.Create(ctx, "low", CreateOptions{Priority: 3})
			require.NoError(t, err)
			_, err = l.Create(ctx, "urgent", CreateOptions{Priority: 0})
			require.NoError(t, err)
			_, err = l.Create(ctx, "urgent too", CreateOptions{Priority: 0})
			require.NoError(t, err)

			ready, err := l.GetReady(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"urgent", "urgent too", "low"}, titles(ready))
		})
	}
}

func TestLedger_UnknownReferences(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := l.Create(ctx, "x", CreateOptions{BlockedBy: []string{"ghost"}})
			assert.ErrorIs(t, err, ErrTaskNotFound)
			_, err = l.Create(ctx, "x", CreateOptions{ParentID: "ghost"})
			assert.ErrorIs(t, err, ErrTaskNotFound)
			_, err = l.Create(ctx, "  ", CreateOptions{})
			assert.ErrorIs(t, err, ErrEmptyTitle)
			assert.ErrorIs(t, l.Close(ctx, "ghost", ""), ErrTaskNotFound)
			_, err = l.Get(ctx, "ghost")
			assert.ErrorIs(t, err, ErrTaskNotFound)
		})
	}
}

func TestLedger_CloseIsIdempotentAndKeepsMetadata(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task, err := l.Create(ctx, "x", CreateOptions{Metadata: map[string]string{"type": "research"}})
			require.NoError(t, err)
			require.NoError(t, l.Close(ctx, task.ID, "first"))
			require.NoError(t, l.Close(ctx, task.ID, "second"))

			got, err := l.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, "first", got.Note)
			assert.Equal(t, "research", got.Metadata["type"])
		})
	}
}

func TestMemoryLedger_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	task, err := l.Create(ctx, "x", CreateOptions{})
	require.NoError(t, err)
	task.Title = "changed"

	got, err := l.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Title)
}
