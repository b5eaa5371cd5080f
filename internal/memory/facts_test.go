package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

type upperRedactor struct{}

func (upperRedactor) Redact(s string) string { return strings.ReplaceAll(s, "hunter2", "[REDACTED]") }

func TestFactStore_DeduplicatesByContent(t *testing.T) {
	clk := newClock()
	fs := NewFactStore(0, WithFactClock(clk.now))
	ctx := context.Background()

	first, created, err := fs.Save(ctx, "the API lives at /v2", "planner", 0.6)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, first.UseCount)

	clk.advance(time.Minute)
	again, created, err := fs.Save(ctx, "  the API lives at /v2 ", "executor", 0.9)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.UseCount)
	assert.Equal(t, clk.t, again.LastUsedAt)
	assert.Equal(t, 0.9, again.Confidence)
	assert.Equal(t, 1, fs.Len())
}

func TestFactStore_Validation(t *testing.T) {
	fs := NewFactStore(0)
	_, _, err := fs.Save(context.Background(), "   ", "x", 0.5)
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, _, err = fs.Save(context.Background(), "a", "x", 1.5)
	assert.ErrorIs(t, err, ErrInvalidScore)
	_, err = fs.Get("missing")
	assert.ErrorIs(t, err, ErrFactNotFound)
	assert.ErrorIs(t, fs.Touch("missing"), ErrFactNotFound)
}

func TestFactStore_EvictsLeastRecentlyUsed(t *testing.T) {
	clk := newClock()
	fs := NewFactStore(2, WithFactClock(clk.now))
	ctx := context.Background()

	a, _, _ := fs.Save(ctx, "a", "s", 0.5)
	clk.advance(time.Second)
	b, _, _ := fs.Save(ctx, "b", "s", 0.5)
	clk.advance(time.Second)
	require.NoError(t, fs.Touch(a.ID))
	clk.advance(time.Second)
	_, _, _ = fs.Save(ctx, "c", "s", 0.5)

	assert.Equal(t, 2, fs.Len())
	_, err := fs.Get(b.ID)
	assert.ErrorIs(t, err, ErrFactNotFound)
	_, err = fs.Get(a.ID)
	assert.NoError(t, err)
}

func TestFactStore_ListNewestUseFirst(t *testing.T) {
	clk := newClock()
	fs := NewFactStore(0, WithFactClock(clk.now))
	ctx := context.Background()

	a, _, _ := fs.Save(ctx, "a", "s", 0.5)
	clk.advance(time.Second)
	_, _, _ = fs.Save(ctx, "b", "s", 0.5)
	clk.advance(time.Second)
	_, _, _ = fs.Save(ctx, "a", "s", 0.5)

	list := fs.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Len(t, fs.List(1), 1)
}

func TestFactStore_RedactsBeforeDedup(t *testing.T) {
	fs := NewFactStore(0, WithRedactor(upperRedactor{}))
	ctx := context.Background()

	f, _, err := fs.Save(ctx, "password is hunter2", "s", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "password is [REDACTED]", f.Content)

	_, created, err := fs.Save(ctx, "password is [REDACTED]", "s", 0.5)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestFactStore_RecallUsesIndex(t *testing.T) {
	idx, err := NewFactIndex(nil)
	require.NoError(t, err)
	fs := NewFactStore(0, WithIndex(idx))
	ctx := context.Background()

	_, _, _ = fs.Save(ctx, "the database password rotates weekly", "s", 0.5)
	_, _, _ = fs.Save(ctx, "deploys happen on tuesday mornings", "s", 0.5)
	_, _, _ = fs.Save(ctx, "the login page uses oauth", "s", 0.5)
	assert.Equal(t, 3, idx.Len())

	got, err := fs.Recall(ctx, "when do deploys happen", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "deploys")

	got, err = fs.Recall(ctx, "anything", 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestFactStore_RecallWithoutIndex(t *testing.T) {
	fs := NewFactStore(0)
	_, _, _ = fs.Save(context.Background(), "x", "s", 0.5)
	got, err := fs.Recall(context.Background(), "x", 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFactIndex_EvictionRemovesDocument(t *testing.T) {
	idx, err := NewFactIndex(HashEmbedder{Dims: 32})
	require.NoError(t, err)
	clk := newClock()
	fs := NewFactStore(1, WithIndex(idx), WithFactClock(clk.now))
	ctx := context.Background()

	_, _, _ = fs.Save(ctx, "first", "s", 0.5)
	clk.advance(time.Second)
	_, _, _ = fs.Save(ctx, "second", "s", 0.5)
	assert.Equal(t, 1, idx.Len())
}

func TestConversation_BoundedPerThread(t *testing.T) {
	c := NewConversation(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Append("t1", engine.UserMessage{Content: string(rune('a' + i))}))
	}
	require.NoError(t, c.Append("t2", engine.AgentMessage{Content: "x"}))

	msgs := c.Messages("t1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "c", msgs[0].Text())
	assert.Equal(t, "e", msgs[2].Text())
	assert.Equal(t, 4, c.Total())
	assert.Equal(t, 2, c.Threads())

	require.NoError(t, c.Replace("t1", []engine.Message{engine.UserMessage{Content: "only"}}))
	assert.Equal(t, 1, c.Len("t1"))

	c.Forget("t1")
	assert.Empty(t, c.Messages("t1"))
	assert.ErrorIs(t, c.Append("", engine.UserMessage{}), ErrEmptyThread)
}
