package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestWorkingMemory_SetGet(t *testing.T) {
	wm := NewWorkingMemory(10)

	require.NoError(t, wm.Set("k", "v", "note", -1))
	it, ok := wm.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", it.Value)
	assert.Equal(t, "note", it.Type)
	assert.Nil(t, it.ExpiresAt)

	assert.ErrorIs(t, wm.Set("", "v", "note", 0), ErrEmptyKey)
}

func TestWorkingMemory_TTLExpiresStrictlyAfter(t *testing.T) {
	clk := newClock()
	wm := NewWorkingMemory(10, WithClock(clk.now))

	require.NoError(t, wm.Set("a", "1", "observation", 500*time.Millisecond))
	require.NoError(t, wm.Set("b", "2", "observation", -1))

	clk.advance(500 * time.Millisecond)
	_, ok := wm.Get("a")
	assert.True(t, ok, "item is readable at exactly its TTL")
	assert.Len(t, wm.Query("observation"), 2)

	clk.advance(time.Millisecond)
	_, ok = wm.Get("a")
	assert.False(t, ok)

	items := wm.Query("observation")
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].Key)
}

func TestWorkingMemory_DefaultTTL(t *testing.T) {
	clk := newClock()
	wm := NewWorkingMemory(0, WithClock(clk.now), WithDefaultTTL(time.Minute))

	require.NoError(t, wm.Set("a", "1", "note", 0))
	clk.advance(time.Minute + time.Second)
	_, ok := wm.Get("a")
	assert.False(t, ok)
}

func TestWorkingMemory_EvictsOldestWritten(t *testing.T) {
	clk := newClock()
	wm := NewWorkingMemory(2, WithClock(clk.now))

	require.NoError(t, wm.Set("first", "1", "note", -1))
	clk.advance(time.Second)
	require.NoError(t, wm.Set("second", "2", "note", -1))
	clk.advance(time.Second)
	require.NoError(t, wm.Set("third", "3", "note", -1))

	assert.Equal(t, 2, wm.Len())
	_, ok := wm.Get("first")
	assert.False(t, ok)
	_, ok = wm.Get("third")
	assert.True(t, ok)
}

func TestWorkingMemory_OverwriteDoesNotEvict(t *testing.T) {
	clk := newClock()
	wm := NewWorkingMemory(2, WithClock(clk.now))

	require.NoError(t, wm.Set("a", "1", "note", -1))
	clk.advance(time.Second)
	require.NoError(t, wm.Set("b", "2", "note", -1))
	clk.advance(time.Second)
	require.NoError(t, wm.Set("a", "1b", "note", -1))

	assert.Equal(t, 2, wm.Len())
	it, ok := wm.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1b", it.Value)
}

func TestWorkingMemory_EvictionPrefersExpired(t *testing.T) {
	clk := newClock()
	wm := NewWorkingMemory(2, WithClock(clk.now))

	require.NoError(t, wm.Set("old", "1", "note", -1))
	clk.advance(time.Second)
	require.NoError(t, wm.Set("short", "2", "note", time.Millisecond))
	clk.advance(time.Second)
	require.NoError(t, wm.Set("new", "3", "note", -1))

	_, ok := wm.Get("old")
	assert.True(t, ok)
	_, ok = wm.Get("new")
	assert.True(t, ok)
}

func TestWorkingMemory_QueryAllOrdered(t *testing.T) {
	clk := newClock()
	wm := NewWorkingMemory(0, WithClock(clk.now))

	require.NoError(t, wm.Set("b", "2", "x", -1))
	clk.advance(time.Second)
	require.NoError(t, wm.Set("a", "1", "y", -1))

	items := wm.Query("")
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Key)
	assert.Equal(t, "a", items[1].Key)

	wm.Delete("a")
	assert.Equal(t, 1, wm.Len())
	wm.Clear()
	assert.Equal(t, 0, wm.Len())
}

func TestWorkingMemory_SnapshotSkipsExpired(t *testing.T) {
	clk := newClock()
	wm := NewWorkingMemory(0, WithClock(clk.now))

	require.NoError(t, wm.Set("keep", "1", "note", -1))
	require.NoError(t, wm.Set("drop", "2", "note", time.Second))
	clk.advance(2 * time.Second)

	snap := wm.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, "1", snap["keep"].Value)
}
