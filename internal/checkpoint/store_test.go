package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "cp.db"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStoreFromClient(client, "test")
		},
	}
}

func testCheckpoint(thread string, seq int64) *Checkpoint {
	st := engine.NewState(thread, "goal for "+thread, engine.ModeLinear)
	st.AppendMessage(engine.AgentMessage{Content: fmt.Sprintf("step %d", seq)})
	return &Checkpoint{
		ID:         fmt.Sprintf("%s-cp-%d", thread, seq),
		ThreadID:   thread,
		Sequence:   seq,
		StepIndex:  int(seq - 1),
		SourceNode: "planner",
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
		Snapshot:   st,
	}
}

func TestStores_AppendListLatest(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			for seq := int64(1); seq <= 3; seq++ {
				require.NoError(t, s.Append(ctx, testCheckpoint("t1", seq)))
			}
			require.NoError(t, s.Append(ctx, testCheckpoint("t2", 1)))

			all, err := s.List(ctx, "t1", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []int64{3, 2, 1}, []int64{all[0].Sequence, all[1].Sequence, all[2].Sequence})

			limited, err := s.List(ctx, "t1", 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			latest, err := s.Latest(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "t1-cp-3", latest.ID)
			assert.Equal(t, "step 3", latest.Snapshot.Messages.Last().Text())

			empty, err := s.List(ctx, "nope", 0)
			require.NoError(t, err)
			assert.Empty(t, empty)

			_, err = s.Latest(ctx, "nope")
			assert.ErrorIs(t, err, ErrCheckpointNotFound)
		})
	}
}

func TestStores_RejectsSequenceConflict(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			assert.ErrorIs(t, s.Append(ctx, testCheckpoint("t1", 2)), ErrSequenceConflict)
			require.NoError(t, s.Append(ctx, testCheckpoint("t1", 1)))

			dup := testCheckpoint("t1", 1)
			dup.ID = "other"
			assert.ErrorIs(t, s.Append(ctx, dup), ErrSequenceConflict)
			require.NoError(t, s.Append(ctx, testCheckpoint("t1", 2)))
		})
	}
}

func TestStores_GetScopedToThread(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			require.NoError(t, s.Append(ctx, testCheckpoint("t1", 1)))

			got, err := s.Get(ctx, "t1", "t1-cp-1")
			require.NoError(t, err)
			assert.Equal(t, "goal for t1", got.Snapshot.Goal)
			assert.True(t, got.CreatedAt.Equal(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)))

			_, err = s.Get(ctx, "t2", "t1-cp-1")
			assert.ErrorIs(t, err, ErrCheckpointNotFound)
			_, err = s.Get(ctx, "t1", "missing")
			assert.ErrorIs(t, err, ErrCheckpointNotFound)
		})
	}
}

func TestStores_DeleteThread(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			require.NoError(t, s.Append(ctx, testCheckpoint("t1", 1)))
			require.NoError(t, s.Append(ctx, testCheckpoint("t2", 1)))
			require.NoError(t, s.DeleteThread(ctx, "t1"))

			cps, err := s.List(ctx, "t1", 0)
			require.NoError(t, err)
			assert.Empty(t, cps)
			cps, err = s.List(ctx, "t2", 0)
			require.NoError(t, err)
			assert.Len(t, cps, 1)

			// A deleted thread starts over at sequence 1.
			require.NoError(t, s.Append(ctx, testCheckpoint("t1", 1)))
		})
	}
}

func TestStores_Sessions(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, s.PutSession(ctx, &Session{ID: "a", Title: "A", Mode: engine.ModeLinear, CreatedAt: base, UpdatedAt: base}))
			require.NoError(t, s.PutSession(ctx, &Session{ID: "b", Title: "B", Mode: engine.ModeGraph, CreatedAt: base, UpdatedAt: base.Add(time.Minute)}))

			list, err := s.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "b", list[0].ID)

			require.NoError(t, s.PutSession(ctx, &Session{ID: "a", Title: "A2", Mode: engine.ModeLinear, HeadCheckpointID: "cp", CreatedAt: base, UpdatedAt: base.Add(time.Hour)}))
			got, err := s.GetSession(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "A2", got.Title)
			assert.Equal(t, "cp", got.HeadCheckpointID)

			list, err = s.ListSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, "a", list[0].ID)

			require.NoError(t, s.DeleteSession(ctx, "a"))
			_, err = s.GetSession(ctx, "a")
			assert.ErrorIs(t, err, ErrSessionNotFound)
			assert.ErrorIs(t, s.DeleteSession(ctx, "a"), ErrSessionNotFound)
		})
	}
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cp := testCheckpoint("t1", 1)
	require.NoError(t, s.Append(ctx, cp))

	cp.Snapshot.Goal = "mutated"
	got, err := s.Get(ctx, "t1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "goal for t1", got.Snapshot.Goal)

	got.Snapshot.Goal = "mutated again"
	again, err := s.Get(ctx, "t1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "goal for t1", again.Snapshot.Goal)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Append(context.Background(), testCheckpoint("t1", 1)), ErrClosed)
	_, err := s.List(context.Background(), "t1", 0)
	assert.ErrorIs(t, err, ErrClosed)
}
