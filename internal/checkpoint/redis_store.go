package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares checkpoints between processes through Redis.
//
// Layout, with the configured key prefix:
//
//	{prefix}:cp:{id}          checkpoint JSON
//	{prefix}:thread:{thread}  sorted set of checkpoint ids scored by sequence
//	{prefix}:session:{id}     session JSON
//	{prefix}:sessions         sorted set of session ids scored by update time
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. Close closes it.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "taskpilot"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) checkpointKey(id string) string   { return s.prefix + ":cp:" + id }
func (s *RedisStore) threadKey(threadID string) string { return s.prefix + ":thread:" + threadID }
func (s *RedisStore) sessionKey(id string) string      { return s.prefix + ":session:" + id }
func (s *RedisStore) sessionsKey() string              { return s.prefix + ":sessions" }

// Append implements Store. The thread index is watched so a concurrent
// append from another process aborts this one with ErrSequenceConflict.
func (s *RedisStore) Append(ctx context.Context, cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	tkey := s.threadKey(cp.ThreadID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		top, err := tx.ZRevRangeWithScores(ctx, tkey, 0, 0).Result()
		if err != nil {
			return fmt.Errorf("reading thread sequence: %w", err)
		}
		var max int64
		if len(top) > 0 {
			max = int64(top[0].Score)
		}
		if cp.Sequence != max+1 {
			return ErrSequenceConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.checkpointKey(cp.ID), payload, 0)
			pipe.ZAdd(ctx, tkey, redis.Z{Score: float64(cp.Sequence), Member: cp.ID})
			return nil
		})
		return err
	}, tkey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return ErrSequenceConflict
	case errors.Is(err, redis.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]*Checkpoint, error) {
	if len(ids) == 0 {
		return []*Checkpoint{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.checkpointKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	out := make([]*Checkpoint, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			return nil, fmt.Errorf("decoding checkpoint %s: %w", ids[i], err)
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (s *RedisStore) mapErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	raw, err := s.client.Get(ctx, s.checkpointKey(checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, s.mapErr(err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", checkpointID, err)
	}
	if cp.ThreadID != threadID {
		return nil, ErrCheckpointNotFound
	}
	return &cp, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, stop).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	return s.load(ctx, ids)
}

// Latest implements Store.
func (s *RedisStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	cps, err := s.List(ctx, threadID, 1)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, ErrCheckpointNotFound
	}
	return cps[0], nil
}

// DeleteThread implements Store.
func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	tkey := s.threadKey(threadID)
	ids, err := s.client.ZRange(ctx, tkey, 0, -1).Result()
	if err != nil {
		return s.mapErr(err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(id))
	}
	keys = append(keys, tkey)
	return s.mapErr(s.client.Del(ctx, keys...).Err())
}

// PutSession implements SessionStore.
func (s *RedisStore) PutSession(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sess.ID), payload, 0)
		pipe.ZAdd(ctx, s.sessionsKey(), redis.Z{Score: float64(sess.UpdatedAt.UnixMilli()), Member: sess.ID})
		return nil
	})
	return s.mapErr(err)
}

// GetSession implements SessionStore.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, s.mapErr(err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions implements SessionStore.
func (s *RedisStore) ListSessions(ctx context.Context) ([]*Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.sessionsKey(), 0, -1).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	out := make([]*Session, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("decoding session %s: %w", ids[i], err)
		}
		out = append(out, &sess)
	}
	sortSessions(out)
	return out, nil
}

// DeleteSession implements SessionStore.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return s.mapErr(err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return s.mapErr(s.client.ZRem(ctx, s.sessionsKey(), id).Err())
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
