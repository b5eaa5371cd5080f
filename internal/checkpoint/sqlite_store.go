package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/sqlitedb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id              TEXT PRIMARY KEY,
	thread_id       TEXT NOT NULL,
	parent_id       TEXT NOT NULL DEFAULT '',
	sequence        INTEGER NOT NULL,
	step_index      INTEGER NOT NULL,
	source_node     TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	preview         TEXT NOT NULL DEFAULT '',
	user_originated INTEGER NOT NULL DEFAULT 0,
	snapshot        BLOB NOT NULL,
	UNIQUE (thread_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints (thread_id, sequence DESC);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL DEFAULT '',
	goal               TEXT NOT NULL DEFAULT '',
	mode               TEXT NOT NULL DEFAULT 'linear',
	status             TEXT NOT NULL DEFAULT '',
	head_checkpoint_id TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
`

const checkpointColumns = `id, thread_id, parent_id, sequence, step_index, source_node, created_at, preview, user_originated, snapshot`

// SQLiteStore stores checkpoints in an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStore uses an already opened database. The caller keeps
// ownership of db.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := sqlitedb.Migrate(ctx, db, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrating checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, cp *Checkpoint) error {
	if err := s.check(); err != nil {
		return err
	}
	snapshot, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var max int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM checkpoints WHERE thread_id = ?`, cp.ThreadID,
	).Scan(&max); err != nil {
		return fmt.Errorf("reading thread sequence: %w", err)
	}
	if cp.Sequence != max+1 {
		return ErrSequenceConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ThreadID, cp.ParentID, cp.Sequence, cp.StepIndex, cp.SourceNode,
		cp.CreatedAt.UnixNano(), cp.MessagePreview, cp.IsUserOriginated, snapshot,
	)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return ErrSequenceConflict
		}
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp       Checkpoint
		created  int64
		snapshot []byte
	)
	if err := row.Scan(&cp.ID, &cp.ThreadID, &cp.ParentID, &cp.Sequence, &cp.StepIndex,
		&cp.SourceNode, &created, &cp.MessagePreview, &cp.IsUserOriginated, &snapshot); err != nil {
		return nil, err
	}
	cp.CreatedAt = time.Unix(0, created).UTC()
	var st engine.State
	if err := json.Unmarshal(snapshot, &st); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", cp.ID, err)
	}
	cp.Snapshot = &st
	return &cp, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? AND id = ?`,
		threadID, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	return cp, err
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY sequence DESC LIMIT ?`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]*Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
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
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	return nil
}

// PutSession implements SessionStore.
func (s *SQLiteStore) PutSession(ctx context.Context, sess *Session) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, title, goal, mode, status, head_checkpoint_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	title = excluded.title,
	goal = excluded.goal,
	mode = excluded.mode,
	status = excluded.status,
	head_checkpoint_id = excluded.head_checkpoint_id,
	updated_at = excluded.updated_at`,
		sess.ID, sess.Title, sess.Goal, string(sess.Mode), string(sess.Status), sess.HeadCheckpointID,
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

const sessionColumns = `id, title, goal, mode, status, head_checkpoint_id, created_at, updated_at`

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess             Session
		mode, status     string
		created, updated int64
	)
	if err := row.Scan(&sess.ID, &sess.Title, &sess.Goal, &mode, &status,
		&sess.HeadCheckpointID, &created, &updated); err != nil {
		return nil, err
	}
	sess.Mode = engine.Mode(mode)
	sess.Status = engine.Status(status)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	return &sess, nil
}

// GetSession implements SessionStore.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// ListSessions implements SessionStore.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	out := make([]*Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession implements SessionStore.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Close implements Store. The database is closed only when the store
// opened it.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
