package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/taskpilot/internal/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	title      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'open',
	priority   INTEGER NOT NULL DEFAULT 0,
	parent_id  TEXT NOT NULL DEFAULT '',
	is_epic    INTEGER NOT NULL DEFAULT 0,
	metadata   TEXT NOT NULL DEFAULT '{}',
	note       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	closed_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_id, status);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id    TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	blocker_id TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, blocker_id)
);
`

const taskColumns = `t.seq, t.id, t.title, t.status, t.priority, t.parent_id, t.is_epic, t.metadata, t.note, t.created_at, t.closed_at`

// SQLiteLedger persists tasks in SQLite so graph runs survive restarts.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

var _ Ledger = (*SQLiteLedger)(nil)

// NewSQLiteLedger migrates the schema into db. The caller owns db.
func NewSQLiteLedger(ctx context.Context, db *sql.DB) (*SQLiteLedger, error) {
	if err := sqlitedb.Migrate(ctx, db, schema); err != nil {
		return nil, fmt.Errorf("migrating ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

// Create implements Ledger.
func (l *SQLiteLedger) Create(ctx context.Context, title string, opts CreateOptions) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	meta := opts.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ids := append([]string(nil), opts.BlockedBy...)
	if opts.ParentID != "" {
		ids = append(ids, opts.ParentID)
	}
	for _, id := range ids {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("checking task %s: %w", id, err)
		}
	}

	t := &Task{
		ID:        uuid.New().String(),
		Title:     title,
		Status:    StatusOpen,
		Priority:  opts.Priority,
		ParentID:  opts.ParentID,
		BlockedBy: append([]string(nil), opts.BlockedBy...),
		Metadata:  opts.Metadata,
		IsEpic:    opts.Epic,
		CreatedAt: l.now().UTC(),
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, title, status, priority, parent_id, is_epic, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, string(t.Status), t.Priority, t.ParentID, t.IsEpic, string(metaJSON), t.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	if t.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading task seq: %w", err)
	}
	for _, dep := range t.BlockedBy {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_deps (task_id, blocker_id) VALUES (?, ?)`, t.ID, dep); err != nil {
			return nil, fmt.Errorf("inserting dependency: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t            Task
		status, meta string
		created      int64
		closed       sql.NullInt64
	)
	if err := row.Scan(&t.Seq, &t.ID, &t.Title, &status, &t.Priority, &t.ParentID,
		&t.IsEpic, &meta, &t.Note, &created, &closed); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.CreatedAt = time.Unix(0, created).UTC()
	if closed.Valid {
		at := time.Unix(0, closed.Int64).UTC()
		t.ClosedAt = &at
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (l *SQLiteLedger) query(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, l.attachDeps(ctx, out)
}

func (l *SQLiteLedger) attachDeps(ctx context.Context, tasks []*Task) error {
	for _, t := range tasks {
		rows, err := l.db.QueryContext(ctx,
			`SELECT d.blocker_id FROM task_deps d JOIN tasks b ON b.id = d.blocker_id WHERE d.task_id = ? ORDER BY b.seq`, t.ID)
		if err != nil {
			return fmt.Errorf("loading dependencies of %s: %w", t.ID, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			t.BlockedBy = append(t.BlockedBy, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Get implements Ledger.
func (l *SQLiteLedger) Get(ctx context.Context, id string) (*Task, error) {
	ts, err := l.query(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	if len(ts) == 0 {
		return nil, ErrTaskNotFound
	}
	return ts[0], nil
}

// List implements Ledger.
func (l *SQLiteLedger) List(ctx context.Context, parentID string) ([]*Task, error) {
	var (
		ts  []*Task
		err error
	)
	if parentID == "" {
		ts, err = l.query(ctx, `SELECT `+taskColumns+` FROM tasks t ORDER BY t.seq`)
	} else {
		ts, err = l.query(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.parent_id = ? ORDER BY t.seq`, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return ts, nil
}

// GetReady implements Ledger.
func (l *SQLiteLedger) GetReady(ctx context.Context, parentID string) ([]*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks t
WHERE t.status = 'open' AND t.is_epic = 0
	AND (? = '' OR t.parent_id = ?)
	AND NOT EXISTS (
		SELECT 1 FROM task_deps d JOIN tasks b ON b.id = d.blocker_id
		WHERE d.task_id = t.id AND b.status != 'closed'
	)
ORDER BY t.priority ASC, t.seq ASC`
	ts, err := l.query(ctx, q, parentID, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing ready tasks: %w", err)
	}
	return ts, nil
}

// Close implements Ledger.
func (l *SQLiteLedger) Close(ctx context.Context, id, note string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'closed', note = ?, closed_at = ? WHERE id = ? AND status = 'open'`,
		note, l.now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("closing task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := l.Get(ctx, id); err != nil {
		return err
	}
	return nil
}
