package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	target     TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	dead       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS outbox_entries_live ON outbox_entries (dead, created_at);
`

// SQLiteQueue persists entries in a local SQLite file so they survive a
// client restart.
type SQLiteQueue struct {
	db *sqlx.DB
}

type entryRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	Target    string `db:"target"`
	Body      string `db:"body"`
	CreatedAt int64  `db:"created_at"`
	Attempts  int    `db:"attempts"`
	LastError string `db:"last_error"`
}

func (r entryRow) toEntry() Entry {
	return Entry{
		ID:        r.ID,
		Kind:      Kind(r.Kind),
		Target:    r.Target,
		Body:      r.Body,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		Attempts:  r.Attempts,
		LastError: r.LastError,
	}
}

func NewSQLiteQueue(path string) (*SQLiteQueue, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) Enqueue(ctx context.Context, e Entry) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO outbox_entries
		(id, kind, target, body, created_at, attempts, last_error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Target, e.Body, e.CreatedAt.UnixNano(), e.Attempts, e.LastError)
	return err
}

const entryColumns = `id, kind, target, body, created_at, attempts, last_error`

func (q *SQLiteQueue) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return q.selectEntries(ctx, `SELECT `+entryColumns+` FROM outbox_entries
		WHERE dead = 0 ORDER BY created_at, id LIMIT ?`, limit)
}

func (q *SQLiteQueue) DeadLetters(ctx context.Context) ([]Entry, error) {
	return q.selectEntries(ctx, `SELECT `+entryColumns+` FROM outbox_entries
		WHERE dead = 1 ORDER BY created_at, id`)
}

func (q *SQLiteQueue) selectEntries(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	var rows []entryRow
	if err := q.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

func (q *SQLiteQueue) Remove(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM outbox_entries WHERE id = ?`, id)
	return err
}

func (q *SQLiteQueue) RecordFailure(ctx context.Context, id, reason string) (int, error) {
	var attempts int
	err := q.db.GetContext(ctx, &attempts, `UPDATE outbox_entries
		SET attempts = attempts + 1, last_error = ? WHERE id = ? RETURNING attempts`, reason, id)
	return attempts, err
}

func (q *SQLiteQueue) DeadLetter(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE outbox_entries SET dead = 1 WHERE id = ?`, id)
	return err
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbox_entries WHERE dead = 0`)
	return n, err
}
