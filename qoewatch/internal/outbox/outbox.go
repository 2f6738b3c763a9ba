// Package outbox is the durable local copy of session exports. An export
// is written here before any transmission is attempted and stays pending
// until the collector accepts it, so a transport failure never loses a
// session; pending rows are re-sent on operator request.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/qoewatch/dbopen"
	"github.com/hazyhaar/qoewatch/idgen"
)

// ErrNotFound is returned when no export has the requested ID.
var ErrNotFound = errors.New("outbox: not found")

// Schema creates the session_exports table.
const Schema = `
CREATE TABLE IF NOT EXISTS session_exports (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    digest        TEXT NOT NULL,
    content_type  TEXT NOT NULL,
    body          BLOB NOT NULL,
    row_count     INTEGER NOT NULL DEFAULT 0,
    state         TEXT NOT NULL DEFAULT 'pending',
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    UNIQUE (session_id, digest)
);

CREATE INDEX IF NOT EXISTS idx_session_exports_state ON session_exports(state, created_at);
`

// Export states.
const (
	StatePending = "pending"
	StateSent    = "sent"
)

// Entry is one persisted session export.
type Entry struct {
	ID          string
	SessionID   string
	Digest      string
	ContentType string
	Body        []byte
	Rows        int
	State       string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store wraps the outbox database.
type Store struct {
	db  *sql.DB
	ids idgen.Generator
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets the export ID generator. Default: "exp_" + UUIDv7.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.ids = gen }
}

// WithClock sets the time source for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the outbox at path. Writes are synchronous
// (PRAGMA synchronous=FULL): a persisted export must survive a crash.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSynchronous("FULL"),
		dbopen.WithSchema(Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an already-open database whose schema includes Schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		ids: idgen.Prefixed("exp_", idgen.Default),
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Put persists an export. It is idempotent on (SessionID, Digest): putting
// the same bytes twice returns the existing entry and created=false.
func (s *Store) Put(ctx context.Context, e Entry) (Entry, bool, error) {
	if e.SessionID == "" || e.Digest == "" {
		return Entry{}, false, fmt.Errorf("outbox: put: session id and digest required")
	}
	if e.ID == "" {
		e.ID = s.ids()
	}
	if e.Body == nil {
		e.Body = []byte{}
	}
	now := s.now()
	e.State = StatePending
	e.Attempts = 0
	e.LastError = ""
	e.CreatedAt, e.UpdatedAt = now, now

	var (
		out     Entry
		created bool
	)
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := scanEntry(tx.QueryRowContext(ctx,
			`SELECT `+columns+` FROM session_exports WHERE session_id = ? AND digest = ?`,
			e.SessionID, e.Digest))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_exports
			 (id, session_id, digest, content_type, body, row_count, state, attempts, last_error, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
			e.ID, e.SessionID, e.Digest, e.ContentType, e.Body, e.Rows, e.State,
			now.UnixMilli(), now.UnixMilli()); err != nil {
			return err
		}
		out, created = e, true
		return nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("outbox: put: %w", err)
	}
	return out, created, nil
}

// MarkSent records a successful delivery.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.update(ctx, id,
		`UPDATE session_exports SET state = ?, attempts = attempts + 1, last_error = '', updated_at = ? WHERE id = ?`,
		StateSent, s.now().UnixMilli(), id)
}

// MarkFailed records a failed delivery; the entry stays pending.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.update(ctx, id,
		`UPDATE session_exports SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		msg, s.now().UnixMilli(), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := dbopen.Exec(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("outbox: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox: update %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns one export by ID.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM session_exports WHERE id = ?`, id))
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: get %s: %w", id, err)
	}
	return e, nil
}

// Pending lists pending exports, oldest first. limit <= 0 means all.
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	q := `SELECT ` + columns + ` FROM session_exports WHERE state = ? ORDER BY created_at, id`
	args := []any{StatePending}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: pending: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox: pending: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of exports per state.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM session_exports GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("outbox: counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("outbox: counts: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

const columns = `id, session_id, digest, content_type, body, row_count, state, attempts, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                Entry
		created, updated int64
	)
	err := row.Scan(&e.ID, &e.SessionID, &e.Digest, &e.ContentType, &e.Body, &e.Rows,
		&e.State, &e.Attempts, &e.LastError, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.UnixMilli(created)
	e.UpdatedAt = time.UnixMilli(updated)
	return e, nil
}
