package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/qoewatch/dbopen"
)

// ErrNotFound is returned when no received record has the requested ID.
var ErrNotFound = errors.New("collector: not found")

// Schema creates the received table.
const Schema = `
CREATE TABLE IF NOT EXISTS received (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    body         BLOB NOT NULL,
    session_id   TEXT NOT NULL DEFAULT '',
    rows         INTEGER NOT NULL DEFAULT 0,
    freezes      INTEGER NOT NULL DEFAULT 0,
    received_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_received_kind ON received(kind, received_at);
CREATE INDEX IF NOT EXISTS idx_received_session ON received(session_id);
`

// Record kinds.
const (
	KindSnapshot = "snapshot"
	KindSession  = "session"
	KindRaw      = "raw"
)

// Received is one body accepted by the collector.
type Received struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"-"`
	SessionID   string    `json:"session_id,omitempty"`
	Rows        int       `json:"rows"`
	Freezes     int       `json:"freezes"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Store persists received bodies in SQLite.
type Store struct {
	DB *sql.DB
}

// NewStore applies Schema to db and returns a Store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("collector: schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Insert stores r.
func (s *Store) Insert(ctx context.Context, r *Received) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO received (id, kind, content_type, body, session_id, rows, freezes, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.ContentType, r.Body, r.SessionID, r.Rows, r.Freezes, r.ReceivedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("collector: insert %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the record with the given ID, body included.
func (s *Store) Get(ctx context.Context, id string) (*Received, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, kind, content_type, body, session_id, rows, freezes, received_at
		 FROM received WHERE id = ?`, id)
	r, err := scanReceived(row.Scan, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("collector: get %s: %w", id, err)
	}
	return r, nil
}

// List returns the newest records of kind, without bodies. An empty kind
// lists every kind.
func (s *Store) List(ctx context.Context, kind string, limit int) ([]*Received, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, kind, content_type, session_id, rows, freezes, received_at
		 FROM received WHERE (? = '' OR kind = ?)
		 ORDER BY received_at DESC, rowid DESC LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("collector: list: %w", err)
	}
	defer rows.Close()

	var out []*Received
	for rows.Next() {
		r, err := scanReceived(rows.Scan, false)
		if err != nil {
			return nil, fmt.Errorf("collector: list scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of records of kind.
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM received WHERE (? = '' OR kind = ?)`, kind, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("collector: count: %w", err)
	}
	return n, nil
}

func scanReceived(scan func(...any) error, withBody bool) (*Received, error) {
	var (
		r  Received
		at int64
	)
	dest := []any{&r.ID, &r.Kind, &r.ContentType}
	if withBody {
		dest = append(dest, &r.Body)
	}
	dest = append(dest, &r.SessionID, &r.Rows, &r.Freezes, &at)
	if err := scan(dest...); err != nil {
		return nil, err
	}
	r.ReceivedAt = time.UnixMilli(at)
	return &r, nil
}
