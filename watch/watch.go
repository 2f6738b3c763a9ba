// Package watch reloads in-memory state when an SQLite database changes
// underneath a process. The collector uses it to pick up maintenance and
// rate limit edits made by an operator from another connection.
//
//	w := watch.New(db, watch.Options{Interval: 2 * time.Second})
//	go w.Run(ctx, func() error { mm.Reload(); rl.Reload(); return nil })
package watch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Querier is satisfied by *sql.DB and *sql.Conn.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Detector reads a version token. Two different tokens mean the watched
// state changed. Run hands it the same connection on every poll.
type Detector func(ctx context.Context, q Querier) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval is the polling period. Default: 1s.
	Interval time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector Detector
	Logger   *slog.Logger
}

// Watcher polls a Detector and runs an action on change.
type Watcher struct {
	db   *sql.DB
	opts Options
	conn *sql.Conn // pinned by Run; owned by the Run goroutine

	version atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Reloads int64 `json:"reloads"`
}

// New creates a Watcher. Call Run to start polling.
func New(db *sql.DB, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Detector == nil {
		opts.Detector = PragmaDataVersion
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
		Reloads: w.reloads.Load(),
	}
}

// Version returns the last version whose action succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Run polls until ctx is done. action runs once per observed change; when
// it fails the version is kept so the next poll retries.
func (w *Watcher) Run(ctx context.Context, action func() error) {
	defer w.unpin()
	if v, err := w.detect(ctx); err != nil {
		w.opts.Logger.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	t := time.NewTicker(w.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		w.checks.Add(1)
		cur, err := w.detect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.errors.Add(1)
			w.opts.Logger.Warn("watch: version check failed", "error", err)
			continue
		}
		if cur == w.version.Load() {
			continue
		}
		w.changes.Add(1)
		if err := action(); err != nil {
			w.errors.Add(1)
			w.opts.Logger.Error("watch: reload failed", "version", cur, "error", err)
			continue
		}
		w.reloads.Add(1)
		w.version.Store(cur)
		w.opts.Logger.Debug("watch: reloaded", "version", cur)
	}
}

// detect runs the Detector on a pinned connection. A database limited to
// one open connection is queried through the pool instead, since pinning
// would starve it and every query already lands on the same connection.
// A failed poll releases the pin; the next poll pins a fresh connection,
// whose first token may differ and trigger one extra reload.
func (w *Watcher) detect(ctx context.Context) (int64, error) {
	if w.db == nil || w.db.Stats().MaxOpenConnections == 1 {
		return w.opts.Detector(ctx, w.db)
	}
	if w.conn == nil {
		conn, err := w.db.Conn(ctx)
		if err != nil {
			return 0, fmt.Errorf("watch: pin connection: %w", err)
		}
		w.conn = conn
	}
	v, err := w.opts.Detector(ctx, w.conn)
	if err != nil {
		w.unpin()
	}
	return v, err
}

func (w *Watcher) unpin() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// PragmaDataVersion changes whenever another connection commits to the
// database file. The value is per connection: it must be read through
// the same connection every time, and writes through that connection are
// not seen.
func PragmaDataVersion(ctx context.Context, q Querier) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}
