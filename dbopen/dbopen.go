// Package dbopen opens the SQLite databases used by qoewatch: the export
// outbox, the collector store and the observability tables. Pragmas are
// passed to modernc.org/sqlite as _pragma DSN parameters, so every pooled
// connection gets them: WAL journaling, foreign keys, a 10s busy timeout
// and synchronous=NORMAL. The outbox asks for synchronous=FULL so that a
// persisted session survives a crash.
//
//	db, err := dbopen.Open("qoe_outbox.db", dbopen.WithMkdirAll(),
//		dbopen.WithSynchronous("FULL"), dbopen.WithSchema(outbox.Schema))
//
// Tests use OpenMemory, which closes the database on cleanup.
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

const driverName = "sqlite"

type options struct {
	pragmas  map[string]string
	order    []string
	schemas  []string
	mkdirAll bool
}

func newOptions() *options {
	o := &options{pragmas: map[string]string{}}
	o.set("journal_mode", "WAL")
	o.set("foreign_keys", "ON")
	o.set("busy_timeout", "10000")
	o.set("synchronous", "NORMAL")
	return o
}

func (o *options) set(name, value string) {
	if _, ok := o.pragmas[name]; !ok {
		o.order = append(o.order, name)
	}
	o.pragmas[name] = value
}

// Option customises Open.
type Option func(*options)

// WithSynchronous overrides PRAGMA synchronous (default NORMAL).
func WithSynchronous(mode string) Option {
	return func(o *options) { o.set("synchronous", mode) }
}

// WithPragma sets any other PRAGMA, applied after the defaults.
func WithPragma(name, value string) Option {
	return func(o *options) { o.set(name, value) }
}

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSchema queues DDL executed once the pragmas are in place.
func WithSchema(ddl string) Option {
	return func(o *options) { o.schemas = append(o.schemas, ddl) }
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := newOptions()
	for _, fn := range opts {
		fn(o)
	}
	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open(driverName, path+"?"+o.query())
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each ":memory:" connection is its own database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	for _, ddl := range o.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: schema: %w", err)
		}
	}
	return db, nil
}

func (o *options) query() string {
	q := url.Values{}
	for _, name := range o.order {
		q.Add("_pragma", fmt.Sprintf("%s(%s)", name, o.pragmas[name]))
	}
	return q.Encode()
}

// OpenMemory opens a private in-memory database for a test.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
