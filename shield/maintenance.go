package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// MaintenanceMode pauses ingestion: while active, requests get a 503 JSON
// answer with Retry-After. Senders treat 503 as temporary, so a session
// export stays pending in their outbox and is resent later. The flag
// lives in the maintenance table (see Schema) and is cached in memory.
//
// If the table does not exist or is empty, maintenance mode is off.
type MaintenanceMode struct {
	db      *sql.DB
	active  atomic.Bool
	message atomic.Value // string
	exclude []string     // path prefixes that bypass maintenance (e.g. /healthz)
}

// NewMaintenanceMode creates a maintenance mode checker. Paths matching any of
// excludePrefixes are never blocked.
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{
		db:      db,
		exclude: excludePrefixes,
	}
	m.message.Store("collector paused, retry later")
	m.Reload()
	return m
}

// Active reports whether maintenance mode is currently on.
func (m *MaintenanceMode) Active() bool {
	return m.active.Load()
}

// Message returns the current maintenance message.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// Set switches maintenance on or off and persists the flag.
func (m *MaintenanceMode) Set(active bool, message string) error {
	v := 0
	if active {
		v = 1
	}
	if message == "" {
		message = m.Message()
	}
	if _, err := m.db.Exec(`INSERT INTO maintenance (id, active, message) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active, message = excluded.message`, v, message); err != nil {
		return err
	}
	m.Reload()
	return nil
}

// StartReloader starts a background goroutine that reloads the maintenance
// flag every 5 seconds. Stops when done is closed.
func (m *MaintenanceMode) StartReloader(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Second)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				m.Reload()
			}
		}
	}()
}

// Reload reads the flag from the database.
func (m *MaintenanceMode) Reload() {
	var active int
	var message string
	err := m.db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		// Table missing or empty → maintenance off (normal state).
		if m.active.Load() {
			slog.Info("maintenance: flag cleared (table missing or empty)")
		}
		m.active.Store(false)
		return
	}

	if message != "" {
		m.message.Store(message)
	}
	was := m.active.Load()
	m.active.Store(active == 1)

	if active == 1 && !was {
		slog.Warn("maintenance: ingestion paused", "message", message)
	} else if active != 1 && was {
		slog.Info("maintenance: ingestion resumed")
	}
}

// Middleware blocks requests with a 503 JSON answer while maintenance
// mode is active. Excluded prefixes pass through.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}

		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "300")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": m.Message()})
	})
}
