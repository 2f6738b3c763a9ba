package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/qoewatch/idgen"
)

// Business event types written by the QoE monitor.
const (
	EventFreezeWarning = "freeze_warning"
	EventFaultInjected = "fault_injected"
	EventFaultAborted  = "fault_aborted"
	EventExportSent    = "export_sent"
	EventExportFailed  = "export_failed"
)

// BusinessEvent represents a domain-level event to record.
type BusinessEvent struct {
	EventType   string
	ServiceName string
	EntityType  string // "session", "export"
	EntityID    string
	Action      string
	Details     string // optional JSON
	Success     bool
}

// EventLogger writes business events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventClock overrides the timestamp source.
func WithEventClock(now func() time.Time) EventLoggerOption {
	return func(l *EventLogger) { l.now = now }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Errors are logged via slog but do
// not propagate: a failing observability store never stalls the tick loop.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), event.EventType, event.ServiceName, event.EntityType, event.EntityID,
		event.Action, event.Details, event.Success, l.now().UnixMilli())
	if err != nil {
		slog.Error("observability: event log failed", "error", err, "event_type", event.EventType)
	}
}

// CountEvents returns the number of events of the given type for an entity.
// An empty entityID counts across all entities.
func (l *EventLogger) CountEvents(ctx context.Context, eventType, entityID string) (int, error) {
	q := "SELECT COUNT(*) FROM business_event_logs WHERE event_type = ?"
	args := []any{eventType}
	if entityID != "" {
		q += " AND entity_id = ?"
		args = append(args, entityID)
	}
	var n int
	if err := l.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("observability: count events: %w", err)
	}
	return n, nil
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	MetricsDays    int
	EventLogsDays  int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().UnixMilli()

	// Table and column names are fixed; never build them from input.
	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"metrics_timeseries", "timestamp", cfg.MetricsDays},
		{"business_event_logs", "created_at", cfg.EventLogsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days)*86_400_000
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("observability: cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("observability: vacuum: %w", err)
		}
	}
	return nil
}
