// Package observability records QoE monitoring data in SQLite: one
// metric datapoint per snapshot field of interest, and a business event
// log for freeze warnings, fault injections and export outcomes.
//
// The observability database is separate from the export outbox so a
// slow metrics flush never contends with a session export. Call Init()
// on the *sql.DB first, then pass it to the constructors.
//
// Metric persistence and Recorder event writes are async. Neither ever
// blocks the caller on the database or returns errors to it.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string // e.g. "qoe_freeze_time_seconds"
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // optional key/value pairs
	Unit      string            // "seconds", "milliseconds", "count"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
// Record only touches the in-memory buffer; writes happen on the flush
// goroutine or in an explicit Flush.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu      sync.Mutex // guards buffer and dropped
	buffer  []*Metric
	dropped int

	writeMu   sync.Mutex // serializes batch writes
	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// pendingFactor bounds the buffer at bufferSize*pendingFactor while the
// database is unavailable. Metrics beyond that are dropped.
const pendingFactor = 10

// NewMetricsManager creates a manager that flushes metrics in batches.
// Recommended defaults: bufferSize=100, flushInterval=5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric for async persistence. A full buffer wakes the
// flush goroutine; Record itself never waits on the database.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	if len(mm.buffer) >= mm.bufferSize*pendingFactor {
		mm.dropped++
		mm.mu.Unlock()
		return
	}
	mm.buffer = append(mm.buffer, m)
	full := len(mm.buffer) >= mm.bufferSize
	mm.mu.Unlock()

	if full {
		select {
		case mm.kick <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the number of metrics discarded because the buffer
// was at capacity.
func (mm *MetricsManager) Dropped() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.dropped
}

// RecordSimple is a convenience helper for metrics without labels.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{
		Name:      name,
		Timestamp: time.Now(),
		Value:     value,
		Unit:      unit,
	})
}

// Flush writes buffered metrics now. When it returns, every metric
// recorded before the call is committed or logged as failed.
func (mm *MetricsManager) Flush() {
	mm.writeMu.Lock()
	defer mm.writeMu.Unlock()

	mm.mu.Lock()
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	mm.mu.Unlock()

	mm.write(batch)
}

// Query retrieves metrics filtered by name, time range and limit, newest
// first. Pass empty metricName for all metrics. Nil time pointers mean
// unbounded.
func (mm *MetricsManager) Query(ctx context.Context, metricName string, startTime, endTime *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 4)

	if metricName != "" {
		q += " AND metric_name = ?"
		args = append(args, metricName)
	}
	if startTime != nil {
		q += " AND timestamp >= ?"
		args = append(args, startTime.UnixMilli())
	}
	if endTime != nil {
		q += " AND timestamp <= ?"
		args = append(args, endTime.UnixMilli())
	}
	q += " ORDER BY timestamp DESC, rowid DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			name, unit string
			ts         int64
			value      float64
			labelsJSON sql.NullString
		)
		if err := rows.Scan(&name, &ts, &value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m := &Metric{Name: name, Timestamp: time.UnixMilli(ts), Value: value, Unit: unit}
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than retentionDays and returns the count removed.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	result, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return result.RowsAffected()
}

// Close flushes remaining metrics and stops the background goroutine.
// Safe to call more than once.
func (mm *MetricsManager) Close() error {
	mm.closeOnce.Do(func() {
		close(mm.stop)
		<-mm.done
	})
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		case <-mm.kick:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) write(batch []*Metric) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability: metrics begin tx", "error", err)
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("observability: metrics prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range batch {
		var labelsJSON sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labelsJSON, m.Unit); err != nil {
			slog.Error("observability: metrics insert", "error", err, "metric", m.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("observability: metrics commit", "error", err)
	}
}

// QoE metric names.
const (
	MetricFreezeTimeSeconds = "qoe_freeze_time_seconds"
	MetricNetworkLatencyMs  = "qoe_network_latency_ms"
	MetricFreezeIntervals   = "qoe_freeze_intervals"
	MetricBufferingCount    = "qoe_buffering_count"
	MetricFreezeDuration    = "qoe_freeze_duration_seconds"
)
