package observability

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode=WAL")
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"metrics_timeseries", "business_event_logs", "_observability_metadata"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

func TestInit_Idempotent(t *testing.T) {
	db := setupObsDB(t)
	if err := Init(db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

// --- MetricsManager ---

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	mm.Record(&Metric{
		Name:      MetricFreezeTimeSeconds,
		Timestamp: time.Now(),
		Value:     1.5,
		Unit:      "seconds",
		Labels:    map[string]string{"session_id": "ses_1"},
	})
	mm.RecordSimple(MetricBufferingCount, 2, "count")
	mm.Flush()

	ctx := context.Background()
	metrics, err := mm.Query(ctx, MetricFreezeTimeSeconds, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("freeze time count: got %d", len(metrics))
	}
	if metrics[0].Value != 1.5 {
		t.Fatalf("value: got %f", metrics[0].Value)
	}
	if metrics[0].Labels["session_id"] != "ses_1" {
		t.Fatalf("labels: got %v", metrics[0].Labels)
	}

	all, err := mm.Query(ctx, "", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all metrics count: got %d", len(all))
	}
}

func TestMetricsManager_FlushOnBufferFull(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.RecordSimple("m", 1, "x")
	mm.RecordSimple("m", 2, "x")

	// The flush goroutine writes the full buffer without an explicit Flush.
	deadline := time.Now().Add(2 * time.Second)
	var n int
	for time.Now().Before(deadline) {
		db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
		if n == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("rows after full buffer: got %d, want 2", n)
}

// holdDB takes the only pooled connection of a setupObsDB database so
// every other statement waits. The returned func releases it.
func holdDB(t *testing.T, db *sql.DB) func() {
	t.Helper()
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var once sync.Once
	release := func() { once.Do(func() { conn.Close() }) }
	t.Cleanup(release)
	return release
}

// returnsWithin fails the test if fn has not returned after d.
func returnsWithin(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s blocked on a busy database", what)
	}
}

func TestMetricsManager_RecordDoesNotWaitOnDB(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	release := holdDB(t, db)
	returnsWithin(t, time.Second, "Record", func() {
		for i := range 50 {
			mm.RecordSimple("m", float64(i), "x")
		}
	})
	// The flush goroutine may have taken one batch before blocking.
	dropped := mm.Dropped()
	if dropped < 10 || dropped > 30 {
		t.Fatalf("dropped: got %d, want between 10 and 30", dropped)
	}

	release()
	mm.Flush()
	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 50-dropped {
		t.Fatalf("rows after release: got %d, want %d", n, 50-dropped)
	}
}

func TestMetricsManager_CloseFlushes(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	mm.RecordSimple("m", 1, "x")
	mm.Close()
	mm.Close()

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 1 {
		t.Fatalf("rows after close: got %d, want 1", n)
	}
}

func TestMetricsManager_QueryWithTimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2, Unit: "x"})
	mm.Flush()

	start := now.Add(-time.Hour)
	metrics, err := mm.Query(context.Background(), "m1", &start, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics[0].Value != 2 {
		t.Fatalf("time-filtered: got %+v", metrics)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	mm.Record(&Metric{Name: "old_metric", Timestamp: time.Now().Add(-40 * 24 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "new_metric", Timestamp: time.Now(), Value: 2, Unit: "x"})
	mm.Flush()

	deleted, err := mm.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}

// --- EventLogger ---

func TestEventLogger_LogEvent(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db)
	ctx := context.Background()

	el.LogEvent(ctx, BusinessEvent{
		EventType:   EventFaultInjected,
		ServiceName: "qoewatch",
		EntityType:  "session",
		EntityID:    "ses_1",
		Action:      "pause",
		Success:     true,
	})

	var eventType, action string
	db.QueryRow("SELECT event_type, action FROM business_event_logs LIMIT 1").Scan(&eventType, &action)
	if eventType != EventFaultInjected {
		t.Fatalf("event_type: got %q", eventType)
	}
	if action != "pause" {
		t.Fatalf("action: got %q", action)
	}

	n, err := el.CountEvents(ctx, EventFaultInjected, "ses_1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("CountEvents: got %d", n)
	}
	if n, _ := el.CountEvents(ctx, EventFaultInjected, "ses_2"); n != 0 {
		t.Fatalf("CountEvents other session: got %d", n)
	}
}

func TestEventLogger_WithIDGenerator(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db, WithEventIDGenerator(func() string { return "evt_custom" }))

	el.LogEvent(context.Background(), BusinessEvent{
		EventType:   "test",
		ServiceName: "test",
		Action:      "test",
		Success:     true,
	})

	var eventID string
	db.QueryRow("SELECT event_id FROM business_event_logs LIMIT 1").Scan(&eventID)
	if eventID != "evt_custom" {
		t.Fatalf("custom event_id: got %q", eventID)
	}
}

// --- Recorder ---

func TestRecorder_RecordSnapshot(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()
	r := NewRecorder(mm, nil)
	defer r.Close()

	r.RecordSnapshot(record.Snapshot{
		SessionID:      "ses_1",
		CapturedAt:     time.Now().UnixMilli(),
		FreezeTime:     0.4,
		BufferingCount: 1,
		NetworkLatency: record.Unknown,
		Freezes:        []record.FreezeInterval{record.NewFreezeInterval(1, 2.1)},
	})
	mm.Flush()

	ctx := context.Background()
	if got, _ := mm.Query(ctx, MetricNetworkLatencyMs, nil, nil, 0); len(got) != 0 {
		t.Fatalf("unknown latency recorded: %+v", got)
	}
	got, err := mm.Query(ctx, MetricFreezeIntervals, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 1 {
		t.Fatalf("freeze intervals: %+v", got)
	}
	dur, _ := mm.Query(ctx, MetricFreezeDuration, nil, nil, 0)
	if len(dur) != 1 || dur[0].Value != 2.1 {
		t.Fatalf("freeze duration: %+v", dur)
	}
}

func TestRecorder_Events(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db)
	r := NewRecorder(nil, el)
	defer r.Close()
	ctx := context.Background()

	r.FreezeWarning(ctx, "ses_1", 2500*time.Millisecond, 12.5)
	r.FaultInjected(ctx, "ses_1", 3*time.Second)
	r.FaultAborted(ctx, "ses_1")
	r.ExportOutcome(ctx, "ses_1", "exp_1", 10, nil)
	r.ExportOutcome(ctx, "ses_1", "exp_1", 10, errors.New("boom"))
	r.RecordSnapshot(record.Snapshot{}) // no metrics store: no-op
	r.Sync()

	for _, typ := range []string{EventFreezeWarning, EventFaultInjected, EventFaultAborted, EventExportSent, EventExportFailed} {
		n, err := el.CountEvents(ctx, typ, "ses_1")
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("%s: got %d events", typ, n)
		}
	}

	var success int
	db.QueryRow("SELECT success FROM business_event_logs WHERE event_type = ?", EventExportFailed).Scan(&success)
	if success != 0 {
		t.Fatalf("export_failed success = %d, want 0", success)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.RecordSnapshot(record.Snapshot{})
	r.FaultAborted(context.Background(), "ses_1")
	r.Sync()
	r.Close()
	if r.Metrics() != nil {
		t.Fatal("nil recorder returned metrics")
	}
}

func TestRecorder_EventsDoNotWaitOnDB(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db)
	r := NewRecorder(nil, el)
	defer r.Close()

	release := holdDB(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	returnsWithin(t, time.Second, "FreezeWarning", func() {
		r.FreezeWarning(ctx, "ses_1", 2500*time.Millisecond, 3)
		r.FaultInjected(ctx, "ses_1", 3*time.Second)
	})
	// Queued events outlive the caller's context.
	cancel()

	release()
	r.Sync()
	for _, typ := range []string{EventFreezeWarning, EventFaultInjected} {
		n, err := el.CountEvents(context.Background(), typ, "ses_1")
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("%s: got %d events, want 1", typ, n)
		}
	}
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db)
	r := NewRecorder(nil, el, WithQueueSize(2))
	defer r.Close()

	release := holdDB(t, db)
	returnsWithin(t, time.Second, "FaultAborted", func() {
		for range 10 {
			r.FaultAborted(context.Background(), "ses_1")
		}
	})
	release()
	r.Sync()

	n, err := el.CountEvents(context.Background(), EventFaultAborted, "ses_1")
	if err != nil {
		t.Fatal(err)
	}
	// The worker may hold one event while the queue fills.
	if n < 2 || n > 3 {
		t.Fatalf("written: got %d, want 2 or 3", n)
	}
	if got := r.Dropped(); got != 10-n {
		t.Fatalf("dropped: got %d, want %d", got, 10-n)
	}
}

func TestRecorder_CloseDrainsQueue(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db)
	r := NewRecorder(nil, el)

	r.FaultAborted(context.Background(), "ses_1")
	r.Close()
	r.Close()
	r.FaultAborted(context.Background(), "ses_1") // after close: dropped

	n, _ := el.CountEvents(context.Background(), EventFaultAborted, "ses_1")
	if n != 1 {
		t.Fatalf("events after close: got %d, want 1", n)
	}
}

// --- Retention Cleanup ---

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)

	oldTs := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()
	db.Exec("INSERT INTO metrics_timeseries (metric_name, timestamp, value, unit) VALUES ('m', ?, 1, 'x')", oldTs)
	db.Exec("INSERT INTO business_event_logs (event_id, event_type, service_name, action, success, created_at) VALUES ('e1', 'test', 'svc', 'act', 1, ?)", oldTs)

	err := Cleanup(context.Background(), db, RetentionConfig{MetricsDays: 30, EventLogsDays: 30})
	if err != nil {
		t.Fatal(err)
	}

	var metricCount, eventCount int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&metricCount)
	db.QueryRow("SELECT COUNT(*) FROM business_event_logs").Scan(&eventCount)
	if metricCount != 0 {
		t.Fatalf("metrics_timeseries: got %d", metricCount)
	}
	if eventCount != 0 {
		t.Fatalf("business_event_logs: got %d", eventCount)
	}
}

func TestCleanup_SkipsZeroDays(t *testing.T) {
	db := setupObsDB(t)

	oldTs := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()
	db.Exec("INSERT INTO business_event_logs (event_id, event_type, service_name, action, success, created_at) VALUES ('e1', 'test', 'svc', 'act', 1, ?)", oldTs)

	if err := Cleanup(context.Background(), db, RetentionConfig{}); err != nil {
		t.Fatal(err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM business_event_logs").Scan(&count)
	if count != 1 {
		t.Fatalf("should not clean when days=0: got %d", count)
	}
}
