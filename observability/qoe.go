package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

const serviceName = "qoewatch"

// DefaultQueueSize is the number of business events a Recorder holds
// while the event store is slow.
const DefaultQueueSize = 256

// Recorder turns snapshots and session milestones into metrics and
// business events. A nil *Recorder is a valid no-op, and either backing
// store may be nil.
//
// Recorder methods never wait on the database: metrics go to the
// MetricsManager buffer and events to a bounded queue drained by a
// worker goroutine. Events arriving while the queue is full are dropped.
type Recorder struct {
	metrics *MetricsManager
	events  *EventLogger

	queue     chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*recorderOptions)

type recorderOptions struct {
	queueSize int
}

// WithQueueSize sets the event queue capacity. Values below 1 keep the
// default.
func WithQueueSize(n int) RecorderOption {
	return func(o *recorderOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// NewRecorder builds a Recorder over the given stores and starts its
// event worker. Call Close to drain pending events.
func NewRecorder(mm *MetricsManager, el *EventLogger, opts ...RecorderOption) *Recorder {
	o := recorderOptions{queueSize: DefaultQueueSize}
	for _, fn := range opts {
		fn(&o)
	}
	r := &Recorder{
		metrics: mm,
		events:  el,
		queue:   make(chan func(), o.queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// RecordSnapshot emits one datapoint per QoE field. Unknown latency
// (record.Unknown) is skipped rather than recorded as a negative value.
func (r *Recorder) RecordSnapshot(s record.Snapshot) {
	if r == nil || r.metrics == nil {
		return
	}
	ts := time.UnixMilli(s.CapturedAt)
	labels := map[string]string{"session_id": s.SessionID}
	r.metrics.Record(&Metric{Name: MetricFreezeTimeSeconds, Timestamp: ts, Value: s.FreezeTime, Labels: labels, Unit: "seconds"})
	r.metrics.Record(&Metric{Name: MetricFreezeIntervals, Timestamp: ts, Value: float64(len(s.Freezes)), Labels: labels, Unit: "count"})
	r.metrics.Record(&Metric{Name: MetricBufferingCount, Timestamp: ts, Value: float64(s.BufferingCount), Labels: labels, Unit: "count"})
	if s.NetworkLatency != record.Unknown {
		r.metrics.Record(&Metric{Name: MetricNetworkLatencyMs, Timestamp: ts, Value: s.NetworkLatency, Labels: labels, Unit: "milliseconds"})
	}
	for _, f := range s.Freezes {
		r.metrics.Record(&Metric{Name: MetricFreezeDuration, Timestamp: ts, Value: f.Duration, Labels: labels, Unit: "seconds"})
	}
}

// FreezeWarning records a stall that crossed the warning threshold.
func (r *Recorder) FreezeWarning(ctx context.Context, sessionID string, stall time.Duration, videoTime float64) {
	r.log(ctx, BusinessEvent{
		EventType:  EventFreezeWarning,
		EntityType: "session",
		EntityID:   sessionID,
		Action:     "warn",
		Details:    fmt.Sprintf(`{"stall_ms":%d,"video_time":%.3f}`, stall.Milliseconds(), videoTime),
		Success:    true,
	})
}

// FaultInjected records the start of an artificial freeze.
func (r *Recorder) FaultInjected(ctx context.Context, sessionID string, planned time.Duration) {
	r.log(ctx, BusinessEvent{
		EventType:  EventFaultInjected,
		EntityType: "session",
		EntityID:   sessionID,
		Action:     "pause",
		Details:    fmt.Sprintf(`{"planned_ms":%d}`, planned.Milliseconds()),
		Success:    true,
	})
}

// FaultAborted records an injection cut short by session finalize.
func (r *Recorder) FaultAborted(ctx context.Context, sessionID string) {
	r.log(ctx, BusinessEvent{
		EventType:  EventFaultAborted,
		EntityType: "session",
		EntityID:   sessionID,
		Action:     "abort",
		Success:    true,
	})
}

// ExportOutcome records a session export as export_sent or export_failed.
func (r *Recorder) ExportOutcome(ctx context.Context, sessionID, exportID string, rows int, err error) {
	ev := BusinessEvent{
		EventType:  EventExportSent,
		EntityType: "export",
		EntityID:   sessionID,
		Action:     "send",
		Details:    fmt.Sprintf(`{"export_id":%q,"rows":%d}`, exportID, rows),
		Success:    true,
	}
	if err != nil {
		ev.EventType = EventExportFailed
		ev.Details = fmt.Sprintf(`{"export_id":%q,"rows":%d,"error":%q}`, exportID, rows, err.Error())
		ev.Success = false
	}
	r.log(ctx, ev)
}

// Metrics returns the backing MetricsManager, or nil.
func (r *Recorder) Metrics() *MetricsManager {
	if r == nil {
		return nil
	}
	return r.metrics
}

// Sync blocks until every event queued before the call is written.
func (r *Recorder) Sync() {
	if r == nil {
		return
	}
	barrier := make(chan struct{})
	select {
	case r.queue <- func() { close(barrier) }:
	case <-r.stop:
		return
	}
	select {
	case <-barrier:
	case <-r.done:
	}
}

// Close writes queued events and stops the worker. Events recorded after
// Close are dropped. Safe to call more than once.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}

// Dropped returns the number of events discarded on a full queue or
// after Close.
func (r *Recorder) Dropped() int {
	if r == nil {
		return 0
	}
	return int(r.dropped.Load())
}

func (r *Recorder) log(ctx context.Context, ev BusinessEvent) {
	if r == nil || r.events == nil {
		return
	}
	ev.ServiceName = serviceName
	// The write runs after the caller returns, possibly after its
	// context is cancelled. Keep the values, drop the cancellation.
	ctx = context.WithoutCancel(ctx)
	r.enqueue(func() { r.events.LogEvent(ctx, ev) }, ev.EventType)
}

func (r *Recorder) enqueue(job func(), eventType string) {
	select {
	case <-r.stop:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.queue <- job:
	default:
		r.dropped.Add(1)
		slog.Warn("observability: event queue full, dropping", "event_type", eventType)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for {
		select {
		case job := <-r.queue:
			job()
		case <-r.stop:
			for {
				select {
				case job := <-r.queue:
					job()
				default:
					return
				}
			}
		}
	}
}
