// Package qoewatch measures video playback quality of experience on a
// single logical timeline. A Session is driven by explicit ticks: each
// tick advances the freeze detector, polls the fault injector and fires
// the snapshot and latency-probe cadences. Network work (probes, exports)
// runs off the tick path; its results are posted to an inbox and applied
// on a later tick, or discarded once the session has finalized.
//
// qoewatch measures, it does not interpret. Snapshots are emitted to
// sinks (stdout, webhook, callback) and the session history is exported
// as CSV when playback ends.
package qoewatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/qoewatch/idgen"
	"github.com/hazyhaar/qoewatch/observability"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/aggregate"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/clock"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/detector"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/export"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/fault"
	"github.com/hazyhaar/qoewatch/qoewatch/playback"
	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// ErrNotStarted is returned by Wait before Start.
var ErrNotStarted = errors.New("qoewatch: session not started")

// LatencyProber measures one round trip. *probe.Prober implements it.
type LatencyProber interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ExportResult describes the session export.
type ExportResult = export.Result

// Deps are the collaborators of a Session. Player and Device may be nil
// (fields fall back to sentinels); a nil Compositor disables fault
// injection; a nil Exporter keeps the history in memory only.
type Deps struct {
	Player     playback.Player
	Device     playback.Device
	Compositor playback.Compositor
	Exporter   *export.Exporter
	Prober     LatencyProber
	// Clock drives the timeline. Default: clock.NewReal().
	Clock clock.Clock
	// IDs generates the session ID. Default: "ses_" + UUIDv7.
	IDs      idgen.Generator
	Logger   *slog.Logger
	Recorder *observability.Recorder
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateRunning
	stateFinalized
)

// Session is one monitored playback. Tick, Start and Finalize must be
// called from a single goroutine; HandleEvent may be called from any.
type Session struct {
	id     string
	cfg    *Config
	deps   Deps
	logger *slog.Logger

	det *detector.Detector
	inj *fault.Injector
	agg *aggregate.Aggregator

	snapCadence  *clock.Cadence
	probeCadence *clock.Cadence

	ctx        context.Context
	started    time.Duration
	wallOrigin time.Time
	last       time.Duration
	state      sessionState
	probing    bool

	mu        sync.Mutex
	inbox     []func()
	closed    bool
	discarded int

	inflight sync.WaitGroup
	live     chan record.Snapshot
	liveDone chan struct{}

	exportDone chan struct{}
	exportRes  ExportResult
	exportErr  error
}

// NewSession assembles a session from configuration and collaborators.
// A nil cfg uses DefaultConfig.
func NewSession(cfg *Config, deps Deps) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewReal()
	}
	if deps.IDs == nil {
		deps.IDs = idgen.Prefixed("ses_", idgen.UUIDv7())
	}

	s := &Session{
		id:         deps.IDs(),
		cfg:        cfg,
		deps:       deps,
		exportDone: make(chan struct{}),
	}
	s.logger = deps.Logger.With("session_id", s.id)

	s.det = detector.New(detector.Config{
		StallThreshold: cfg.Detector.StallThreshold,
		WarnThreshold:  cfg.Detector.WarnThreshold,
		OnWarning:      s.onWarning,
		Logger:         s.logger,
	})

	var comp fault.Compositor
	if deps.Compositor != nil {
		comp = deps.Compositor
	}
	var player fault.Player
	if deps.Player != nil {
		player = deps.Player
	}
	s.inj = fault.New(fault.Config{
		Enabled:     cfg.Fault.IsEnabled() && comp != nil && player != nil,
		MinInterval: cfg.Fault.MinInterval,
		MaxInterval: cfg.Fault.MaxInterval,
		MinDuration: cfg.Fault.MinDuration,
		MaxDuration: cfg.Fault.MaxDuration,
		MaxEpisodes: cfg.Fault.MaxEpisodes,
		Seed:        cfg.Fault.Seed,
		Logger:      s.logger,
	}, player, comp)

	s.agg = aggregate.New(aggregate.Config{
		SessionID: s.id,
		Logger:    s.logger,
	}, aggregate.Sources{
		Player:    deps.Player,
		Device:    deps.Device,
		StallTime: s.det.StallTime,
	})

	s.snapCadence = clock.NewCadence(cfg.Session.SnapshotInterval)
	s.probeCadence = clock.NewCadence(cfg.Probe.Interval)

	if src, ok := deps.Player.(playback.EventSource); ok {
		src.OnEvent(s.HandleEvent)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Start begins the session: the fault schedule is computed, the cadences
// are armed and the first latency probe is launched. ctx bounds the
// asynchronous work launched by the session.
func (s *Session) Start(ctx context.Context) {
	if s.state != stateIdle {
		return
	}
	s.ctx = ctx
	s.state = stateRunning
	s.started = s.deps.Clock.Now()
	s.last = s.started
	s.wallOrigin = time.Now()

	s.inj.Start(s.started)
	s.snapCadence.Start(s.started)
	s.probeCadence.Start(s.started)

	if s.liveEnabled() {
		s.live = make(chan record.Snapshot, 64)
		s.liveDone = make(chan struct{})
		go s.liveLoop()
	}

	s.launchProbe()
	s.logger.Info("qoewatch: session started",
		"mode", s.cfg.Session.Mode,
		"snapshot_interval", s.cfg.Session.SnapshotInterval,
		"fault_enabled", s.cfg.Fault.IsEnabled())
}

// Tick advances the timeline to the clock's current time. Stages run in
// a fixed order: collaborators step, the inbox drains, the fault injector
// polls, the detector observes, then the snapshot and probe cadences fire.
func (s *Session) Tick(ctx context.Context) {
	if s.state != stateRunning {
		return
	}
	now := s.deps.Clock.Now()
	dt := now - s.last
	s.last = now

	if st, ok := s.deps.Player.(playback.Stepper); ok {
		st.Step(now)
	}

	s.drain()
	if s.state != stateRunning {
		return
	}

	switch s.inj.Tick(now) {
	case fault.Fired:
		s.deps.Recorder.FaultInjected(ctx, s.id, s.inj.Schedule().PlannedDuration)
	case fault.CaptureFailed:
		s.logger.Warn("qoewatch: fault skipped, still capture failed")
	}

	if p := s.deps.Player; p != nil {
		iv, closed := s.det.Observe(detector.Sample{
			Eligible:  detector.Eligible(p.IsPrepared(), p.IsPlaying(), s.inj.Active()),
			Frame:     p.Frame(),
			Delta:     dt,
			VideoTime: p.Time(),
		})
		if closed {
			if err := s.agg.AddFreeze(iv); err != nil {
				s.logger.Warn("qoewatch: freeze interval rejected", "error", err)
			}
		}
	}

	if s.snapCadence.Due(now) {
		s.capture(now)
	}

	if s.probeCadence.Due(now) {
		s.launchProbe()
	}
}

// HandleEvent queues a player lifecycle event. It is applied on the next
// tick. Safe for concurrent use.
func (s *Session) HandleEvent(ev playback.Event) {
	s.post(func() { s.apply(ev) })
}

func (s *Session) apply(ev playback.Event) {
	switch ev.Kind {
	case playback.Ready:
		if s.agg.SetStartDelay(ev.At - s.started) {
			s.logger.Info("qoewatch: playback ready", "start_delay", ev.At-s.started)
		}
	case playback.SeekCompleted:
		s.agg.IncBuffering()
		s.agg.ResetTimeline()
		if p := s.deps.Player; p != nil {
			s.det.Reset(p.Frame(), p.Time())
		}
		s.logger.Debug("qoewatch: seek completed", "buffering_count", s.agg.BufferingCount())
	case playback.Error:
		s.logger.Error("qoewatch: player error", "error", ev.Err)
	case playback.Ended:
		s.logger.Info("qoewatch: playback ended")
		s.Finalize(s.ctx)
	}
}

// Finalize ends the session exactly once: an active fault is aborted,
// pending intervals are flushed into a last snapshot, the history is
// closed and the session export is launched. Later calls are no-ops.
func (s *Session) Finalize(ctx context.Context) {
	if s.state == stateFinalized {
		return
	}
	if s.state == stateIdle {
		s.ctx = ctx
	}
	s.state = stateFinalized

	s.mu.Lock()
	s.closed = true
	dropped := len(s.inbox)
	s.inbox = nil
	s.discarded += dropped
	s.mu.Unlock()

	if s.inj.Abort() {
		s.deps.Recorder.FaultAborted(ctx, s.id)
	}
	if s.agg.Pending() > 0 {
		s.capture(s.deps.Clock.Now())
	}
	snaps, _ := s.agg.History().Finalize()

	if s.live != nil {
		close(s.live)
	}

	s.logger.Info("qoewatch: session finalized",
		"snapshots", len(snaps), "freezes", s.agg.History().FreezeCount())

	exp := s.deps.Exporter
	if exp == nil {
		close(s.exportDone)
		return
	}
	exportCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(s.exportDone)
		res, err := exp.ExportSession(exportCtx, s.id, snaps)
		s.exportRes, s.exportErr = res, err
		s.deps.Recorder.ExportOutcome(exportCtx, s.id, res.ExportID, res.Rows, err)
		if err != nil {
			s.logger.Error("qoewatch: session export failed", "export_id", res.ExportID, "error", err)
		}
	}()
}

// Wait blocks until the session export (and any queued live records)
// completes and returns its result.
func (s *Session) Wait() (ExportResult, error) {
	if s.state == stateIdle {
		return ExportResult{}, ErrNotStarted
	}
	<-s.exportDone
	if s.liveDone != nil {
		<-s.liveDone
	}
	s.inflight.Wait()
	return s.exportRes, s.exportErr
}

// Finalized reports whether the session has ended.
func (s *Session) Finalized() bool { return s.state == stateFinalized }

// Snapshots returns a copy of the history recorded so far.
func (s *Session) Snapshots() []record.Snapshot { return s.agg.History().Snapshots() }

// Latency returns the last known network latency in milliseconds, or
// record.Unknown.
func (s *Session) Latency() float64 { return s.agg.Latency() }

// FaultSchedule returns the fault injector's current plan.
func (s *Session) FaultSchedule() fault.Schedule { return s.inj.Schedule() }

// Discarded returns how many late async results were dropped after
// finalization.
func (s *Session) Discarded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// Settle blocks until in-flight probes have posted their results. Used by
// the virtual clock mode, where network time does not advance the clock.
func (s *Session) Settle() { s.inflight.Wait() }

func (s *Session) capture(now time.Duration) {
	snap := s.agg.Capture(s.wallOrigin.Add(now - s.started))
	s.deps.Recorder.RecordSnapshot(snap)
	s.logger.Debug("qoewatch: snapshot",
		"id", snap.ID, "video_time", snap.VideoTime,
		"freeze_time", snap.FreezeTime, "freezes", len(snap.Freezes))
	if s.live != nil {
		select {
		case s.live <- snap:
		default:
			s.logger.Warn("qoewatch: live queue full, snapshot not exported", "id", snap.ID)
		}
	}
}

func (s *Session) liveEnabled() bool {
	return s.cfg.Session.LiveExport && s.deps.Exporter != nil && s.deps.Exporter.LiveEnabled()
}

func (s *Session) liveLoop() {
	defer close(s.liveDone)
	for snap := range s.live {
		if err := s.deps.Exporter.ExportLive(s.ctx, snap); err != nil {
			s.logger.Warn("qoewatch: live export failed", "id", snap.ID, "error", err)
		}
	}
}

func (s *Session) launchProbe() {
	if s.deps.Prober == nil || s.probing {
		return
	}
	s.probing = true
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		d, err := s.deps.Prober.Probe(s.ctx)
		s.post(func() {
			s.probing = false
			if s.agg.ApplyLatency(d, err) {
				s.logger.Debug("qoewatch: latency measured", "latency_ms", s.agg.Latency())
			} else {
				s.logger.Warn("qoewatch: latency probe failed, keeping last value",
					"latency_ms", s.agg.Latency(), "error", err)
			}
		})
	}()
}

func (s *Session) onWarning(stall time.Duration, videoTime float64) {
	s.deps.Recorder.FreezeWarning(s.ctx, s.id, stall, videoTime)
}

// post queues fn for the tick goroutine, or drops it if the session has
// finalized.
func (s *Session) post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.discarded++
		return
	}
	s.inbox = append(s.inbox, fn)
}

func (s *Session) drain() {
	s.mu.Lock()
	queued := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	for i, fn := range queued {
		fn()
		if s.state != stateRunning {
			s.mu.Lock()
			s.discarded += len(queued) - i - 1
			s.mu.Unlock()
			return
		}
	}
}
