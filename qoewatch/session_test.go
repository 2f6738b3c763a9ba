package qoewatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/qoewatch/dbopen"
	"github.com/hazyhaar/qoewatch/idgen"
	"github.com/hazyhaar/qoewatch/observability"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/clock"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/export"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/outbox"
	"github.com/hazyhaar/qoewatch/qoewatch/playback"
	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

const tick = 20 * time.Millisecond

func noFaultConfig() *Config {
	cfg := DefaultConfig()
	off := false
	cfg.Fault.Enabled = &off
	return cfg
}

type fixture struct {
	sim     *playback.Simulator
	clk     *clock.Manual
	session *Session
}

func newFixture(t *testing.T, cfg *Config, sim playback.SimConfig, deps Deps) *fixture {
	t.Helper()
	if sim.URL == "" {
		sim.URL = "http://video.test/clip.mp4"
	}
	f := &fixture{sim: playback.NewSimulator(sim), clk: clock.NewManual(0)}
	deps.Player = f.sim
	deps.Compositor = f.sim
	deps.Device = playback.NewStaticDevice(playback.DeviceInfo{
		Name: "test-headset", EyeWidth: 1832, EyeHeight: 1920, FOV: 90, TargetFramerate: 72,
	})
	deps.Clock = f.clk
	if deps.IDs == nil {
		deps.IDs = idgen.Sequence("ses_")
	}
	f.session = NewSession(cfg, deps)
	return f
}

// ticks advances the clock by n ticks, settling probes before each.
func (f *fixture) ticks(n int) {
	for range n {
		f.session.Settle()
		f.clk.Advance(tick)
		f.session.Tick(context.Background())
	}
}

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func allFreezes(snaps []record.Snapshot) []record.FreezeInterval {
	var out []record.FreezeInterval
	for _, s := range snaps {
		out = append(out, s.Freezes...)
	}
	return out
}

func TestSession_NetworkStallRecordedOnce(t *testing.T) {
	f := newFixture(t, noFaultConfig(), playback.SimConfig{
		Length: 10,
		Stalls: []playback.Stall{{At: 4.0, Duration: 1200 * time.Millisecond}},
	}, Deps{})
	f.session.Start(context.Background())
	f.ticks(400) // 8s

	freezes := allFreezes(f.session.Snapshots())
	if len(freezes) != 1 {
		t.Fatalf("freezes: got %d, want 1 (%+v)", len(freezes), freezes)
	}
	iv := freezes[0]
	if iv.Start != 4.0 {
		t.Fatalf("start: got %v, want 4.0", iv.Start)
	}
	if !near(iv.Duration, 1.2, 0.06) {
		t.Fatalf("duration: got %v, want ~1.2", iv.Duration)
	}
	if iv.Duration != iv.End-iv.Start {
		t.Fatalf("duration %v != end-start %v", iv.Duration, iv.End-iv.Start)
	}
}

func TestSession_NearbyStallsBothRecorded(t *testing.T) {
	cfg := noFaultConfig()
	cfg.Session.SnapshotInterval = 3 * time.Second
	f := newFixture(t, cfg, playback.SimConfig{
		Length: 10,
		Stalls: []playback.Stall{
			{At: 2.0, Duration: time.Second},
			{At: 2.6, Duration: 800 * time.Millisecond},
		},
	}, Deps{})
	f.session.Start(context.Background())
	f.ticks(350) // 7s: both stalls close inside the second window

	snaps := f.session.Snapshots()
	if len(snaps) < 2 || len(snaps[1].Freezes) != 2 || len(allFreezes(snaps)) != 2 {
		t.Fatalf("want both freezes in the second snapshot, got %+v", snaps)
	}
	a, b := snaps[1].Freezes[0], snaps[1].Freezes[1]
	if a.Start != 2.0 || !near(a.Duration, 1.0, 0.06) {
		t.Fatalf("first freeze: %+v", a)
	}
	if a.Overlaps(b) || b.Start != a.End {
		t.Fatalf("second freeze not clamped after the first: %+v %+v", a, b)
	}
	if b.Duration <= 0 || b.Duration != b.End-b.Start {
		t.Fatalf("second freeze: %+v", b)
	}
}

func TestSession_SnapshotCadenceAndStartDelay(t *testing.T) {
	f := newFixture(t, noFaultConfig(), playback.SimConfig{
		Length:       30,
		StartupDelay: 500 * time.Millisecond,
	}, Deps{})
	f.session.Start(context.Background())
	f.ticks(150) // 3s

	snaps := f.session.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("snapshots: got %d, want 3", len(snaps))
	}
	// First Step at 20ms anchors the simulator; ready 500ms later.
	if !near(snaps[0].VideoStartDelay, 0.52, 1e-9) {
		t.Fatalf("start delay: got %v, want 0.52", snaps[0].VideoStartDelay)
	}
	if snaps[0].NetworkLatency != record.Unknown {
		t.Fatalf("latency without prober: got %v, want Unknown", snaps[0].NetworkLatency)
	}
	if snaps[0].DeviceName != "test-headset" || snaps[0].EyeResolution != "1832x1920" {
		t.Fatalf("device fields: %+v", snaps[0])
	}
	if snaps[1].CapturedAt-snaps[0].CapturedAt != 1000 {
		t.Fatalf("capturedAt spacing: got %d ms", snaps[1].CapturedAt-snaps[0].CapturedAt)
	}
}

func TestSession_EndedFinalizesAndExports(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(outbox.Schema))
	var (
		mu   sync.Mutex
		got  []SessionExport
		live int
	)
	cb := NewCallbackSink(
		func(context.Context, record.Snapshot) error {
			mu.Lock()
			live++
			mu.Unlock()
			return nil
		},
		func(_ context.Context, exp SessionExport) error {
			mu.Lock()
			got = append(got, exp)
			mu.Unlock()
			return nil
		})
	exp := export.New(export.Config{Live: cb, Session: cb, Outbox: outbox.New(db)})

	cfg := noFaultConfig()
	cfg.Session.LiveExport = true
	f := newFixture(t, cfg, playback.SimConfig{Length: 3}, Deps{Exporter: exp})
	f.session.Start(context.Background())
	f.ticks(200)

	if !f.session.Finalized() {
		t.Fatal("session not finalized after video ended")
	}
	res, err := f.session.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Persisted || !res.Sent {
		t.Fatalf("result: %+v", res)
	}
	snaps := f.session.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("snapshots: got %d, want 3", len(snaps))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("session exports: got %d, want 1", len(got))
	}
	if string(got[0].Body) != string(record.EncodeCSV(snaps)) {
		t.Fatal("exported body differs from history CSV")
	}
	if live != len(snaps) {
		t.Fatalf("live snapshots: got %d, want %d", live, len(snaps))
	}
}

func TestSession_FinalizeOnce(t *testing.T) {
	f := newFixture(t, noFaultConfig(), playback.SimConfig{Length: 30}, Deps{})
	f.session.Start(context.Background())
	f.ticks(60)

	f.session.Finalize(context.Background())
	n := len(f.session.Snapshots())
	f.session.Finalize(context.Background())
	f.ticks(100)

	if got := len(f.session.Snapshots()); got != n {
		t.Fatalf("snapshots after finalize: got %d, want %d", got, n)
	}
	if _, err := f.session.Wait(); err != nil {
		t.Fatalf("Wait without exporter: %v", err)
	}
}

func TestSession_WaitBeforeStart(t *testing.T) {
	s := NewSession(nil, Deps{})
	if _, err := s.Wait(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Wait: got %v, want ErrNotStarted", err)
	}
}

type scriptedProber struct {
	mu      sync.Mutex
	results []error
	latency time.Duration
	calls   int
}

func (p *scriptedProber) Probe(context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.results) && p.results[i] != nil {
		return 0, p.results[i]
	}
	return p.latency, nil
}

func TestSession_ProbeFailureKeepsLastValue(t *testing.T) {
	cfg := noFaultConfig()
	cfg.Probe.Interval = time.Second
	p := &scriptedProber{latency: 42 * time.Millisecond, results: []error{nil, errors.New("timeout"), errors.New("refused")}}
	f := newFixture(t, cfg, playback.SimConfig{Length: 30}, Deps{Prober: p})
	f.session.Start(context.Background())
	f.ticks(200) // 4s, 4 probes

	if got := f.session.Latency(); got != 42 {
		t.Fatalf("latency: got %v, want 42", got)
	}
	for _, s := range f.session.Snapshots() {
		if s.NetworkLatency != 42 {
			t.Fatalf("snapshot %s latency: got %v, want 42", s.ID, s.NetworkLatency)
		}
	}
}

type blockingProber struct {
	release chan struct{}
}

func (p *blockingProber) Probe(context.Context) (time.Duration, error) {
	<-p.release
	return 5 * time.Millisecond, nil
}

func TestSession_LateProbeDiscarded(t *testing.T) {
	p := &blockingProber{release: make(chan struct{})}
	f := newFixture(t, noFaultConfig(), playback.SimConfig{Length: 30}, Deps{Prober: p})
	f.session.Start(context.Background())
	for range 10 {
		f.clk.Advance(tick)
		f.session.Tick(context.Background())
	}

	f.session.Finalize(context.Background())
	close(p.release)
	f.session.Settle()

	if got := f.session.Discarded(); got != 1 {
		t.Fatalf("discarded: got %d, want 1", got)
	}
	if got := f.session.Latency(); got != record.Unknown {
		t.Fatalf("latency after late result: got %v, want Unknown", got)
	}
}

func TestSession_SeekCountsBufferingWithoutFreeze(t *testing.T) {
	f := newFixture(t, noFaultConfig(), playback.SimConfig{Length: 30}, Deps{})
	f.session.Start(context.Background())
	f.ticks(100)
	f.sim.Seek(0.5)
	f.ticks(100)

	snaps := f.session.Snapshots()
	last := snaps[len(snaps)-1]
	if last.BufferingCount != 1 {
		t.Fatalf("buffering count: got %d, want 1", last.BufferingCount)
	}
	if n := len(allFreezes(snaps)); n != 0 {
		t.Fatalf("freezes after seek: got %d, want 0", n)
	}
}

func TestSession_PauseIsNotAFreeze(t *testing.T) {
	f := newFixture(t, noFaultConfig(), playback.SimConfig{Length: 30}, Deps{})
	f.session.Start(context.Background())
	f.ticks(50)
	f.sim.Pause()
	f.ticks(150)
	f.sim.Play()
	f.ticks(50)

	if n := len(allFreezes(f.session.Snapshots())); n != 0 {
		t.Fatalf("freezes during pause: got %d, want 0", n)
	}
}

func TestSession_FaultAttributedAsFreeze(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fault.MinInterval, cfg.Fault.MaxInterval = 2*time.Second, 2*time.Second
	cfg.Fault.MinDuration, cfg.Fault.MaxDuration = 3*time.Second, 3*time.Second
	f := newFixture(t, cfg, playback.SimConfig{Length: 30}, Deps{})
	f.session.Start(context.Background())
	f.ticks(350) // 7s

	freezes := allFreezes(f.session.Snapshots())
	if len(freezes) != 1 {
		t.Fatalf("freezes: got %d, want 1 (%+v)", len(freezes), freezes)
	}
	if !near(freezes[0].Duration, 3.0, 0.1) {
		t.Fatalf("fault freeze duration: got %v, want ~3.0", freezes[0].Duration)
	}
	if next := f.session.FaultSchedule().NextFire; next <= 5*time.Second {
		t.Fatalf("next fire not rescheduled after completion: %v", next)
	}
}

func TestSession_FinalizeAbortsActiveFault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fault.MinInterval, cfg.Fault.MaxInterval = time.Second, time.Second
	f := newFixture(t, cfg, playback.SimConfig{Length: 30}, Deps{})
	f.session.Start(context.Background())
	f.ticks(60) // fault fired at 1s

	if !f.session.FaultSchedule().Active {
		t.Fatal("fault not active")
	}
	f.session.Finalize(context.Background())
	if !f.sim.IsPlaying() {
		t.Fatal("playback left paused after finalize")
	}
	if f.sim.ShowingStill() {
		t.Fatal("still image left on screen after finalize")
	}
}

func TestSession_FreezeWarningEvent(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	el := observability.NewEventLogger(db)
	rec := observability.NewRecorder(nil, el)
	defer rec.Close()

	f := newFixture(t, noFaultConfig(), playback.SimConfig{
		Length: 30,
		Stalls: []playback.Stall{{At: 1.0, Duration: 2500 * time.Millisecond}},
	}, Deps{Recorder: rec})
	f.session.Start(context.Background())
	f.ticks(250)
	rec.Sync()

	n, err := el.CountEvents(context.Background(), observability.EventFreezeWarning, f.session.ID())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("freeze warnings: got %d, want 1", n)
	}
	if got := len(allFreezes(f.session.Snapshots())); got != 1 {
		t.Fatalf("warning changed accounting: got %d freezes, want 1", got)
	}
}

func TestSession_TickDoesNotWaitOnObservabilityDB(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	el := observability.NewEventLogger(db)
	mm := observability.NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()
	rec := observability.NewRecorder(mm, el)
	defer rec.Close()

	f := newFixture(t, noFaultConfig(), playback.SimConfig{
		Length: 30,
		Stalls: []playback.Stall{{At: 1.0, Duration: 2500 * time.Millisecond}},
	}, Deps{Recorder: rec})
	f.session.Start(context.Background())

	// Hold the only connection so every observability write waits.
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.ticks(350)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		conn.Close()
		t.Fatal("ticks blocked on the observability database")
	}
	conn.Close()

	rec.Sync()
	n, err := el.CountEvents(context.Background(), observability.EventFreezeWarning, f.session.ID())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("freeze warnings after release: got %d, want 1", n)
	}
}

func TestRunVirtual_EndsWithVideo(t *testing.T) {
	sim := playback.NewSimulator(playback.SimConfig{URL: "http://video.test/a.mp4", Length: 5})
	s := NewSession(noFaultConfig(), Deps{Player: sim, Compositor: sim, IDs: idgen.Sequence("ses_")})

	clk := NewManualClock()
	if _, err := RunVirtual(context.Background(), s, clk, tick, time.Minute); err != nil {
		t.Fatalf("RunVirtual: %v", err)
	}
	if !s.Finalized() {
		t.Fatal("not finalized")
	}
	if clk.Now() > 6*time.Second {
		t.Fatalf("ran past the end of the video: %v", clk.Now())
	}
	if got := len(s.Snapshots()); got != 5 {
		t.Fatalf("snapshots: got %d, want 5", got)
	}
}

func TestRunVirtual_LimitFinalizes(t *testing.T) {
	sim := playback.NewSimulator(playback.SimConfig{Length: 600})
	s := NewSession(noFaultConfig(), Deps{Player: sim})

	if _, err := RunVirtual(context.Background(), s, NewManualClock(), tick, 2*time.Second); err != nil {
		t.Fatalf("RunVirtual: %v", err)
	}
	if !s.Finalized() {
		t.Fatal("limit reached without finalize")
	}
}
