package fault

import (
	"errors"
	"testing"
	"time"
)

type fakePlayer struct {
	prepared, playing bool
	pauses, plays     int
}

func (p *fakePlayer) IsPrepared() bool { return p.prepared }
func (p *fakePlayer) IsPlaying() bool  { return p.playing }
func (p *fakePlayer) Pause()           { p.playing = false; p.pauses++ }
func (p *fakePlayer) Play()            { p.playing = true; p.plays++ }

type fakeCompositor struct {
	captureErr error
	still      bool
}

func (c *fakeCompositor) CaptureStill() error { return c.captureErr }
func (c *fakeCompositor) ShowStill()          { c.still = true }
func (c *fakeCompositor) ShowLive()           { c.still = false }

const tick = 20 * time.Millisecond

func newInjector(t *testing.T, seed uint64) (*Injector, *fakePlayer, *fakeCompositor) {
	t.Helper()
	p := &fakePlayer{prepared: true, playing: true}
	c := &fakeCompositor{}
	return New(Config{Enabled: true, Seed: seed}, p, c), p, c
}

func TestStart_ScheduleWithinBounds(t *testing.T) {
	for seed := uint64(1); seed <= 50; seed++ {
		in, _, _ := newInjector(t, seed)
		in.Start(time.Second)
		s := in.Schedule()
		if s.NextFire < 6*time.Second || s.NextFire > 16*time.Second {
			t.Fatalf("seed %d: NextFire = %v, want in [6s,16s]", seed, s.NextFire)
		}
		if s.PlannedDuration < 2*time.Second || s.PlannedDuration > 4*time.Second {
			t.Fatalf("seed %d: PlannedDuration = %v, want in [2s,4s]", seed, s.PlannedDuration)
		}
		if s.Active {
			t.Fatalf("seed %d: active before firing", seed)
		}
	}
}

func TestTick_HoldNeverExceedsPlannedPlusOneTick(t *testing.T) {
	in, p, c := newInjector(t, 7)
	in.Start(0)

	var (
		firedAt time.Duration
		planned time.Duration
		fired   bool
	)
	for now := time.Duration(0); now < 60*time.Second; now += tick {
		switch in.Tick(now) {
		case Fired:
			fired = true
			firedAt = now
			planned = in.Schedule().PlannedDuration
			if p.playing || !c.still {
				t.Fatal("fired without pausing behind a still")
			}
		case Completed:
			held := now - firedAt
			if held < planned || held > planned+tick {
				t.Fatalf("held %v, want planned %v within one tick", held, planned)
			}
			if !p.playing || c.still {
				t.Fatal("completion did not restore live playback")
			}
			next := in.Schedule().NextFire
			if next <= now {
				t.Fatalf("NextFire %v not after completion at %v", next, now)
			}
		}
	}
	if !fired {
		t.Fatal("no injection in 60s")
	}
	if in.Injected() < 2 {
		t.Fatalf("injected %d, want at least 2 in 60s", in.Injected())
	}
	if p.pauses != p.plays && p.pauses != p.plays+1 {
		t.Fatalf("pauses %d, plays %d", p.pauses, p.plays)
	}
}

func TestTick_CaptureFailureDoesNotPause(t *testing.T) {
	in, p, c := newInjector(t, 3)
	c.captureErr = errors.New("render target unavailable")
	in.Start(0)
	fire := in.Schedule().NextFire

	if tr := in.Tick(fire); tr != CaptureFailed {
		t.Fatalf("transition = %v, want capture_failed", tr)
	}
	if p.pauses != 0 || !p.playing {
		t.Fatal("playback paused after capture failure")
	}
	if in.Active() {
		t.Fatal("active after capture failure")
	}
	if next := in.Schedule().NextFire; next <= fire {
		t.Fatalf("not rescheduled: NextFire %v", next)
	}
	if in.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", in.Failed())
	}
}

func TestTick_WaitsForPlayback(t *testing.T) {
	in, p, _ := newInjector(t, 4)
	p.playing = false
	in.Start(0)
	fire := in.Schedule().NextFire

	if tr := in.Tick(fire + time.Second); tr != None {
		t.Fatalf("fired while paused: %v", tr)
	}
	p.playing = true
	if tr := in.Tick(fire + 2*time.Second); tr != Fired {
		t.Fatalf("transition = %v, want fired once playing", tr)
	}
}

func TestAbort_ResumesPlayback(t *testing.T) {
	in, p, c := newInjector(t, 5)
	in.Start(0)
	in.Tick(in.Schedule().NextFire)
	if !in.Active() {
		t.Fatal("expected active fault")
	}
	if !in.Abort() {
		t.Fatal("Abort reported no active episode")
	}
	if !p.playing || c.still || in.Active() {
		t.Fatal("Abort did not restore playback")
	}
	if tr := in.Tick(time.Hour); tr != None {
		t.Fatalf("tick after abort: %v", tr)
	}
}

func TestDisabled_NeverFires(t *testing.T) {
	p := &fakePlayer{prepared: true, playing: true}
	in := New(Config{Seed: 1}, p, &fakeCompositor{})
	in.Start(0)
	for now := time.Duration(0); now < time.Minute; now += time.Second {
		if tr := in.Tick(now); tr != None {
			t.Fatalf("disabled injector fired: %v", tr)
		}
	}
}

func TestSeed_Reproducible(t *testing.T) {
	a, _, _ := newInjector(t, 42)
	b, _, _ := newInjector(t, 42)
	a.Start(0)
	b.Start(0)
	if a.Schedule() != b.Schedule() {
		t.Fatalf("schedules differ: %+v vs %+v", a.Schedule(), b.Schedule())
	}
}

func TestMaxEpisodes_Disarms(t *testing.T) {
	p := &fakePlayer{prepared: true, playing: true}
	c := &fakeCompositor{}
	in := New(Config{
		Enabled:     true,
		MinInterval: time.Second, MaxInterval: time.Second,
		MinDuration: time.Second, MaxDuration: time.Second,
		MaxEpisodes: 1,
	}, p, c)
	in.Start(0)

	for now := tick; now <= 10*time.Second; now += tick {
		in.Tick(now)
	}
	if in.Injected() != 1 {
		t.Fatalf("injected: got %d, want 1", in.Injected())
	}
	if p.pauses != 1 || p.plays != 1 || !p.playing {
		t.Fatalf("player: pauses %d plays %d playing %v", p.pauses, p.plays, p.playing)
	}
	if in.Schedule().NextFire <= 2*time.Second {
		t.Fatalf("next fire not rescheduled: %v", in.Schedule().NextFire)
	}
}
