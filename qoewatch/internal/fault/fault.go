// Package fault schedules synthetic freeze episodes: at a randomized
// time it freezes the visible output on a still frame, pauses playback,
// holds for a randomized duration and then restores live playback.
//
// The hold is polled from the session tick (Tick), never a blocking
// wait, so the freeze detector keeps observing ticks while a fault is
// active.
package fault

import (
	"log/slog"
	"math/rand/v2"
	"time"
)

// Player is the playback handle the injector pauses and resumes.
type Player interface {
	IsPrepared() bool
	IsPlaying() bool
	Pause()
	Play()
}

// Compositor controls what the viewer sees.
type Compositor interface {
	// CaptureStill snapshots the current rendered frame.
	CaptureStill() error
	// ShowStill substitutes the captured still for the live output.
	ShowStill()
	// ShowLive restores the live rendered output.
	ShowLive()
}

// Config controls the injection cadence.
type Config struct {
	Enabled     bool
	MinInterval time.Duration // default 5s
	MaxInterval time.Duration // default 15s
	MinDuration time.Duration // default 2s
	MaxDuration time.Duration // default 4s
	// MaxEpisodes disarms the injector after that many completed
	// episodes. Zero means no limit.
	MaxEpisodes int
	// Seed makes the schedule reproducible. Zero picks a random seed.
	Seed uint64
	// Rand overrides Seed.
	Rand   *rand.Rand
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = max(15*time.Second, c.MinInterval)
	}
	if c.MinDuration <= 0 {
		c.MinDuration = 2 * time.Second
	}
	if c.MaxDuration < c.MinDuration {
		c.MaxDuration = max(4*time.Second, c.MinDuration)
	}
	if c.Rand == nil {
		seed := c.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		c.Rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Schedule is the injector's plan for the next (or current) episode.
type Schedule struct {
	NextFire        time.Duration
	PlannedDuration time.Duration
	Active          bool
}

// Transition is what a Tick did.
type Transition int

const (
	None Transition = iota
	// Fired: a still is shown and playback is paused.
	Fired
	// Completed: playback resumed after the planned duration.
	Completed
	// CaptureFailed: the still could not be captured; playback untouched.
	CaptureFailed
)

func (t Transition) String() string {
	switch t {
	case Fired:
		return "fired"
	case Completed:
		return "completed"
	case CaptureFailed:
		return "capture_failed"
	default:
		return "none"
	}
}

// Injector is the fault state machine. Owned by the session tick.
type Injector struct {
	cfg        Config
	player     Player
	compositor Compositor

	sched    Schedule
	armed    bool
	firedAt  time.Duration
	injected int
	failed   int
}

// New creates an Injector. It does nothing until Start.
func New(cfg Config, player Player, compositor Compositor) *Injector {
	cfg.defaults()
	return &Injector{cfg: cfg, player: player, compositor: compositor}
}

// Start computes the first schedule relative to now.
func (in *Injector) Start(now time.Duration) {
	if !in.cfg.Enabled {
		return
	}
	in.armed = true
	in.reschedule(now)
}

func (in *Injector) reschedule(now time.Duration) {
	in.sched = Schedule{
		NextFire:        now + uniform(in.cfg.Rand, in.cfg.MinInterval, in.cfg.MaxInterval),
		PlannedDuration: uniform(in.cfg.Rand, in.cfg.MinDuration, in.cfg.MaxDuration),
	}
}

// uniform returns a duration in [lo, hi] with millisecond granularity.
func uniform(r *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int64((hi - lo) / time.Millisecond)
	return lo + time.Duration(r.Int64N(span+1))*time.Millisecond
}

// Tick polls the schedule at now.
func (in *Injector) Tick(now time.Duration) Transition {
	if !in.armed {
		return None
	}
	if in.sched.Active {
		if now-in.firedAt < in.sched.PlannedDuration {
			return None
		}
		in.restore()
		held := now - in.firedAt
		in.reschedule(now)
		if in.cfg.MaxEpisodes > 0 && in.injected >= in.cfg.MaxEpisodes {
			in.armed = false
		}
		in.cfg.Logger.Info("fault: injection completed",
			"held", held, "next_fire", in.sched.NextFire, "armed", in.armed)
		return Completed
	}
	if now < in.sched.NextFire {
		return None
	}
	if in.player == nil || !in.player.IsPrepared() || !in.player.IsPlaying() {
		return None
	}
	if in.compositor == nil {
		in.failed++
		in.reschedule(now)
		in.cfg.Logger.Warn("fault: no compositor, injection skipped")
		return CaptureFailed
	}
	if err := in.compositor.CaptureStill(); err != nil {
		in.failed++
		in.reschedule(now)
		in.cfg.Logger.Warn("fault: still capture failed, injection aborted",
			"error", err, "next_fire", in.sched.NextFire)
		return CaptureFailed
	}
	in.compositor.ShowStill()
	in.player.Pause()
	in.sched.Active = true
	in.firedAt = now
	in.injected++
	in.cfg.Logger.Info("fault: injection started",
		"at", now, "planned", in.sched.PlannedDuration)
	return Fired
}

func (in *Injector) restore() {
	in.player.Play()
	in.compositor.ShowLive()
	in.sched.Active = false
}

// Abort ends an active episode immediately, resuming playback. It
// reports whether an episode was active. The injector is disarmed.
func (in *Injector) Abort() bool {
	in.armed = false
	if !in.sched.Active {
		return false
	}
	in.restore()
	in.cfg.Logger.Info("fault: injection aborted")
	return true
}

// Active reports whether a fault is being held. The detector treats
// this time as eligible.
func (in *Injector) Active() bool { return in.sched.Active }

// Schedule returns a copy of the current schedule.
func (in *Injector) Schedule() Schedule { return in.sched }

// Injected returns the number of started episodes.
func (in *Injector) Injected() int { return in.injected }

// Failed returns the number of aborted captures.
func (in *Injector) Failed() int { return in.failed }
