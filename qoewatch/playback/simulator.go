package playback

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ErrNoFrame is returned by CaptureStill before the first frame is rendered.
var ErrNoFrame = errors.New("playback: no rendered frame")

// Stall is a scripted network stall: when the video reaches At seconds,
// frames stop advancing for Duration while the player keeps "playing".
type Stall struct {
	At       float64
	Duration time.Duration
}

// SimConfig describes the simulated video.
type SimConfig struct {
	URL          string
	Width        int
	Height       int
	Length       float64 // seconds
	FrameRate    float64
	StartupDelay time.Duration
	Stalls       []Stall
	// NoAutoPlay leaves the player paused once prepared.
	NoAutoPlay bool
	Logger     *slog.Logger
}

func (c *SimConfig) defaults() {
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 1920, 1080
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Simulator is a deterministic video player driven by Step. It implements
// Player, Compositor, Stepper and EventSource. Methods are safe for
// concurrent use; events are delivered outside the lock.
type Simulator struct {
	cfg SimConfig

	mu        sync.Mutex
	started   bool
	origin    time.Duration
	last      time.Duration
	prepared  bool
	playing   bool
	ended     bool
	videoTime float64
	stalls    []Stall
	stallLeft time.Duration
	seeked    bool
	still     bool
	showStill bool
	handler   func(Event)
}

// NewSimulator creates a Simulator. Stalls are consumed in At order.
func NewSimulator(cfg SimConfig) *Simulator {
	cfg.defaults()
	stalls := append([]Stall(nil), cfg.Stalls...)
	return &Simulator{cfg: cfg, stalls: stalls}
}

// OnEvent registers the lifecycle event handler.
func (s *Simulator) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Step advances the simulation to now.
func (s *Simulator) Step(now time.Duration) {
	var events []Event

	s.mu.Lock()
	if !s.started {
		s.started = true
		s.origin = now
		s.last = now
	}
	dt := now - s.last
	if dt < 0 {
		dt = 0
	}
	s.last = now

	if !s.prepared && now-s.origin >= s.cfg.StartupDelay {
		s.prepared = true
		s.playing = !s.cfg.NoAutoPlay
		events = append(events, Event{Kind: Ready, At: now})
		dt = 0
	}
	if s.seeked {
		s.seeked = false
		events = append(events, Event{Kind: SeekCompleted, At: now})
	}
	if s.prepared && s.playing && !s.ended {
		s.advance(dt)
		if s.cfg.Length > 0 && s.videoTime >= s.cfg.Length {
			s.videoTime = s.cfg.Length
			s.playing = false
			s.ended = true
			events = append(events, Event{Kind: Ended, At: now})
		}
	}
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		for _, ev := range events {
			h(ev)
		}
	}
}

func (s *Simulator) advance(dt time.Duration) {
	for dt > 0 {
		if s.stallLeft > 0 {
			hold := min(dt, s.stallLeft)
			s.stallLeft -= hold
			dt -= hold
			continue
		}
		step := dt.Seconds()
		if len(s.stalls) > 0 && s.videoTime+step >= s.stalls[0].At-1e-9 {
			// Advance to the stall point, then hold.
			reach := max(s.stalls[0].At-s.videoTime, 0)
			s.videoTime = max(s.videoTime, s.stalls[0].At)
			dt -= time.Duration(reach * float64(time.Second))
			s.stallLeft = s.stalls[0].Duration
			s.cfg.Logger.Debug("playback: network stall", "at", s.stalls[0].At, "duration", s.stalls[0].Duration)
			s.stalls = s.stalls[1:]
			continue
		}
		s.videoTime += step
		dt = 0
	}
}

// Fail publishes a player error event.
func (s *Simulator) Fail(err error) {
	s.mu.Lock()
	h, at := s.handler, s.last
	s.mu.Unlock()
	if h != nil {
		h(Event{Kind: Error, At: at, Err: err})
	}
}

// Seek jumps to t seconds. SeekCompleted is published on the next Step.
func (s *Simulator) Seek(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t < 0 {
		t = 0
	}
	if s.cfg.Length > 0 && t > s.cfg.Length {
		t = s.cfg.Length
	}
	s.videoTime = t
	s.stallLeft = 0
	for len(s.stalls) > 0 && s.stalls[0].At < t {
		s.stalls = s.stalls[1:]
	}
	s.seeked = true
}

func (s *Simulator) IsPrepared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared
}

func (s *Simulator) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Simulator) Pause() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

func (s *Simulator) Play() {
	s.mu.Lock()
	if s.prepared && !s.ended {
		s.playing = true
	}
	s.mu.Unlock()
}

// Ended reports whether playback reached the end.
func (s *Simulator) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Simulator) Frame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return -1
	}
	f := int64(math.Floor(s.videoTime*s.cfg.FrameRate + 1e-9))
	if n := int64(s.frameCount()); n > 0 && f > n-1 {
		f = n - 1
	}
	return f
}

func (s *Simulator) Time() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoTime
}

func (s *Simulator) Length() float64    { return s.cfg.Length }
func (s *Simulator) FrameRate() float64 { return s.cfg.FrameRate }
func (s *Simulator) FrameCount() uint64 { return s.frameCount() }
func (s *Simulator) URL() string        { return s.cfg.URL }

func (s *Simulator) Resolution() (int, int) { return s.cfg.Width, s.cfg.Height }

func (s *Simulator) frameCount() uint64 {
	if s.cfg.Length <= 0 {
		return 0
	}
	return uint64(math.Floor(s.cfg.Length * s.cfg.FrameRate))
}

// CaptureStill snapshots the current frame. Fails before the first frame.
func (s *Simulator) CaptureStill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return ErrNoFrame
	}
	s.still = true
	return nil
}

func (s *Simulator) ShowStill() {
	s.mu.Lock()
	s.showStill = s.still
	s.mu.Unlock()
}

func (s *Simulator) ShowLive() {
	s.mu.Lock()
	s.showStill = false
	s.mu.Unlock()
}

// ShowingStill reports whether the still substitute is visible.
func (s *Simulator) ShowingStill() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.showStill
}
