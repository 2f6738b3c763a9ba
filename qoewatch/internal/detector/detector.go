// Package detector implements the freeze state machine: it consumes one
// frame-progress sample per tick and emits a closed FreezeInterval when
// frame progress resumes after a confirmed stall.
package detector

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// Config controls the detector thresholds.
type Config struct {
	// StallThreshold separates a transient stutter from a reportable
	// freeze. A stall must exceed it to open a freeze. Default: 500ms.
	StallThreshold time.Duration
	// WarnThreshold raises OnWarning once per episode. Default: 2s.
	WarnThreshold time.Duration
	// OnWarning is called from the tick when a stall crosses
	// WarnThreshold. Must not block. Optional.
	OnWarning func(stall time.Duration, videoTime float64)
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.StallThreshold <= 0 {
		c.StallThreshold = 500 * time.Millisecond
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sample is one per-tick observation of the playback collaborator.
type Sample struct {
	// Eligible is the guard predicate; see Eligible.
	Eligible  bool
	Frame     int64
	Delta     time.Duration
	VideoTime float64 // seconds on the video timeline
}

// Eligible reports whether a tick should be observed: playback is
// prepared and either advancing or held by an injected fault. Legitimate
// pauses and seeks are therefore never counted as freezes.
func Eligible(prepared, playing, faultActive bool) bool {
	return prepared && (playing || faultActive)
}

// State is the detector's internal state, exposed for inspection.
type State struct {
	LastFrame   int64
	Stall       time.Duration
	Freezing    bool
	FreezeStart float64
}

// Detector is the freeze state machine. Not safe for concurrent use:
// it is owned by the session tick.
type Detector struct {
	cfg Config

	state State
	// videoTime of the last sample that advanced the frame: the moment
	// a subsequent stall began.
	lastAdvance float64
	warned      bool

	emitted int
	dropped int
}

// New creates a Detector.
func New(cfg Config) *Detector {
	cfg.defaults()
	return &Detector{cfg: cfg, state: State{LastFrame: -1}}
}

// Observe advances the state machine by one sample. It returns the
// interval closed by this sample, if any.
func (d *Detector) Observe(s Sample) (record.FreezeInterval, bool) {
	if !s.Eligible {
		return record.FreezeInterval{}, false
	}

	if s.Frame == d.state.LastFrame {
		d.state.Stall += s.Delta
		if !d.state.Freezing && d.state.Stall > d.cfg.StallThreshold {
			d.state.Freezing = true
			d.state.FreezeStart = d.lastAdvance
			d.cfg.Logger.Debug("detector: freeze confirmed",
				"start", d.state.FreezeStart, "stall", d.state.Stall)
		}
		if !d.warned && d.state.Stall > d.cfg.WarnThreshold {
			d.warned = true
			d.cfg.Logger.Warn("detector: long stall",
				"stall", d.state.Stall, "video_time", s.VideoTime)
			if d.cfg.OnWarning != nil {
				d.cfg.OnWarning(d.state.Stall, s.VideoTime)
			}
		}
		return record.FreezeInterval{}, false
	}

	var (
		iv     record.FreezeInterval
		closed bool
	)
	if d.state.Freezing {
		iv = record.NewFreezeInterval(d.state.FreezeStart, d.state.Stall.Seconds())
		if err := iv.Validate(); err != nil {
			d.dropped++
			d.cfg.Logger.Warn("detector: dropped malformed interval",
				"start", iv.Start, "end", iv.End, "error", err)
		} else {
			closed = true
			d.emitted++
			d.cfg.Logger.Info("detector: freeze closed",
				"start", iv.Start, "end", iv.End, "duration", iv.Duration)
		}
	}

	d.state.Freezing = false
	d.state.Stall = 0
	d.state.LastFrame = s.Frame
	d.lastAdvance = s.VideoTime
	d.warned = false
	return iv, closed
}

// StallTime returns the current stall timer (zero while frames advance).
func (d *Detector) StallTime() time.Duration { return d.state.Stall }

// State returns a copy of the current state.
func (d *Detector) State() State { return d.state }

// Reset discards an open episode without emitting it. Called after a
// seek, where the frame discontinuity is not a freeze.
func (d *Detector) Reset(frame int64, videoTime float64) {
	d.state = State{LastFrame: frame}
	d.lastAdvance = videoTime
	d.warned = false
}

// Stats returns the number of emitted and dropped intervals.
func (d *Detector) Stats() (emitted, dropped int) { return d.emitted, d.dropped }
