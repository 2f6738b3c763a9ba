// Package aggregate assembles periodic Snapshots from the collaborators
// and the measurement state shared by the detector, the prober and the
// player event handlers, and appends them to the session History.
package aggregate

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hazyhaar/qoewatch/idgen"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/probe"
	"github.com/hazyhaar/qoewatch/qoewatch/playback"
	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// Config configures an Aggregator.
type Config struct {
	SessionID string
	// IDs generates snapshot IDs. Default: idgen.Default.
	IDs    idgen.Generator
	Logger *slog.Logger
}

// Sources are the read-only inputs of a capture. Any of them may be nil.
type Sources struct {
	Player playback.Player
	Device playback.Device
	// StallTime is the detector's current stall timer.
	StallTime func() time.Duration
}

// Aggregator owns the pending freeze list and the counters folded into
// every snapshot. Owned by the session tick; not safe for concurrent use.
type Aggregator struct {
	cfg     Config
	src     Sources
	history *record.History

	pending    []record.FreezeInterval
	buffering  int
	startDelay float64
	latency    probe.Latency
	rejected   int
	clamped    int

	// End of the last accepted interval on the current timeline.
	lastEnd float64
	hasLast bool
}

// New creates an Aggregator with a fresh History.
func New(cfg Config, src Sources) *Aggregator {
	if cfg.IDs == nil {
		cfg.IDs = idgen.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		cfg:        cfg,
		src:        src,
		history:    record.NewHistory(cfg.SessionID),
		startDelay: record.Unknown,
		latency:    probe.NewLatency(),
	}
}

// History returns the session history.
func (a *Aggregator) History() *record.History { return a.history }

// AddFreeze queues a closed interval for the next capture. Malformed
// intervals are rejected. An interval starting before the end of the
// previous one (stall time runs on the wall clock, start on the video
// timeline) is clamped to start there, so recorded intervals never
// overlap and none is lost.
func (a *Aggregator) AddFreeze(iv record.FreezeInterval) error {
	if err := iv.Validate(); err != nil {
		a.rejected++
		return fmt.Errorf("aggregate: add freeze: %w", err)
	}
	if a.hasLast && iv.Start < a.lastEnd {
		start := a.lastEnd
		end := max(iv.End, start)
		a.cfg.Logger.Debug("aggregate: freeze clamped to previous end",
			"start", iv.Start, "clamped_start", start, "end", end)
		iv = record.FreezeInterval{Start: start, End: end, Duration: end - start}
		a.clamped++
	}
	a.pending = append(a.pending, iv)
	a.lastEnd, a.hasLast = iv.End, true
	return nil
}

// ResetTimeline forgets the last interval end. Called after a seek,
// where the video timeline jumps and later freezes may start earlier.
func (a *Aggregator) ResetTimeline() { a.hasLast = false }

// Clamped returns the number of intervals shifted by AddFreeze.
func (a *Aggregator) Clamped() int { return a.clamped }

// Pending returns the number of queued intervals.
func (a *Aggregator) Pending() int { return len(a.pending) }

// Rejected returns the number of intervals refused by AddFreeze.
func (a *Aggregator) Rejected() int { return a.rejected }

// IncBuffering counts one buffering event (seek completion).
func (a *Aggregator) IncBuffering() { a.buffering++ }

// BufferingCount returns the buffering event count.
func (a *Aggregator) BufferingCount() int { return a.buffering }

// SetStartDelay records the start-up delay once; later calls are ignored.
func (a *Aggregator) SetStartDelay(d time.Duration) bool {
	if a.startDelay != record.Unknown || d < 0 {
		return false
	}
	a.startDelay = d.Seconds()
	return true
}

// ApplyLatency folds in a probe result; failures keep the last value.
func (a *Aggregator) ApplyLatency(d time.Duration, err error) bool {
	return a.latency.Apply(d, err)
}

// Latency returns the latency estimate in ms (record.Unknown if never measured).
func (a *Aggregator) Latency() float64 { return a.latency.Value() }

// Capture builds one snapshot at wall time at and appends it to the
// history. It never fails: unavailable fields take their zero value or
// sentinel, and the pending freeze list is swapped out and cleared.
func (a *Aggregator) Capture(at time.Time) record.Snapshot {
	s := record.Snapshot{
		ID:              a.cfg.IDs(),
		SessionID:       a.cfg.SessionID,
		CapturedAt:      at.UnixMilli(),
		EyeResolution:   record.Resolution(0, 0),
		VideoResolution: record.Resolution(0, 0),
		VideoStartDelay: a.startDelay,
		BufferingCount:  a.buffering,
		NetworkLatency:  a.latency.Value(),
	}

	if d := a.src.Device; d != nil {
		s.DeviceName = d.Name()
		s.EyeResolution = record.Resolution(d.EyeResolution())
		s.FOV = finite(d.FOV())
		s.TargetFramerate = d.TargetFramerate()
		if mr, ok := d.(playback.ModelReporter); ok {
			if m, ok := mr.Model(); ok {
				s.DeviceModel = m
			}
		}
	}

	if p := a.src.Player; p != nil {
		s.VideoURL = p.URL()
		if p.IsPrepared() {
			s.VideoResolution = record.Resolution(p.Resolution())
			s.VideoLength = finite(p.Length())
			s.VideoTime = finite(p.Time())
			s.VideoFrameRate = finite(p.FrameRate())
			s.VideoFrameCount = p.FrameCount()
			if f := p.Frame(); f > 0 {
				s.VideoFinalFrame = uint64(f)
			}
		}
	}

	if a.src.StallTime != nil {
		s.FreezeTime = a.src.StallTime().Seconds()
	}

	s.Freezes = a.pending
	a.pending = nil

	if err := a.history.Append(s); err != nil {
		a.cfg.Logger.Warn("aggregate: snapshot not recorded",
			"session_id", a.cfg.SessionID, "error", err)
	}
	return s
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
