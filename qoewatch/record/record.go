// Package record defines the structured types emitted by qoewatch.
// These are the public contract between the monitoring core, the
// exporters and the collector: any consumer imports this package to
// decode live records or session CSV exports.
package record

import (
	"errors"
	"fmt"
	"math"
)

// Unknown is the sentinel for measurements that were never taken
// (network latency before the first successful probe, start-up delay
// before the player became ready). It is distinct from a stale value.
const Unknown = -1.0

// ErrInvalidInterval is returned by FreezeInterval.Validate.
var ErrInvalidInterval = errors.New("record: invalid freeze interval")

// FreezeInterval is one closed freeze episode on the video timeline.
// All values are seconds. Immutable once created.
type FreezeInterval struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// NewFreezeInterval builds the interval [start, start+stall]. Duration is
// derived from End and Start so that Duration == End - Start holds exactly.
func NewFreezeInterval(start, stall float64) FreezeInterval {
	end := start + stall
	return FreezeInterval{Start: start, End: end, Duration: end - start}
}

// Validate reports whether the interval satisfies end >= start >= 0 and
// duration == end - start with finite values.
func (f FreezeInterval) Validate() error {
	for _, v := range []float64{f.Start, f.End, f.Duration} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidInterval)
		}
	}
	if f.Start < 0 {
		return fmt.Errorf("%w: negative start %v", ErrInvalidInterval, f.Start)
	}
	if f.End < f.Start {
		return fmt.Errorf("%w: end %v before start %v", ErrInvalidInterval, f.End, f.Start)
	}
	if f.Duration != f.End-f.Start {
		return fmt.Errorf("%w: duration %v != end-start %v", ErrInvalidInterval, f.Duration, f.End-f.Start)
	}
	return nil
}

// Overlaps reports whether two intervals share any time.
func (f FreezeInterval) Overlaps(o FreezeInterval) bool {
	return f.Start < o.End && o.Start < f.End
}

// Snapshot is one periodic aggregate of device, playback and freeze
// measurements. Immutable once appended to a History.
type Snapshot struct {
	ID         string `json:"id"` // UUIDv7
	SessionID  string `json:"sessionId"`
	CapturedAt int64  `json:"capturedAt"` // epoch milliseconds

	DeviceName      string  `json:"deviceName"`
	EyeResolution   string  `json:"eyeResolution"` // "WxH"
	FOV             float64 `json:"fov"`
	TargetFramerate int     `json:"targetFramerate"`

	VideoURL        string  `json:"videoUrl"`
	VideoResolution string  `json:"videoResolution"` // "WxH"
	VideoLength     float64 `json:"videoLength"`     // seconds
	VideoTime       float64 `json:"videoTime"`       // seconds
	VideoFrameRate  float64 `json:"videoFrameRate"`
	VideoFrameCount uint64  `json:"videoFrameCount"`
	VideoFinalFrame uint64  `json:"videoFinalFrame"` // current frame index

	FreezeTime      float64 `json:"freezeTime"`      // seconds, current stall timer
	VideoStartDelay float64 `json:"videoStartDelay"` // seconds, Unknown until ready
	BufferingCount  int     `json:"bufferingCount"`
	NetworkLatency  float64 `json:"networkLatency"` // milliseconds, Unknown until first probe

	DeviceModel string           `json:"deviceModel,omitempty"` // optional capability
	Freezes     []FreezeInterval `json:"freezes"`
}

// Resolution formats a width/height pair as "WxH".
func Resolution(w, h int) string {
	return fmt.Sprintf("%dx%d", w, h)
}
