// Package playback defines the collaborators the monitoring core reads
// from and drives: the video player, the headset device and the visible
// output compositor. Simulator and StaticDevice implement them for the
// CLI and for tests.
package playback

import (
	"fmt"
	"time"
)

// Player is the video playback handle. Queries are cheap and never block.
type Player interface {
	IsPrepared() bool
	IsPlaying() bool
	Pause()
	Play()

	// Frame is the current frame index, -1 before the first frame.
	Frame() int64
	// Time is the current position on the video timeline, in seconds.
	Time() float64
	Length() float64
	FrameRate() float64
	FrameCount() uint64
	Resolution() (width, height int)
	URL() string
}

// Device describes the headset.
type Device interface {
	Name() string
	EyeResolution() (width, height int)
	FOV() float64
	TargetFramerate() int
}

// ModelReporter is implemented by devices that can report a hardware
// model string. Checked at runtime.
type ModelReporter interface {
	Model() (string, bool)
}

// Compositor controls what the viewer sees. Used by fault injection.
type Compositor interface {
	CaptureStill() error
	ShowStill()
	ShowLive()
}

// Stepper is implemented by collaborators that advance with the session
// clock. The session steps them at the start of every tick.
type Stepper interface {
	Step(now time.Duration)
}

// EventKind enumerates player lifecycle events.
type EventKind int

const (
	Ready EventKind = iota + 1
	Ended
	SeekCompleted
	Error
)

func (k EventKind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Ended:
		return "ended"
	case SeekCompleted:
		return "seek_completed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a player lifecycle notification. At is the session clock
// reading when the event occurred.
type Event struct {
	Kind EventKind
	At   time.Duration
	Err  error
}

// EventSource is implemented by players that publish lifecycle events.
// The handler may be invoked from any goroutine.
type EventSource interface {
	OnEvent(func(Event))
}

// DeviceInfo is the static description of a headset.
type DeviceInfo struct {
	Name            string
	Model           string
	EyeWidth        int
	EyeHeight       int
	FOV             float64
	TargetFramerate int
}

// StaticDevice is a Device with fixed properties.
type StaticDevice struct {
	info DeviceInfo
}

// NewStaticDevice creates a StaticDevice.
func NewStaticDevice(info DeviceInfo) *StaticDevice {
	return &StaticDevice{info: info}
}

func (d *StaticDevice) Name() string              { return d.info.Name }
func (d *StaticDevice) EyeResolution() (int, int) { return d.info.EyeWidth, d.info.EyeHeight }
func (d *StaticDevice) FOV() float64              { return d.info.FOV }
func (d *StaticDevice) TargetFramerate() int      { return d.info.TargetFramerate }
func (d *StaticDevice) Model() (string, bool)     { return d.info.Model, d.info.Model != "" }
