// Package clock provides the single logical timeline that drives the
// monitoring core: a monotonic clock, fixed-rate cadences evaluated on
// each tick, and the loop that produces ticks.
package clock

import (
	"context"
	"time"
)

// Clock returns monotonic time elapsed since the clock's origin.
type Clock interface {
	Now() time.Duration
}

// Real is a wall clock anchored at its creation (monotonic reading).
type Real struct {
	origin time.Time
}

// NewReal creates a Real clock starting at zero now.
func NewReal() *Real {
	return &Real{origin: time.Now()}
}

func (r *Real) Now() time.Duration { return time.Since(r.origin) }

// Manual is a clock advanced explicitly. Used by tests and by the
// virtual (fast-forward) run mode. Not safe for concurrent use.
type Manual struct {
	now time.Duration
}

// NewManual creates a Manual clock at t.
func NewManual(t time.Duration) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Duration { return m.now }

// Advance moves the clock forward by d (negative d is ignored).
func (m *Manual) Advance(d time.Duration) {
	if d > 0 {
		m.now += d
	}
}

// Set moves the clock to t. Going backwards is allowed so tests can
// simulate a misbehaving time source.
func (m *Manual) Set(t time.Duration) { m.now = t }

// Cadence is a fixed-rate timer polled from the tick loop. It fires at
// most once per poll: if the loop falls behind, missed fires collapse
// into one and the schedule re-anchors on the current time.
type Cadence struct {
	interval time.Duration
	next     time.Duration
	armed    bool
}

// NewCadence creates a disarmed cadence. A non-positive interval never fires.
func NewCadence(interval time.Duration) *Cadence {
	return &Cadence{interval: interval}
}

// Start arms the cadence; the first fire is one interval after now.
func (c *Cadence) Start(now time.Duration) {
	if c.interval <= 0 {
		return
	}
	c.next = now + c.interval
	c.armed = true
}

// Stop disarms the cadence.
func (c *Cadence) Stop() { c.armed = false }

// Due reports whether the cadence fires at now, advancing the schedule.
func (c *Cadence) Due(now time.Duration) bool {
	if !c.armed || now < c.next {
		return false
	}
	c.next += c.interval
	if c.next <= now {
		c.next = now + c.interval
	}
	return true
}

// Next returns the time of the next fire and whether the cadence is armed.
func (c *Cadence) Next() (time.Duration, bool) { return c.next, c.armed }

// Interval returns the configured period.
func (c *Cadence) Interval() time.Duration { return c.interval }

// TickFunc is invoked once per tick with the current time and the time
// elapsed since the previous tick.
type TickFunc func(now, dt time.Duration) (stop bool)

// Drive calls fn every interval using clk for timestamps, until ctx is
// cancelled or fn reports stop. Blocks.
func Drive(ctx context.Context, clk Clock, interval time.Duration, fn TickFunc) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := clk.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := clk.Now()
			dt := now - last
			last = now
			if fn(now, dt) {
				return nil
			}
		}
	}
}

// Step advances a Manual clock by interval and calls fn, without
// sleeping, until fn reports stop, ctx is cancelled or limit elapses.
func Step(ctx context.Context, clk *Manual, interval, limit time.Duration, fn TickFunc) error {
	end := clk.Now() + limit
	for clk.Now() < end {
		if err := ctx.Err(); err != nil {
			return err
		}
		clk.Advance(interval)
		if fn(clk.Now(), interval) {
			return nil
		}
	}
	return nil
}
