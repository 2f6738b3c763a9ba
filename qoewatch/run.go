package qoewatch

import (
	"context"
	"time"

	"github.com/hazyhaar/qoewatch/qoewatch/internal/clock"
)

// Run starts s and ticks it in real time every tickInterval until
// playback ends or ctx is cancelled. A cancelled session is still
// finalized and exported. Run blocks until the export completes.
func Run(ctx context.Context, s *Session, tickInterval time.Duration) (ExportResult, error) {
	s.Start(ctx)
	err := clock.Drive(ctx, s.deps.Clock, tickInterval, func(_, _ time.Duration) bool {
		s.Tick(ctx)
		return s.Finalized()
	})
	if !s.Finalized() {
		s.logger.Info("qoewatch: session interrupted", "error", err)
		s.Finalize(context.WithoutCancel(ctx))
	}
	return s.Wait()
}

// RunVirtual steps a manual clock by tickInterval without sleeping, for
// at most limit of session time. In-flight probes settle before each
// next tick, so network round trips take no session time.
func RunVirtual(ctx context.Context, s *Session, clk *clock.Manual, tickInterval, limit time.Duration) (ExportResult, error) {
	s.deps.Clock = clk
	s.Start(ctx)
	clock.Step(ctx, clk, tickInterval, limit, func(_, _ time.Duration) bool {
		s.Settle()
		s.Tick(ctx)
		return s.Finalized()
	})
	if !s.Finalized() {
		s.Finalize(context.WithoutCancel(ctx))
	}
	return s.Wait()
}

// NewManualClock returns a clock for RunVirtual starting at zero.
func NewManualClock() *clock.Manual { return clock.NewManual(0) }
