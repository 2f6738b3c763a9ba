package sink

import (
	"context"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// SnapshotFunc is called for each live snapshot.
type SnapshotFunc func(ctx context.Context, snap record.Snapshot) error

// SessionFunc is called for each session export.
type SessionFunc func(ctx context.Context, exp SessionExport) error

// Callback delivers records via Go function calls, with no
// serialisation. Used when the collector runs in the same binary, and
// by tests.
type Callback struct {
	onSnapshot SnapshotFunc
	onSession  SessionFunc
}

// NewCallback creates a Callback sink. Either handler may be nil.
func NewCallback(onSnapshot SnapshotFunc, onSession SessionFunc) *Callback {
	return &Callback{onSnapshot: onSnapshot, onSession: onSession}
}

func (c *Callback) SendSnapshot(ctx context.Context, snap record.Snapshot) error {
	if c.onSnapshot != nil {
		return c.onSnapshot(ctx, snap)
	}
	return nil
}

func (c *Callback) SendSession(ctx context.Context, exp SessionExport) error {
	if c.onSession != nil {
		return c.onSession(ctx, exp)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
