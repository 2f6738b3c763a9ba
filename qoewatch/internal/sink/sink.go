// Package sink defines delivery backends for QoE records: live snapshots
// during playback and the session export at the end.
package sink

import (
	"context"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// SessionExport is a serialized session history ready for delivery.
type SessionExport struct {
	ID          string // outbox row ID
	SessionID   string
	ContentType string
	Body        []byte
	Rows        int
}

// Sink is the output interface. Implementations deliver records to
// different backends (stdout, webhook, in-process callback).
type Sink interface {
	SendSnapshot(ctx context.Context, snap record.Snapshot) error
	SendSession(ctx context.Context, exp SessionExport) error
	Close() error
}
