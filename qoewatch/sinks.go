package qoewatch

import (
	"context"
	"io"
	"log/slog"

	"github.com/hazyhaar/qoewatch/connectivity"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/sink"
	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// Sink is the output interface for live snapshots and session exports.
type Sink = sink.Sink

// SessionExport is a serialized session history handed to a Sink.
type SessionExport = sink.SessionExport

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a sink that POSTs records to url through the
// transport. sessionURL may be empty to reuse url for session exports.
func NewWebhookSink(url, sessionURL string, sender connectivity.Sender, logger *slog.Logger) Sink {
	opts := []sink.WebhookOption{sink.WithWebhookLogger(logger)}
	if sessionURL != "" {
		opts = append(opts, sink.WithSessionURL(sessionURL))
	}
	return sink.NewWebhook(url, sender, opts...)
}

// SnapshotFunc is called for each live snapshot.
type SnapshotFunc = sink.SnapshotFunc

// SessionFunc is called for each session export.
type SessionFunc = sink.SessionFunc

// NewCallbackSink creates an in-process callback sink, with no
// serialisation. Either function may be nil.
func NewCallbackSink(
	onSnapshot func(ctx context.Context, snap record.Snapshot) error,
	onSession func(ctx context.Context, exp SessionExport) error,
) Sink {
	return sink.NewCallback(onSnapshot, onSession)
}

// NewRouterSink fans records out to every sink; one failing sink does
// not stop the others.
func NewRouterSink(logger *slog.Logger, sinks ...Sink) Sink {
	return sink.NewRouter(logger, sinks...)
}
