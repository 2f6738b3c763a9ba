package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// Router delivers every record to all of its sinks. A failing sink is
// logged and does not stop delivery to the others; the returned error
// joins all failures.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) SendSnapshot(ctx context.Context, snap record.Snapshot) error {
	return r.each(func(s Sink) error { return s.SendSnapshot(ctx, snap) },
		"sink: snapshot delivery failed", "snapshot_id", snap.ID)
}

func (r *Router) SendSession(ctx context.Context, exp SessionExport) error {
	return r.each(func(s Sink) error { return s.SendSession(ctx, exp) },
		"sink: session delivery failed", "session_id", exp.SessionID, "export_id", exp.ID)
}

func (r *Router) Close() error {
	return r.each(Sink.Close, "sink: close failed")
}

func (r *Router) each(fn func(Sink) error, msg string, attrs ...any) error {
	var errs []error
	for i, s := range r.sinks {
		if err := fn(s); err != nil {
			r.logger.Warn(msg, append(attrs, "sink", i, "error", err)...)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
