package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/qoewatch/connectivity"
	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// Webhook delivers records to a collector through the transport. Live
// snapshots are sent as JSON, session exports as CSV. Retry and circuit
// breaking belong to the transport stack.
type Webhook struct {
	snapshotURL string
	sessionURL  string
	sender      connectivity.Sender
	logger      *slog.Logger
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithSessionURL sends session exports to a different URL. Default: the
// snapshot URL.
func WithSessionURL(url string) WebhookOption {
	return func(w *Webhook) { w.sessionURL = url }
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a Webhook sink targeting url. A nil sender uses
// connectivity.New with defaults.
func NewWebhook(url string, sender connectivity.Sender, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		snapshotURL: url,
		sessionURL:  url,
		sender:      sender,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.sender == nil {
		w.sender = connectivity.New(connectivity.Config{Logger: w.logger})
	}
	return w
}

func (w *Webhook) SendSnapshot(ctx context.Context, snap record.Snapshot) error {
	body, err := record.MarshalSnapshot(&snap)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	if err := w.sender.Send(ctx, connectivity.Message{
		Endpoint:    w.snapshotURL,
		ContentType: record.JSONContentType,
		Body:        body,
		SessionID:   snap.SessionID,
	}); err != nil {
		return fmt.Errorf("webhook: snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (w *Webhook) SendSession(ctx context.Context, exp SessionExport) error {
	ct := exp.ContentType
	if ct == "" {
		ct = record.CSVContentType
	}
	if err := w.sender.Send(ctx, connectivity.Message{
		Endpoint:    w.sessionURL,
		ContentType: ct,
		Body:        exp.Body,
		SessionID:   exp.SessionID,
	}); err != nil {
		return fmt.Errorf("webhook: session %s: %w", exp.SessionID, err)
	}
	w.logger.Debug("webhook: session delivered",
		"session_id", exp.SessionID, "rows", exp.Rows, "url", w.sessionURL)
	return nil
}

func (w *Webhook) Close() error { return nil }
