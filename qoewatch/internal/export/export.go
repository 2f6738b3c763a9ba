// Package export serializes QoE records and hands them to the sinks.
// Live snapshots are sent as they are captured. A session export is
// encoded to CSV, persisted to the outbox (and the optional local CSV
// mirror) and only then transmitted; a failed transmission leaves the
// persisted copy pending for Resend.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hazyhaar/qoewatch/qoewatch/internal/outbox"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/sink"
	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// Result describes one session export attempt.
type Result struct {
	ExportID  string
	SessionID string
	Digest    string
	Rows      int
	Bytes     int
	// Persisted is true once the export is in the outbox.
	Persisted bool
	Sent      bool
	Err       error
}

// Config configures an Exporter.
type Config struct {
	// Live receives one message per captured snapshot. Optional.
	Live sink.Sink
	// Session receives the session export. Optional: without it exports
	// are only persisted.
	Session sink.Sink
	// Outbox persists session exports before transmission.
	Outbox *outbox.Store
	// CSVPath, when set, also writes the latest session export there.
	CSVPath string
	Logger  *slog.Logger
}

// Exporter delivers live and session records. Safe for concurrent use
// as long as the sinks are.
type Exporter struct {
	cfg Config
}

// New creates an Exporter.
func New(cfg Config) *Exporter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Exporter{cfg: cfg}
}

// LiveEnabled reports whether live export has a destination.
func (e *Exporter) LiveEnabled() bool { return e.cfg.Live != nil }

// ExportLive sends one snapshot to the live sinks.
func (e *Exporter) ExportLive(ctx context.Context, snap record.Snapshot) error {
	if e.cfg.Live == nil {
		return nil
	}
	if err := e.cfg.Live.SendSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("export: live %s: %w", snap.ID, err)
	}
	return nil
}

// ExportSession encodes, persists and transmits a finalized history.
// Persistence happens before transmission. The returned error is the
// first failure; Result tells which steps succeeded.
func (e *Exporter) ExportSession(ctx context.Context, sessionID string, snaps []record.Snapshot) (Result, error) {
	body := record.EncodeCSV(snaps)
	res := Result{
		SessionID: sessionID,
		Digest:    record.Digest(body),
		Rows:      len(snaps),
		Bytes:     len(body),
	}

	var errs []error
	if e.cfg.Outbox != nil {
		entry, created, err := e.cfg.Outbox.Put(ctx, outbox.Entry{
			SessionID:   sessionID,
			Digest:      res.Digest,
			ContentType: record.CSVContentType,
			Body:        body,
			Rows:        len(snaps),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("export: persist: %w", err))
			e.cfg.Logger.Error("export: session not persisted",
				"session_id", sessionID, "error", err)
		} else {
			res.ExportID = entry.ID
			res.Persisted = true
			if !created && entry.State == outbox.StateSent {
				// Same bytes already delivered.
				res.Sent = true
				return res, nil
			}
		}
	}

	if e.cfg.CSVPath != "" {
		if err := writeFileAtomic(e.cfg.CSVPath, body); err != nil {
			errs = append(errs, fmt.Errorf("export: csv mirror: %w", err))
			e.cfg.Logger.Warn("export: csv mirror failed", "path", e.cfg.CSVPath, "error", err)
		} else {
			res.Persisted = true
		}
	}

	if e.cfg.Session != nil {
		err := e.send(ctx, res.ExportID, sessionID, body, len(snaps))
		if err != nil {
			errs = append(errs, err)
		} else {
			res.Sent = true
		}
	}

	e.cfg.Logger.Info("export: session exported",
		"session_id", sessionID, "export_id", res.ExportID,
		"rows", res.Rows, "bytes", res.Bytes,
		"persisted", res.Persisted, "sent", res.Sent)

	res.Err = errors.Join(errs...)
	return res, res.Err
}

func (e *Exporter) send(ctx context.Context, exportID, sessionID string, body []byte, rows int) error {
	err := e.cfg.Session.SendSession(ctx, sink.SessionExport{
		ID:          exportID,
		SessionID:   sessionID,
		ContentType: record.CSVContentType,
		Body:        body,
		Rows:        rows,
	})
	if e.cfg.Outbox != nil && exportID != "" {
		var markErr error
		if err != nil {
			markErr = e.cfg.Outbox.MarkFailed(ctx, exportID, err)
		} else {
			markErr = e.cfg.Outbox.MarkSent(ctx, exportID)
		}
		if markErr != nil {
			e.cfg.Logger.Warn("export: outbox update failed", "export_id", exportID, "error", markErr)
		}
	}
	if err != nil {
		e.cfg.Logger.Warn("export: session transmission failed, kept for resend",
			"session_id", sessionID, "export_id", exportID, "error", err)
		return fmt.Errorf("export: send session %s: %w", sessionID, err)
	}
	return nil
}

// Resend retransmits pending outbox entries, oldest first. limit <= 0
// means all. It returns how many were sent and how many failed again.
func (e *Exporter) Resend(ctx context.Context, limit int) (sent, failed int, err error) {
	if e.cfg.Outbox == nil {
		return 0, 0, errors.New("export: resend: no outbox")
	}
	if e.cfg.Session == nil {
		return 0, 0, errors.New("export: resend: no session sink")
	}
	pending, err := e.cfg.Outbox.Pending(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("export: resend: %w", err)
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		if err := e.send(ctx, p.ID, p.SessionID, p.Body, p.Rows); err != nil {
			failed++
			continue
		}
		sent++
	}
	e.cfg.Logger.Info("export: resend complete", "sent", sent, "failed", failed)
	return sent, failed, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never see a partial export.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".qoe-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
