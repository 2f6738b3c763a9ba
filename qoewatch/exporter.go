package qoewatch

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/qoewatch/qoewatch/internal/export"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/outbox"
	"github.com/hazyhaar/qoewatch/qoewatch/internal/probe"
)

// Exporter delivers live snapshots and persists-then-sends session exports.
type Exporter = export.Exporter

// ExporterConfig configures an Exporter.
type ExporterConfig = export.Config

// Outbox is the durable store of session exports.
type Outbox = outbox.Store

// NewExporter creates an Exporter.
func NewExporter(cfg ExporterConfig) *Exporter {
	return export.New(cfg)
}

// OpenOutbox opens (or creates) the SQLite outbox at path.
func OpenOutbox(path string) (*Outbox, error) {
	return outbox.Open(path)
}

// Prober measures HEAD round trips to a URL.
type Prober = probe.Prober

// NewProber creates a latency prober for url.
func NewProber(url string, timeout time.Duration, logger *slog.Logger) *Prober {
	return probe.New(url, probe.WithTimeout(timeout), probe.WithLogger(logger))
}
