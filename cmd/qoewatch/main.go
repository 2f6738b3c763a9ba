// Command qoewatch runs one monitored playback session against the
// simulated player and exports its QoE history.
//
// Usage:
//
//	qoewatch -config qoewatch.yaml          # real-time session
//	qoewatch -config qoewatch.yaml -fast    # virtual clock, no sleeping
//	qoewatch -config qoewatch.yaml -resend  # retransmit pending exports and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/qoewatch/connectivity"
	"github.com/hazyhaar/qoewatch/dbopen"
	"github.com/hazyhaar/qoewatch/observability"
	"github.com/hazyhaar/qoewatch/qoewatch"
	"github.com/hazyhaar/qoewatch/qoewatch/playback"
)

func main() {
	configPath := flag.String("config", "", "path to qoewatch.yaml (defaults apply without it)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	fast := flag.Bool("fast", false, "drive the session with a virtual clock")
	limit := flag.Duration("limit", 0, "session time limit for -fast (default: video length + 10s)")
	resend := flag.Bool("resend", false, "retransmit pending session exports and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *fast, *limit, *resend); err != nil {
		logger.Error("qoewatch: fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig(path string) (*qoewatch.Config, error) {
	if path == "" {
		return qoewatch.DefaultConfig(), nil
	}
	return qoewatch.LoadConfigFile(path)
}

func run(ctx context.Context, logger *slog.Logger, configPath string, fast bool, limit time.Duration, resend bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	rec, closeObs, err := openObservability(cfg.Observability.DBPath)
	if err != nil {
		return err
	}
	defer closeObs()

	outbox, err := qoewatch.OpenOutbox(cfg.Export.OutboxPath)
	if err != nil {
		return err
	}
	defer outbox.Close()

	sender := newSender(cfg, rec.Metrics(), logger)
	exporter := qoewatch.NewExporter(qoewatch.ExporterConfig{
		Live:    buildLiveSink(cfg, sender, logger),
		Session: buildSessionSink(cfg, sender, logger),
		Outbox:  outbox,
		CSVPath: cfg.Export.CSVPath,
		Logger:  logger,
	})

	if resend {
		sent, failed, err := exporter.Resend(ctx, 0)
		if err != nil {
			return err
		}
		logger.Info("qoewatch: resend", "sent", sent, "failed", failed)
		if failed > 0 {
			return fmt.Errorf("qoewatch: %d exports still pending", failed)
		}
		return nil
	}

	sim := playback.NewSimulator(simConfig(cfg, logger))
	deps := qoewatch.Deps{
		Player:     sim,
		Compositor: sim,
		Device: playback.NewStaticDevice(playback.DeviceInfo{
			Name:            cfg.Device.Name,
			Model:           cfg.Device.Model,
			EyeWidth:        cfg.Device.EyeWidth,
			EyeHeight:       cfg.Device.EyeHeight,
			FOV:             cfg.Device.FOV,
			TargetFramerate: cfg.Device.TargetFramerate,
		}),
		Exporter: exporter,
		Logger:   logger,
		Recorder: rec,
	}
	if cfg.Probe.URL != "" {
		deps.Prober = qoewatch.NewProber(cfg.Probe.URL, cfg.Probe.Timeout, logger)
	}
	s := qoewatch.NewSession(cfg, deps)

	var res qoewatch.ExportResult
	if fast {
		if limit <= 0 {
			limit = time.Duration(cfg.Video.Length*float64(time.Second)) + cfg.Video.StartupDelay + 10*time.Second
		}
		res, err = qoewatch.RunVirtual(ctx, s, qoewatch.NewManualClock(), cfg.Session.TickInterval, limit)
	} else {
		res, err = qoewatch.Run(ctx, s, cfg.Session.TickInterval)
	}

	logger.Info("qoewatch: session done",
		"session_id", s.ID(),
		"export_id", res.ExportID,
		"rows", res.Rows,
		"persisted", res.Persisted,
		"sent", res.Sent,
	)
	// A transmission failure leaves the export pending in the outbox;
	// only a failure to persist is fatal.
	if err != nil && !res.Persisted {
		return err
	}
	return nil
}

func simConfig(cfg *qoewatch.Config, logger *slog.Logger) playback.SimConfig {
	stalls := make([]playback.Stall, 0, len(cfg.Video.Stalls))
	for _, st := range cfg.Video.Stalls {
		stalls = append(stalls, playback.Stall{At: st.At, Duration: st.Duration})
	}
	return playback.SimConfig{
		URL:          cfg.Video.URL,
		Width:        cfg.Video.Width,
		Height:       cfg.Video.Height,
		Length:       cfg.Video.Length,
		FrameRate:    cfg.Video.FrameRate,
		StartupDelay: cfg.Video.StartupDelay,
		Stalls:       stalls,
		Logger:       logger,
	}
}

func newSender(cfg *qoewatch.Config, mm *observability.MetricsManager, logger *slog.Logger) connectivity.Sender {
	var mws []connectivity.HandlerMiddleware
	if mm != nil {
		mws = append(mws, connectivity.WithObservability(mm))
	}
	return connectivity.New(connectivity.Config{
		Method:           cfg.Export.Method,
		Timeout:          cfg.Export.Timeout,
		Retries:          cfg.Export.Retries,
		BreakerThreshold: cfg.Export.BreakerThreshold,
		BreakerReset:     cfg.Export.BreakerReset,
		Client:           &http.Client{},
		Logger:           logger,
		Middleware:       mws,
	})
}

// buildLiveSink returns nil when no live destination is configured.
func buildLiveSink(cfg *qoewatch.Config, sender connectivity.Sender, logger *slog.Logger) qoewatch.Sink {
	var sinks []qoewatch.Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, qoewatch.NewStdoutSink(os.Stdout))
		case "webhook":
			if sc.URL == "" {
				logger.Warn("qoewatch: webhook sink without url, skipped")
				continue
			}
			sinks = append(sinks, qoewatch.NewWebhookSink(sc.URL, "", sender, logger))
		default:
			logger.Warn("qoewatch: unknown sink type", "type", sc.Type)
		}
	}
	if cfg.Session.LiveExport && cfg.Export.CollectorURL != "" {
		sinks = append(sinks, qoewatch.NewWebhookSink(cfg.Export.CollectorURL, "", sender, logger))
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	}
	return qoewatch.NewRouterSink(logger, sinks...)
}

func buildSessionSink(cfg *qoewatch.Config, sender connectivity.Sender, logger *slog.Logger) qoewatch.Sink {
	if cfg.Export.SessionURL == "" {
		return nil
	}
	return qoewatch.NewWebhookSink(cfg.Export.SessionURL, cfg.Export.SessionURL, sender, logger)
}

// openObservability returns a nil Recorder when path is empty. Recorder
// methods are nil-safe.
func openObservability(path string) (*observability.Recorder, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, err
	}
	if err := observability.Init(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	mm := observability.NewMetricsManager(db, 100, 5*time.Second)
	rec := observability.NewRecorder(mm, observability.NewEventLogger(db))
	return rec, func() {
		rec.Close()
		if err := mm.Close(); err != nil {
			slog.Warn("qoewatch: metrics close", "error", err)
		}
		db.Close()
	}, nil
}
