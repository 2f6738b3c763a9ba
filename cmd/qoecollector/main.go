// Command qoecollector receives qoewatch live snapshots and session
// exports and stores them in SQLite.
//
// Usage:
//
//	qoecollector -addr :8080 -db qoe_collector.db
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/qoewatch/collector"
	"github.com/hazyhaar/qoewatch/dbopen"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dbPath := flag.String("db", "qoe_collector.db", "SQLite database path")
	maxBody := flag.Int64("max-body", collector.DefaultMaxBody, "request body limit in bytes")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *addr, *dbPath, *maxBody); err != nil {
		logger.Error("qoecollector: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, addr, dbPath string, maxBody int64) error {
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := collector.New(db, collector.WithLogger(logger), collector.WithMaxBody(maxBody))
	if err != nil {
		return err
	}
	c.StartReloaders(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("qoecollector: listening", "addr", addr, "db", dbPath)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("qoecollector: shutting down")
	return srv.Shutdown(shutdownCtx)
}
