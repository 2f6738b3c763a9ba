// Package shield provides the HTTP middleware of the QoE collector:
// security headers, body limits, request tracing, per-endpoint rate
// limiting and an ingestion maintenance switch. HEAD requests (the
// monitor's latency probe) are routed to GET handlers by chi's GetHead.
//
// Usage:
//
//	r := chi.NewRouter()
//	stack, mm, rl := shield.CollectorStack(db, 8<<20)
//	mm.StartReloader(done)
//	rl.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// CollectorStack returns the standard middleware stack for the collector.
// Order: Maintenance, GetHead, SecurityHeaders, MaxBody, TraceID, RateLimiter.
// Health checks (/healthz) bypass maintenance and rate limiting so the
// latency probe always gets an answer.
func CollectorStack(db *sql.DB, maxBody int64) ([]func(http.Handler) http.Handler, *MaintenanceMode, *RateLimiter) {
	mm := NewMaintenanceMode(db, "/healthz")
	rl := NewRateLimiter(db, "/healthz")
	return []func(http.Handler) http.Handler{
		mm.Middleware,
		middleware.GetHead,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		TraceID,
		rl.Middleware,
	}, mm, rl
}
