package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/qoewatch/idgen"
	"github.com/hazyhaar/qoewatch/kit"
)

var newTraceID = idgen.Short(8)

// TraceID tags each request with a fresh trace ID (also echoed in the
// X-Trace-ID response header) and a per-request logger. X-Request-ID and
// X-Session-ID, when sent by the monitor, are carried in the kit context
// and on every log line of the request.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := newTraceID()
		ctx := kit.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		attrs := []any{
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_ip", ExtractIP(r),
		}
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = kit.WithRequestID(ctx, id)
			attrs = append(attrs, "request_id", id)
		}
		if id := r.Header.Get("X-Session-ID"); id != "" {
			ctx = kit.WithSessionID(ctx, id)
			attrs = append(attrs, "session_id", id)
		}
		logger := slog.Default().With(attrs...)
		logger.Debug("shield: request")

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, LoggerKey, logger)))
	})
}

// GetLogger returns the per-request logger, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
