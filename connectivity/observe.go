package connectivity

import (
	"context"
	"time"

	"github.com/hazyhaar/qoewatch/observability"
)

// WithObservability returns a HandlerMiddleware that records send
// duration and failures as metrics.
//
// It emits a "connectivity.send.duration_ms" metric for every send and a
// "connectivity.send.error" metric on failures. Labels carry the endpoint
// and the content type.
func WithObservability(mm *observability.MetricsManager) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, m Message) error {
			start := time.Now()
			err := next(ctx, m)
			dur := time.Since(start)

			labels := map[string]string{
				"endpoint":     m.Endpoint,
				"content_type": m.ContentType,
			}
			mm.Record(&observability.Metric{
				Name:      "connectivity.send.duration_ms",
				Timestamp: start,
				Value:     float64(dur.Milliseconds()),
				Labels:    labels,
				Unit:      "milliseconds",
			})
			if err != nil {
				mm.Record(&observability.Metric{
					Name:      "connectivity.send.error",
					Timestamp: start,
					Value:     1,
					Labels:    labels,
					Unit:      "count",
				})
			}
			return err
		}
	}
}
