package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WithRetry returns a HandlerMiddleware that retries failed sends with
// exponential backoff. It respects context cancellation between retries.
//
// Parameters:
//   - maxRetries: maximum number of retry attempts (0 = no retry)
//   - baseBackoff: initial wait between retries, doubled each attempt
//   - logger: used to log retry attempts (may be nil for silent retries)
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, m Message) error {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				err := next(ctx, m)
				if err == nil {
					return nil
				}
				lastErr = err

				if ctx.Err() != nil || !retryable(err) {
					return lastErr
				}

				if attempt < maxRetries {
					wait := baseBackoff * (1 << uint(attempt))
					if logger != nil {
						logger.WarnContext(ctx, "connectivity: retrying send",
							"endpoint", m.Endpoint,
							"attempt", attempt+1,
							"max_retries", maxRetries,
							"backoff_ms", wait.Milliseconds(),
							"error", err)
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}

// retryable reports whether another attempt may succeed. An open circuit
// and client errors (4xx other than 408/429) will not.
func retryable(err error) bool {
	var eco *ErrCircuitOpen
	if errors.As(err, &eco) {
		return false
	}
	var es *ErrStatus
	if errors.As(err, &es) {
		return es.Temporary()
	}
	return true
}
