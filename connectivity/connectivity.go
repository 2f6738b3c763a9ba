// Package connectivity is the transport used to deliver QoE records to a
// collector. A Handler performs one send; HandlerMiddleware adds
// cross-cutting behaviour (timeout, retry, circuit breaking, logging,
// metrics) without changing the signature. New assembles the default
// stack around an HTTP handler.
//
// Delivery is fire-and-forget at the application level: a send succeeds
// when the transport reports success and nothing more is acknowledged.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Message is one unit of delivery.
type Message struct {
	Endpoint    string
	ContentType string
	Body        []byte

	// SessionID, when set, is sent as X-Session-ID.
	SessionID string
}

// Handler delivers one message.
type Handler func(ctx context.Context, m Message) error

// Send lets a Handler satisfy Sender.
func (h Handler) Send(ctx context.Context, m Message) error { return h(ctx, m) }

// Sender is the transport collaborator seen by exporters and sinks.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Config configures the default transport stack.
type Config struct {
	// Method is POST (default) or PUT.
	Method string
	// Timeout bounds one attempt. Default: 10s.
	Timeout time.Duration
	// Retries is the number of extra attempts. Default: 0 (single attempt).
	Retries int
	// Backoff is the initial wait between retries, doubled each attempt.
	Backoff time.Duration
	// BreakerThreshold consecutive failures open an endpoint's breaker.
	// Zero disables circuit breaking.
	BreakerThreshold int
	BreakerReset     time.Duration
	Client           *http.Client
	Logger           *slog.Logger
	// Middleware is applied outermost, e.g. WithObservability.
	Middleware []HandlerMiddleware
}

func (c *Config) defaults() {
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New builds the transport stack:
//
//	middleware... → Recovery → Logging → breaker → WithRetry → Timeout → HTTP
func New(cfg Config) Handler {
	cfg.defaults()
	mws := append([]HandlerMiddleware(nil), cfg.Middleware...)
	mws = append(mws, Recovery(cfg.Logger), Logging(cfg.Logger))
	if cfg.BreakerThreshold > 0 {
		mws = append(mws, PerEndpointBreaker(
			WithBreakerThreshold(cfg.BreakerThreshold),
			WithBreakerResetTimeout(cfg.BreakerReset),
		))
	}
	if cfg.Retries > 0 {
		mws = append(mws, WithRetry(cfg.Retries, cfg.Backoff, cfg.Logger))
	}
	mws = append(mws, Timeout(cfg.Timeout))
	return Chain(mws...)(HTTP(cfg.Method, cfg.Client))
}
