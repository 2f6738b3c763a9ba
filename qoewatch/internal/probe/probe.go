// Package probe measures network round-trip latency with a bodiless HEAD
// request against the video origin (or any configured resource).
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// ErrStatus is returned for a response outside 2xx/3xx.
var ErrStatus = errors.New("probe: unexpected status")

// Prober issues HEAD requests and times them.
type Prober struct {
	url     string
	client  *http.Client
	timeout time.Duration
	ua      string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(p *Prober) { p.client = c }
}

// WithTimeout bounds one probe. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(p *Prober) { p.ua = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// WithNow overrides the time source used to measure the round trip.
func WithNow(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

// New creates a Prober for url.
func New(url string, opts ...Option) *Prober {
	p := &Prober{
		url:     url,
		client:  &http.Client{},
		timeout: 10 * time.Second,
		ua:      "qoewatch/1.0",
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// URL returns the probed resource.
func (p *Prober) URL() string { return p.url }

// Probe performs one HEAD round trip and returns its duration. Timeouts,
// transport errors and non-2xx/3xx statuses are failures.
func (p *Prober) Probe(ctx context.Context) (time.Duration, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("probe: head request: %w", err)
	}
	req.Header.Set("User-Agent", p.ua)

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe: head do: %w", err)
	}
	resp.Body.Close()
	rtt := p.now().Sub(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return 0, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	p.logger.Debug("probe: measured", "url", p.url, "rtt", rtt, "status", resp.StatusCode)
	return rtt, nil
}

// Latency is the last-known-good latency estimate in milliseconds.
// The zero value is not ready; use NewLatency.
type Latency struct {
	ms       float64
	measured bool
}

// NewLatency returns an estimate that has never been measured.
func NewLatency() Latency { return Latency{ms: record.Unknown} }

// Apply folds one probe result in. A failure leaves the value unchanged.
// It reports whether the value changed.
func (l *Latency) Apply(d time.Duration, err error) bool {
	if err != nil {
		return false
	}
	l.ms = float64(d) / float64(time.Millisecond)
	l.measured = true
	return true
}

// Value returns the estimate in milliseconds, record.Unknown if never measured.
func (l Latency) Value() float64 {
	if !l.measured {
		return record.Unknown
	}
	return l.ms
}

// Measured reports whether any probe ever succeeded.
func (l Latency) Measured() bool { return l.measured }
