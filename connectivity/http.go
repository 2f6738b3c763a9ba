package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxHTTPResponseBody caps the amount of response data read from the
// collector. Only the head of an error body is kept for diagnostics.
const maxHTTPResponseBody int64 = 64 << 10

// HTTP returns a Handler that sends the message body with the given
// method (POST or PUT) and the message content type. Any 2xx response is
// success; anything else is an *ErrStatus.
func HTTP(method string, client *http.Client) Handler {
	if method == "" {
		method = http.MethodPost
	}
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, m Message) error {
		req, err := http.NewRequestWithContext(ctx, method, m.Endpoint, bytes.NewReader(m.Body))
		if err != nil {
			return fmt.Errorf("connectivity/http: create request: %w", err)
		}
		if m.ContentType != "" {
			req.Header.Set("Content-Type", m.ContentType)
		}
		if m.SessionID != "" {
			req.Header.Set("X-Session-ID", m.SessionID)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("connectivity/http: do request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBody))
		if err != nil {
			return fmt.Errorf("connectivity/http: read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &ErrStatus{
				Endpoint: m.Endpoint,
				Code:     resp.StatusCode,
				Body:     strings.TrimSpace(string(body)),
			}
		}
		return nil
	}
}
