package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// Stdout writes JSON lines to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) SendSnapshot(_ context.Context, snap record.Snapshot) error {
	data, err := record.MarshalSnapshot(&snap)
	if err != nil {
		return fmt.Errorf("stdout: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Type: "snapshot", Data: json.RawMessage(data)})
}

func (s *Stdout) SendSession(_ context.Context, exp SessionExport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Type: "session", Data: sessionLine{
		ID:        exp.ID,
		SessionID: exp.SessionID,
		Rows:      exp.Rows,
		Bytes:     len(exp.Body),
		Digest:    record.Digest(exp.Body),
	}})
}

func (s *Stdout) Close() error { return nil }

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// sessionLine summarises a session export; the CSV itself goes to the
// collector and the local mirror, not the terminal.
type sessionLine struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Rows      int    `json:"rows"`
	Bytes     int    `json:"bytes"`
	Digest    string `json:"sha256"`
}
