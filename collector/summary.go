package collector

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// SessionSummary condenses a stored session export.
type SessionSummary struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id,omitempty"`
	Rows            int       `json:"rows"`
	Freezes         int       `json:"freezes"`
	FreezeSeconds   float64   `json:"freeze_seconds"`
	LongestFreeze   float64   `json:"longest_freeze"`
	BufferingCount  int       `json:"buffering_count"`
	VideoStartDelay float64   `json:"video_start_delay"`
	NetworkLatency  float64   `json:"network_latency"`
	LastVideoTime   float64   `json:"last_video_time"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Summarize decodes the CSV body of a session record. Start delay and
// latency keep the -1 sentinel when the session never measured them.
func Summarize(rec *Received) (*SessionSummary, error) {
	snaps, err := record.DecodeCSV(bytes.NewReader(rec.Body))
	if err != nil {
		return nil, fmt.Errorf("collector: summarize %s: %w", rec.ID, err)
	}
	sum := &SessionSummary{
		ID:              rec.ID,
		SessionID:       rec.SessionID,
		Rows:            len(snaps),
		VideoStartDelay: record.Unknown,
		NetworkLatency:  record.Unknown,
		ReceivedAt:      rec.ReceivedAt,
	}
	for _, s := range snaps {
		for _, f := range s.Freezes {
			sum.Freezes++
			sum.FreezeSeconds += f.Duration
			sum.LongestFreeze = max(sum.LongestFreeze, f.Duration)
		}
	}
	if n := len(snaps); n > 0 {
		last := snaps[n-1]
		sum.BufferingCount = last.BufferingCount
		sum.VideoStartDelay = last.VideoStartDelay
		sum.NetworkLatency = last.NetworkLatency
		sum.LastVideoTime = last.VideoTime
	}
	return sum, nil
}

func countFreezes(snaps []record.Snapshot) int {
	n := 0
	for _, s := range snaps {
		n += len(s.Freezes)
	}
	return n
}
