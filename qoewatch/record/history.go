package record

import "errors"

// ErrHistoryFinalized is returned when appending to a finalized History.
var ErrHistoryFinalized = errors.New("record: history finalized")

// History is the ordered, append-only sequence of Snapshots for one
// playback session. It is finalized exactly once, at session end.
// Not safe for concurrent use: the session tick owns it.
type History struct {
	SessionID string
	snapshots []Snapshot
	finalized bool
}

// NewHistory creates an empty History for a session.
func NewHistory(sessionID string) *History {
	return &History{SessionID: sessionID}
}

// Append adds a snapshot. The freeze slice is copied so later mutation
// by the caller cannot alter recorded history.
func (h *History) Append(s Snapshot) error {
	if h.finalized {
		return ErrHistoryFinalized
	}
	if s.Freezes != nil {
		s.Freezes = append([]FreezeInterval(nil), s.Freezes...)
	}
	h.snapshots = append(h.snapshots, s)
	return nil
}

// Len returns the number of recorded snapshots.
func (h *History) Len() int { return len(h.snapshots) }

// Snapshots returns a copy of the recorded snapshots in capture order.
func (h *History) Snapshots() []Snapshot {
	out := make([]Snapshot, len(h.snapshots))
	copy(out, h.snapshots)
	return out
}

// Finalize seals the history and returns its snapshots. Calling it again
// returns the same snapshots and false.
func (h *History) Finalize() ([]Snapshot, bool) {
	first := !h.finalized
	h.finalized = true
	return h.Snapshots(), first
}

// Finalized reports whether Finalize has been called.
func (h *History) Finalized() bool { return h.finalized }

// FreezeCount returns the total number of freeze intervals recorded.
func (h *History) FreezeCount() int {
	n := 0
	for _, s := range h.snapshots {
		n += len(s.Freezes)
	}
	return n
}
