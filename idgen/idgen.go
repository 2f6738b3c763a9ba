// Package idgen provides pluggable ID generation for qoewatch.
//
// Sessions, snapshots, outbox rows and collector records all take a
// Generator, so tests can swap in a deterministic sequence.
package idgen

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Default is the generator components fall back to when none is
// configured.
var Default = UUIDv7()

// UUIDv7 returns time-sortable RFC 9562 v7 UUIDs, so outbox rows and
// snapshots list in creation order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Short returns n random hex characters (1 <= n <= 12), taken from the
// random prefix of a v4 UUID. Used for request trace IDs.
func Short(n int) Generator {
	n = min(max(n, 1), 12)
	return func() string {
		u := uuid.New()
		return hex.EncodeToString(u[:6])[:n]
	}
}

// Prefixed prepends prefix to every ID ("ses_", "snap_", "exp_", "rcv_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns "<prefix>1", "<prefix>2", ... Safe for concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return prefix + strconv.FormatUint(n.Add(1), 10)
	}
}

// Parse validates a UUID and returns its canonical form. Prefixed IDs
// must be trimmed first.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: parse %q: %w", s, err)
	}
	return u.String(), nil
}
