package record

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

// JSONContentType is the content type of a live record.
const JSONContentType = "application/json"

// MarshalSnapshot serialises a Snapshot to the live record format, a flat
// JSON object with a fixed field order. Fields are written explicitly so
// the output depends only on the Snapshot value. A nil freeze list is
// emitted as [] so consumers never see null.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	e := objEncoder{buf: make([]byte, 0, 512)}
	e.buf = append(e.buf, '{')
	e.str("id", s.ID)
	e.str("sessionId", s.SessionID)
	e.int("capturedAt", s.CapturedAt)
	e.str("deviceName", s.DeviceName)
	e.str("eyeResolution", s.EyeResolution)
	e.float("fov", s.FOV)
	e.int("targetFramerate", int64(s.TargetFramerate))
	e.str("videoUrl", s.VideoURL)
	e.str("videoResolution", s.VideoResolution)
	e.float("videoLength", s.VideoLength)
	e.float("videoTime", s.VideoTime)
	e.float("videoFrameRate", s.VideoFrameRate)
	e.uint("videoFrameCount", s.VideoFrameCount)
	e.uint("videoFinalFrame", s.VideoFinalFrame)
	e.float("freezeTime", s.FreezeTime)
	e.float("videoStartDelay", s.VideoStartDelay)
	e.int("bufferingCount", int64(s.BufferingCount))
	e.float("networkLatency", s.NetworkLatency)
	if s.DeviceModel != "" {
		e.str("deviceModel", s.DeviceModel)
	}
	e.key("freezes")
	e.buf = append(e.buf, '[')
	for i, f := range s.Freezes {
		if i > 0 {
			e.buf = append(e.buf, ',')
		}
		fe := objEncoder{buf: append(e.buf, '{')}
		fe.float("start", f.Start)
		fe.float("end", f.End)
		fe.float("duration", f.Duration)
		e.buf = append(fe.buf, '}')
		if fe.err != nil && e.err == nil {
			e.err = fe.err
		}
	}
	e.buf = append(e.buf, ']', '}')
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

type objEncoder struct {
	buf []byte
	n   int
	err error
}

func (e *objEncoder) key(k string) {
	if e.n > 0 {
		e.buf = append(e.buf, ',')
	}
	e.n++
	e.buf = appendJSONString(e.buf, k)
	e.buf = append(e.buf, ':')
}

func (e *objEncoder) str(k, v string) {
	e.key(k)
	e.buf = appendJSONString(e.buf, v)
}

func (e *objEncoder) int(k string, v int64) {
	e.key(k)
	e.buf = strconv.AppendInt(e.buf, v, 10)
}

func (e *objEncoder) uint(k string, v uint64) {
	e.key(k)
	e.buf = strconv.AppendUint(e.buf, v, 10)
}

func (e *objEncoder) float(k string, v float64) {
	e.key(k)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		if e.err == nil {
			e.err = fmt.Errorf("record: marshal %s: non-finite value", k)
		}
		e.buf = append(e.buf, '0')
		return
	}
	e.buf = strconv.AppendFloat(e.buf, v, 'f', -1, 64)
}

const hexDigits = "0123456789abcdef"

// appendJSONString appends s as a quoted JSON string. Invalid UTF-8 is
// replaced with U+FFFD.
func appendJSONString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				dst = append(dst, '\\', c)
			case c == '\n':
				dst = append(dst, '\\', 'n')
			case c == '\r':
				dst = append(dst, '\\', 'r')
			case c == '\t':
				dst = append(dst, '\\', 't')
			case c < 0x20:
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			default:
				dst = append(dst, c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, "\uFFFD"...)
		} else {
			dst = append(dst, s[i:i+size]...)
		}
		i += size
	}
	return append(dst, '"')
}

// UnmarshalSnapshot deserialises a live record. Used by the collector.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("record: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// Digest returns the SHA-256 hex digest of an export body. Used as the
// idempotency key of a persisted session export.
func Digest(body []byte) string {
	h := sha256.Sum256(body)
	return fmt.Sprintf("%x", h)
}
