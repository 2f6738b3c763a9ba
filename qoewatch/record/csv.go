package record

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// CSVColumns is the fixed column order of the session export.
var CSVColumns = []string{
	"videoTime", "deviceName", "eyeResolution", "fov", "targetFramerate",
	"freezeTime", "videoStartDelay", "bufferingCount", "networkLatency",
	"videoResolution", "videoLength", "videoFrameRate", "videoFrameCount",
	"videoFinalFrame", "deviceModel", "freezes",
}

// CSVContentType is the content type of a session export.
const CSVContentType = "text/csv"

const (
	csvSep       = ';'
	freezeJoiner = " | "
)

// EncodeCSV renders a session history as the semicolon-delimited export:
// one header row then one row per snapshot, "\n" terminated. The output
// is a pure function of its input, so re-encoding yields the same bytes.
//
// encoding/csv is not used for writing: it cannot force the quoted empty
// deviceModel and the always-quoted freezes column.
func EncodeCSV(snaps []Snapshot) []byte {
	var b bytes.Buffer
	b.WriteString(strings.Join(CSVColumns, string(csvSep)))
	b.WriteByte('\n')
	for i := range snaps {
		writeRow(&b, &snaps[i])
	}
	return b.Bytes()
}

func writeRow(b *bytes.Buffer, s *Snapshot) {
	fields := []string{
		fixed(s.VideoTime, 2),
		text(s.DeviceName),
		text(s.EyeResolution),
		strconv.FormatFloat(s.FOV, 'f', -1, 64),
		strconv.Itoa(s.TargetFramerate),
		fixed(s.FreezeTime, 1),
		fixed(s.VideoStartDelay, 2),
		strconv.Itoa(s.BufferingCount),
		fixed(s.NetworkLatency, 1),
		text(s.VideoResolution),
		fixed(s.VideoLength, 2),
		fixed(s.VideoFrameRate, 2),
		strconv.FormatUint(s.VideoFrameCount, 10),
		strconv.FormatUint(s.VideoFinalFrame, 10),
		model(s.DeviceModel),
		`"` + FormatFreezes(s.Freezes) + `"`,
	}
	b.WriteString(strings.Join(fields, string(csvSep)))
	b.WriteByte('\n')
}

// FormatFreezes renders intervals as "[start-end:durations]" triples
// joined by " | ". Empty when there are none.
func FormatFreezes(fs []FreezeInterval) string {
	if len(fs) == 0 {
		return ""
	}
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = "[" + fixed(f.Start, 2) + "-" + fixed(f.End, 2) + ":" + fixed(f.Duration, 2) + "s]"
	}
	return strings.Join(parts, freezeJoiner)
}

// fixed formats v with a fixed number of decimals, independent of locale.
func fixed(v float64, prec int) string {
	s := strconv.FormatFloat(v, 'f', prec, 64)
	if strings.Trim(s, "-0.") == "" {
		// Normalise "-0.00" to "0.00".
		s = strings.TrimPrefix(s, "-")
	}
	return s
}

// text emits free-form values raw unless they would break the row.
func text(s string) string {
	if !strings.ContainsAny(s, "\";\r\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func model(s string) string {
	if s == "" {
		return `""`
	}
	return text(s)
}

// DecodeCSV parses a session export produced by EncodeCSV. Values carry
// the export's precision (two decimals for time fields).
func DecodeCSV(r io.Reader) ([]Snapshot, error) {
	cr := csv.NewReader(r)
	cr.Comma = csvSep
	cr.FieldsPerRecord = len(CSVColumns)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("record: csv header: %w", err)
	}
	for i, col := range CSVColumns {
		if header[i] != col {
			return nil, fmt.Errorf("record: csv header column %d: got %q, want %q", i, header[i], col)
		}
	}

	var out []Snapshot
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record: csv line %d: %w", line, err)
		}
		s, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("record: csv line %d: %w", line, err)
		}
		out = append(out, s)
	}
}

func parseRow(row []string) (Snapshot, error) {
	var (
		s   Snapshot
		err error
	)
	p := &rowParser{row: row}
	s.VideoTime = p.float(0)
	s.DeviceName = row[1]
	s.EyeResolution = row[2]
	s.FOV = p.float(3)
	s.TargetFramerate = p.int(4)
	s.FreezeTime = p.float(5)
	s.VideoStartDelay = p.float(6)
	s.BufferingCount = p.int(7)
	s.NetworkLatency = p.float(8)
	s.VideoResolution = row[9]
	s.VideoLength = p.float(10)
	s.VideoFrameRate = p.float(11)
	s.VideoFrameCount = p.uint(12)
	s.VideoFinalFrame = p.uint(13)
	s.DeviceModel = row[14]
	if p.err != nil {
		return s, p.err
	}
	s.Freezes, err = ParseFreezes(row[15])
	return s, err
}

type rowParser struct {
	row []string
	err error
}

func (p *rowParser) float(i int) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(p.row[i]), 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", CSVColumns[i], err)
	}
	return v
}

func (p *rowParser) int(i int) int {
	v, err := strconv.Atoi(strings.TrimSpace(p.row[i]))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", CSVColumns[i], err)
	}
	return v
}

func (p *rowParser) uint(i int) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(p.row[i]), 10, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", CSVColumns[i], err)
	}
	return v
}

// ParseFreezes is the inverse of FormatFreezes.
func ParseFreezes(s string) ([]FreezeInterval, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, freezeJoiner)
	out := make([]FreezeInterval, 0, len(parts))
	for _, part := range parts {
		body := strings.TrimSuffix(strings.TrimPrefix(part, "["), "]")
		rng, dur, ok := strings.Cut(body, ":")
		if !ok {
			return nil, fmt.Errorf("freeze %q: missing duration", part)
		}
		start, end, ok := strings.Cut(rng, "-")
		if !ok {
			return nil, fmt.Errorf("freeze %q: missing range", part)
		}
		var f FreezeInterval
		var err error
		if f.Start, err = strconv.ParseFloat(start, 64); err != nil {
			return nil, fmt.Errorf("freeze %q: start: %w", part, err)
		}
		if f.End, err = strconv.ParseFloat(end, 64); err != nil {
			return nil, fmt.Errorf("freeze %q: end: %w", part, err)
		}
		if f.Duration, err = strconv.ParseFloat(strings.TrimSuffix(dur, "s"), 64); err != nil {
			return nil, fmt.Errorf("freeze %q: duration: %w", part, err)
		}
		out = append(out, f)
	}
	return out, nil
}
