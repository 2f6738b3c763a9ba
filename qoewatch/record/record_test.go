package record

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestNewFreezeInterval_DurationIsEndMinusStart(t *testing.T) {
	f := NewFreezeInterval(4.0, 1.2)
	if f.Duration != f.End-f.Start {
		t.Fatalf("Duration: got %v, want %v", f.Duration, f.End-f.Start)
	}
	if math.Abs(f.End-5.2) > 1e-9 {
		t.Errorf("End: got %v, want 5.2", f.End)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFreezeInterval_ValidateRejects(t *testing.T) {
	cases := map[string]FreezeInterval{
		"negative stall": NewFreezeInterval(3, -0.5),
		"negative start": NewFreezeInterval(-1, 0.5),
		"nan":            {Start: math.NaN(), End: 1, Duration: 1},
		"bad duration":   {Start: 1, End: 2, Duration: 3},
	}
	for name, f := range cases {
		if err := f.Validate(); !errors.Is(err, ErrInvalidInterval) {
			t.Errorf("%s: got %v, want ErrInvalidInterval", name, err)
		}
	}
}

func TestFreezeInterval_Overlaps(t *testing.T) {
	a := NewFreezeInterval(1, 1)
	b := NewFreezeInterval(2, 1)
	c := NewFreezeInterval(1.5, 0.2)
	if a.Overlaps(b) {
		t.Error("adjacent intervals should not overlap")
	}
	if !a.Overlaps(c) {
		t.Error("nested interval should overlap")
	}
}

func TestHistory_AppendAndFinalize(t *testing.T) {
	h := NewHistory("ses-1")
	freezes := []FreezeInterval{NewFreezeInterval(1, 1)}
	if err := h.Append(Snapshot{ID: "a", Freezes: freezes}); err != nil {
		t.Fatal(err)
	}
	freezes[0].Start = 99

	snaps, first := h.Finalize()
	if !first {
		t.Fatal("first Finalize should report true")
	}
	if len(snaps) != 1 || snaps[0].Freezes[0].Start != 1 {
		t.Fatalf("history was mutated through caller slice: %+v", snaps)
	}
	if _, again := h.Finalize(); again {
		t.Fatal("second Finalize should report false")
	}
	if err := h.Append(Snapshot{ID: "b"}); !errors.Is(err, ErrHistoryFinalized) {
		t.Fatalf("Append after finalize: got %v, want ErrHistoryFinalized", err)
	}
	if h.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", h.Len())
	}
}

func TestMarshalSnapshot_EmptyFreezesIsArray(t *testing.T) {
	data, err := MarshalSnapshot(&Snapshot{ID: "s", NetworkLatency: Unknown})
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Freezes == nil {
		t.Fatalf("freezes decoded as nil from %s", data)
	}
	if got.NetworkLatency != Unknown {
		t.Errorf("NetworkLatency: got %v, want %v", got.NetworkLatency, Unknown)
	}
}

func TestMarshalSnapshot_DecodesWithEncodingJSON(t *testing.T) {
	in := Snapshot{
		ID: "snap-1", SessionID: "ses-1", CapturedAt: 1700000000000,
		DeviceName: "Quest \"2\"\tproto\n", EyeResolution: "1832x1920", FOV: 96.5,
		TargetFramerate: 72, VideoURL: "https://cdn.example/v.mp4?a=1&b=<2>",
		VideoResolution: "1920x1080", VideoLength: 120, VideoTime: 12.5,
		VideoFrameRate: 29.97, VideoFrameCount: 3596, VideoFinalFrame: 370,
		FreezeTime: 0.3, VideoStartDelay: 1.5, BufferingCount: 2,
		NetworkLatency: 42.25, DeviceModel: "Oculus Quest 2 ¦ é",
		Freezes: []FreezeInterval{NewFreezeInterval(4, 1.25)},
	}
	data, err := MarshalSnapshot(&in)
	if err != nil {
		t.Fatal(err)
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("encoding/json rejects %s: %v", data, err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("decoded: got %+v, want %+v", out, in)
	}
}

func TestMarshalSnapshot_FieldOrderStable(t *testing.T) {
	s := &Snapshot{ID: "a", NetworkLatency: Unknown, VideoStartDelay: Unknown}
	a, _ := MarshalSnapshot(s)
	b, _ := MarshalSnapshot(s)
	if string(a) != string(b) {
		t.Fatal("non-deterministic output")
	}
	if !strings.HasPrefix(string(a), `{"id":"a","sessionId":"","capturedAt":0,`) {
		t.Fatalf("unexpected prefix: %s", a)
	}
	if strings.Contains(string(a), "deviceModel") {
		t.Fatalf("empty deviceModel emitted: %s", a)
	}
}

func TestMarshalSnapshot_RejectsNaN(t *testing.T) {
	if _, err := MarshalSnapshot(&Snapshot{VideoTime: math.NaN()}); err == nil {
		t.Fatal("expected error for NaN field")
	}
}

func TestDigest_Deterministic(t *testing.T) {
	if Digest([]byte("a;b\n")) != Digest([]byte("a;b\n")) {
		t.Fatal("Digest not deterministic")
	}
	if len(Digest(nil)) != 64 {
		t.Fatal("Digest length: want 64 hex chars")
	}
}
