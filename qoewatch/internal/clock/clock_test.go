package clock

import (
	"context"
	"testing"
	"time"
)

func TestManual_Advance(t *testing.T) {
	m := NewManual(time.Second)
	m.Advance(500 * time.Millisecond)
	m.Advance(-time.Hour)
	if got := m.Now(); got != 1500*time.Millisecond {
		t.Fatalf("Now: got %v, want 1.5s", got)
	}
}

func TestCadence_FiresEveryInterval(t *testing.T) {
	c := NewCadence(time.Second)
	c.Start(0)

	fires := 0
	for now := time.Duration(0); now <= 10*time.Second; now += 100 * time.Millisecond {
		if c.Due(now) {
			fires++
		}
	}
	if fires != 10 {
		t.Fatalf("fires: got %d, want 10", fires)
	}
}

func TestCadence_CollapsesMissedFires(t *testing.T) {
	c := NewCadence(time.Second)
	c.Start(0)

	if !c.Due(5 * time.Second) {
		t.Fatal("expected fire after a long gap")
	}
	if c.Due(5 * time.Second) {
		t.Fatal("missed fires must collapse into one")
	}
	next, armed := c.Next()
	if !armed || next != 6*time.Second {
		t.Fatalf("Next: got %v/%v, want 6s/true", next, armed)
	}
}

func TestCadence_ZeroIntervalNeverFires(t *testing.T) {
	c := NewCadence(0)
	c.Start(0)
	if c.Due(time.Hour) {
		t.Fatal("zero interval cadence fired")
	}
}

func TestCadence_Stop(t *testing.T) {
	c := NewCadence(time.Second)
	c.Start(0)
	c.Stop()
	if c.Due(2 * time.Second) {
		t.Fatal("stopped cadence fired")
	}
}

func TestStep_StopsWhenAsked(t *testing.T) {
	clk := NewManual(0)
	ticks := 0
	err := Step(context.Background(), clk, 100*time.Millisecond, time.Minute, func(now, dt time.Duration) bool {
		ticks++
		if dt != 100*time.Millisecond {
			t.Fatalf("dt: got %v", dt)
		}
		return now >= time.Second
	})
	if err != nil {
		t.Fatal(err)
	}
	if ticks != 10 {
		t.Fatalf("ticks: got %d, want 10", ticks)
	}
}

func TestDrive_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ticks := 0
	err := Drive(ctx, NewReal(), 5*time.Millisecond, func(now, dt time.Duration) bool {
		ticks++
		return false
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if ticks == 0 {
		t.Fatal("no ticks delivered")
	}
}
