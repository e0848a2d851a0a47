package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_SleepNonPositive(t *testing.T) {
	clock := RealClock{}
	start := time.Now()
	clock.Sleep(0)
	clock.Sleep(-time.Second)
	if time.Since(start) > 100*time.Millisecond {
		t.Error("non-positive sleep should return immediately")
	}
}

func TestMockClock_SleepRecordsAndAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(time.Second)
	clock.Sleep(400 * time.Millisecond)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(sleeps))
	}
	if sleeps[0] != time.Second || sleeps[1] != 400*time.Millisecond {
		t.Errorf("unexpected sleeps %v", sleeps)
	}
	if got := clock.Since(start); got != 1400*time.Millisecond {
		t.Errorf("Since() = %v, want 1.4s", got)
	}
	if got := clock.TotalSlept(); got != 1400*time.Millisecond {
		t.Errorf("TotalSlept() = %v, want 1.4s", got)
	}
}

func TestMockClock_SetAndAdvance(t *testing.T) {
	clock := NewMockClock(time.Time{})
	target := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(target)
	clock.Advance(time.Minute)

	if !clock.Now().Equal(target.Add(time.Minute)) {
		t.Errorf("Now() = %v, want %v", clock.Now(), target.Add(time.Minute))
	}
	if len(clock.Sleeps()) != 0 {
		t.Error("Advance should not record sleeps")
	}
}
