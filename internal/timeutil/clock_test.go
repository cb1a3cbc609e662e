package timeutil

import (
	"context"
	"testing"
	"time"
)

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(200 * time.Millisecond):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(100 * time.Millisecond)
	clock.Sleep(250 * time.Millisecond)

	if got := clock.Since(start); got != 350*time.Millisecond {
		t.Errorf("Since() = %v, want 350ms", got)
	}
	if got := clock.TotalSlept(); got != 350*time.Millisecond {
		t.Errorf("TotalSlept() = %v, want 350ms", got)
	}
	if n := len(clock.Sleeps()); n != 2 {
		t.Errorf("recorded %d sleeps, want 2", n)
	}
}

func TestMockClock_TickerFiresOnAdvance(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire")
	}

	ticker.Stop()
	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, RealClock{}, time.Hour); err != context.Canceled {
		t.Errorf("SleepContext on cancelled ctx = %v, want context.Canceled", err)
	}

	clock := NewMockClock(time.Time{})
	if err := SleepContext(context.Background(), clock, 2*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clock.TotalSlept() != 2*time.Second {
		t.Errorf("mock slept %v, want 2s", clock.TotalSlept())
	}

	if err := SleepContext(context.Background(), RealClock{}, 0); err != nil {
		t.Errorf("zero sleep returned %v", err)
	}
}

func TestSeconds(t *testing.T) {
	if got := Seconds(0.25); got != 250*time.Millisecond {
		t.Errorf("Seconds(0.25) = %v", got)
	}
}
