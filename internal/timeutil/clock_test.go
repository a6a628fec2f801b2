package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_TracksWallTime(t *testing.T) {
	clock := RealClock{}

	before := time.Now()
	now := clock.Now()
	if now.Before(before) {
		t.Errorf("Now() = %v, before the wall clock %v", now, before)
	}

	if d := clock.Since(before.Add(-time.Second)); d < time.Second {
		t.Errorf("Since() = %v, want at least 1s", d)
	}
}

func TestRealClock_TimerFires(t *testing.T) {
	timer := RealClock{}.NewTimer(5 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer never fired")
	}
}

func TestMockClock_SetAndAdvance(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := NewMockClock(t0)

	steps := []struct {
		advance time.Duration
		want    time.Time
	}{
		{time.Second, t0.Add(time.Second)},
		{30 * time.Minute, t0.Add(time.Second + 30*time.Minute)},
		{0, t0.Add(time.Second + 30*time.Minute)},
	}
	for _, s := range steps {
		clock.Advance(s.advance)
		if got := clock.Now(); !got.Equal(s.want) {
			t.Errorf("after Advance(%v): got %v, want %v", s.advance, got, s.want)
		}
	}

	reset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	clock.Set(reset)
	if got := clock.Since(reset.Add(-time.Minute)); got != time.Minute {
		t.Errorf("Since after Set: got %v, want 1m", got)
	}
}

func TestMockClock_RecordsSleeps(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))

	clock.Sleep(250 * time.Millisecond)
	clock.Sleep(3 * time.Second)

	got := clock.Sleeps()
	want := []time.Duration{250 * time.Millisecond, 3 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("recorded %d sleeps, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

// TestMockClock_TimerDrivesInterruptibleWait exercises the timer exactly the
// way the lifecycle's backoff wait does: a select racing the timer channel
// against a cancellation channel, with the clock advanced manually.
func TestMockClock_TimerDrivesInterruptibleWait(t *testing.T) {
	clock := NewMockClock(time.Unix(100, 0))
	stop := make(chan struct{})

	wait := func(d time.Duration) (timedOut bool) {
		timer := clock.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C():
			return true
		case <-stop:
			return false
		}
	}

	// Advance past the deadline first: the wait must complete via the timer.
	done := make(chan bool, 1)
	timer := clock.NewTimer(3 * time.Second)
	clock.Advance(3 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire once the clock reached its deadline")
	}

	// Cancellation must win when the clock never reaches the deadline.
	go func() { done <- wait(time.Hour) }()
	close(stop)
	select {
	case timedOut := <-done:
		if timedOut {
			t.Error("wait reported a timeout, want cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled wait never returned")
	}
}

func TestMockClock_TimerDoesNotFireEarly(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	timer := clock.NewTimer(10 * time.Second)

	clock.Advance(9 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired 1s before its deadline")
	default:
	}

	clock.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer silent at its deadline")
	}
}

func TestMockClock_StoppedTimerStaysSilent(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	timer := clock.NewTimer(time.Second)

	if !timer.Stop() {
		t.Error("Stop on a pending timer should report it was active")
	}
	if timer.Stop() {
		t.Error("second Stop should report the timer already inactive")
	}

	clock.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Error("stopped timer must not fire")
	default:
	}
}

func TestMockClock_After(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ch := clock.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After delivered before the clock advanced")
	default:
	}

	clock.Advance(5 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After never delivered")
	}
}
