package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestRateLimiter(delay, jitter time.Duration) *RateLimiter {
	log := logrus.NewEntry(logrus.New())
	log.Logger.SetLevel(logrus.DebugLevel)
	return NewRateLimiter(delay, jitter, log)
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	rl := newTestRateLimiter(5*time.Second, 0)
	session := "session-1"

	// Simulate a recent fetch so a delay is needed
	rl.Touch(session)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // pre-cancel

	start := time.Now()
	err := rl.Wait(ctx, session)
	elapsed := time.Since(start)

	if err == nil {
		t.Error("Wait with cancelled context returned nil error")
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("Wait with cancelled context took %v, expected <100ms", elapsed)
	}
}

func TestWait_SleepsForFullDelay(t *testing.T) {
	rl := newTestRateLimiter(100*time.Millisecond, 0)
	session := "session-1"

	rl.Touch(session)

	start := time.Now()
	if err := rl.Wait(context.Background(), session); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elapsed := time.Since(start)

	// Jitter never shortens the delay
	if elapsed < 90*time.Millisecond {
		t.Errorf("Wait returned too quickly: %v, expected >=100ms", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("Wait took too long: %v, expected ~100ms", elapsed)
	}
}

func TestWait_JitterOnlyAdds(t *testing.T) {
	rl := newTestRateLimiter(50*time.Millisecond, 50*time.Millisecond)
	session := "session-1"

	rl.Touch(session)
	start := time.Now()
	_ = rl.Wait(context.Background(), session)
	elapsed := time.Since(start)

	if elapsed < 45*time.Millisecond {
		t.Errorf("Wait with jitter returned after %v, below the base delay", elapsed)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("Wait with jitter took %v, expected at most ~100ms", elapsed)
	}
}

func TestWait_NoDelayOnFirstFetch(t *testing.T) {
	rl := newTestRateLimiter(5*time.Second, 0)

	start := time.Now()
	_ = rl.Wait(context.Background(), "fresh-session")
	elapsed := time.Since(start)

	if elapsed > 10*time.Millisecond {
		t.Errorf("Wait on first fetch took %v, expected instant return", elapsed)
	}
}

func TestWait_SessionsAreIndependent(t *testing.T) {
	rl := newTestRateLimiter(5*time.Second, 0)
	rl.Touch("busy")

	start := time.Now()
	_ = rl.Wait(context.Background(), "idle")
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("Wait on an unrelated session took %v", elapsed)
	}

	rl.Forget("busy")
	start = time.Now()
	_ = rl.Wait(context.Background(), "busy")
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("Wait after Forget took %v", elapsed)
	}
}
