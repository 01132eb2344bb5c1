package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter spaces out fetches made through the same session
type RateLimiter struct {
	lastRequest   map[string]time.Time // session ID -> end of its last fetch
	lastRequestMu sync.Mutex           // Protects lastRequest map
	delay         time.Duration
	jitter        time.Duration // Upper bound of random extra delay
	log           *logrus.Entry
}

// NewRateLimiter creates a RateLimiter
func NewRateLimiter(delay, jitter time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		lastRequest: make(map[string]time.Time),
		delay:       delay,
		jitter:      jitter,
		log:         log,
	}
}

// Wait blocks until delay has passed since the last fetch on key finished.
// The first fetch on a key does not wait. Jitter only ever adds to the delay.
// Returns ctx.Err() if ctx ends first.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if rl.delay <= 0 && rl.jitter <= 0 {
		return ctx.Err()
	}

	rl.lastRequestMu.Lock()
	last, exists := rl.lastRequest[key]
	rl.lastRequestMu.Unlock() // Unlock before potentially sleeping

	if !exists {
		return ctx.Err()
	}

	required := rl.delay
	if rl.jitter > 0 {
		required += time.Duration(rand.Int63n(int64(rl.jitter) + 1))
	}
	elapsed := time.Since(last)
	if elapsed >= required {
		return ctx.Err()
	}

	sleep := required - elapsed
	rl.log.WithFields(logrus.Fields{
		"session": key, "sleep": sleep, "required_delay": required, "elapsed": elapsed,
	}).Debug("Rate limit applying sleep")

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Touch records that a fetch on key just finished.
// Call this *after* every fetch attempt, whatever its outcome.
func (rl *RateLimiter) Touch(key string) {
	rl.lastRequestMu.Lock()
	rl.lastRequest[key] = time.Now()
	rl.lastRequestMu.Unlock()
}

// Forget drops the timing state of a session that was closed.
func (rl *RateLimiter) Forget(key string) {
	rl.lastRequestMu.Lock()
	delete(rl.lastRequest, key)
	rl.lastRequestMu.Unlock()
}
