package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/chain-scraper/pkg/challenge"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// SchedulerConfig holds the knobs of one Scheduler
type SchedulerConfig struct {
	Concurrency     int           // Max fetches in flight
	PerFetchTimeout time.Duration // Bound on a single attempt (0 = none)
	Policy          RetryPolicy
}

// PageHook runs on the successfully fetched page of target while its session
// still shows that page, before the session goes back to the pool.
type PageHook func(ctx context.Context, target string, sess Session, page *models.Page)

// Scheduler fetches a batch of URLs with bounded concurrency, per-session
// pacing, retries and challenge clearance. It never writes to storage.
type Scheduler struct {
	cfg     SchedulerConfig
	pool    *SessionPool
	gate    *challenge.Gate
	limiter *RateLimiter
	sem     *semaphore.Weighted
	hook    PageHook
	log     *logrus.Entry
}

// NewScheduler creates a Scheduler. The pool should hold at least
// cfg.Concurrency sessions so no worker waits on another's session.
func NewScheduler(cfg SchedulerConfig, pool *SessionPool, gate *challenge.Gate, limiter *RateLimiter, log *logrus.Entry) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		cfg:     cfg,
		pool:    pool,
		gate:    gate,
		limiter: limiter,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:     log.WithField("component", "scheduler"),
	}
}

// WithPageHook installs hook on s and returns s.
func (s *Scheduler) WithPageHook(hook PageHook) *Scheduler {
	s.hook = hook
	return s
}

// Stream fetches every distinct URL in pending and hands each outcome to fn
// as soon as that URL's fetch (including retries) finishes. fn is called from
// worker goroutines, possibly concurrently, exactly once per started URL.
// Stream returns after every started fetch has been delivered. If ctx is
// cancelled, URLs not yet started are never delivered. actions, when not
// nil, runs on each successfully fetched page before its content is taken.
func (s *Scheduler) Stream(ctx context.Context, pending []string, actions *models.PageActions, fn func(*models.FetchOutcome)) {
	var wg sync.WaitGroup

	started := make(map[string]bool, len(pending))
	for _, u := range pending {
		if started[u] {
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.log.Warnf("Scheduling stopped, %d URLs not started: %v", len(pending)-len(started), err)
			break
		}
		started[u] = true

		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer s.sem.Release(1)

			fn(s.fetchOne(ctx, target, actions))
		}(u)
	}

	wg.Wait()
}

// fetchOne runs the attempt loop for a single URL on one leased session.
func (s *Scheduler) fetchOne(ctx context.Context, target string, actions *models.PageActions) *models.FetchOutcome {
	start := time.Now()
	outcome := &models.FetchOutcome{URL: target}
	finish := func() *models.FetchOutcome {
		outcome.Duration = time.Since(start)
		return outcome
	}

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		outcome.Status = models.FetchTransportError
		outcome.Err = fmt.Errorf("%w: no session available: %w", utils.ErrTransport, err)
		return finish()
	}
	defer s.pool.Release(lease)

	urlLog := s.log.WithFields(logrus.Fields{"url": target, "session": lease.ID()})

	for attempt := 1; ; attempt++ {
		outcome.AttemptCount = attempt

		if err := s.limiter.Wait(ctx, lease.ID()); err != nil {
			outcome.Status = models.FetchTransportError
			outcome.Err = err
			return finish()
		}

		page, status, err := s.attempt(ctx, lease, target)
		s.limiter.Touch(lease.ID())
		if status == models.FetchOK {
			page = s.expand(ctx, lease, page, actions, urlLog)
		}

		outcome.Status = status
		outcome.Err = err
		if page != nil {
			outcome.StatusCode = page.StatusCode
		}

		if status == models.FetchOK {
			outcome.Page = page
			urlLog.WithField("attempt", attempt).Debug("Fetched")
			if s.hook != nil {
				s.hook(ctx, target, lease.Session, page)
			}
			return finish()
		}
		if status == models.FetchChallengeBlocked {
			lease.Discard()
			s.limiter.Forget(lease.ID())
		}

		decision := s.cfg.Policy.Decide(status, outcome.StatusCode, attempt)
		if !decision.Retry || ctx.Err() != nil {
			if attempt > 1 && retryable(status, outcome.StatusCode) {
				outcome.Err = fmt.Errorf("%w: %w", utils.ErrRetryFailed, err)
			}
			urlLog.WithFields(logrus.Fields{
				"status": status, "attempts": attempt, "error_type": utils.CategorizeError(outcome.Err),
			}).Warnf("Fetch failed: %v", outcome.Err)
			return finish()
		}

		urlLog.WithFields(logrus.Fields{
			"attempt": attempt, "max_retries": s.cfg.Policy.MaxRetries, "delay": decision.Delay, "status": status,
		}).Warn("Retrying fetch...")
		if err := sleepCtx(ctx, decision.Delay); err != nil {
			return finish()
		}
	}
}

// attempt performs one fetch and, when needed, challenge clearance.
func (s *Scheduler) attempt(ctx context.Context, lease *Lease, target string) (*models.Page, models.FetchStatus, error) {
	fetchCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.PerFetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.PerFetchTimeout)
	}
	page, err := lease.Fetch(fetchCtx, target)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s after %v: %w", utils.ErrTimeout, target, s.cfg.PerFetchTimeout, err)
		}
		return nil, Classify(err, 0), err
	}

	code := page.StatusCode
	status := Classify(nil, code)

	// Challenge interstitials are often served with 403 or 503, so they go
	// through the gate before the status code is trusted.
	if status == models.FetchOK || (!lease.Challenge.Cleared() && s.gate.Detect(page)) {
		cleared, gerr := s.gate.EnsureCleared(ctx, lease.Challenge, lease.Session, page)
		if gerr != nil {
			return page, models.FetchChallengeBlocked, gerr
		}
		page = cleared
		code = page.StatusCode
		status = Classify(nil, code)
		if status == models.FetchOK {
			return page, status, nil
		}
	}
	return page, status, statusError(code)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
