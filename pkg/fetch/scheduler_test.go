package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/chain-scraper/pkg/challenge"
	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// scriptedFetch decides the result of one call for a URL; n is the 1-based
// call count for that URL.
type scriptedFetch func(ctx context.Context, url string, n int) (*models.Page, error)

type fakeSessions struct {
	script   scriptedFetch
	calls    sync.Map // url -> *atomic.Int32
	opened   atomic.Int32
	closed   atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32

	// scripts answers page scripts; nil means sessions cannot run them
	scripts func(script string, args []any) (int, error)
}

func (f *fakeSessions) NewSession(_ context.Context, id string) (Session, error) {
	f.opened.Add(1)
	sess := &fakeSession{id: id, owner: f}
	if f.scripts != nil {
		return &scriptingSession{fakeSession: sess}, nil
	}
	return sess, nil
}

func (f *fakeSessions) callCount(url string) int {
	v, ok := f.calls.Load(url)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

type fakeSession struct {
	id    string
	owner *fakeSessions
	last  *models.Page
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Fetch(ctx context.Context, url string) (*models.Page, error) {
	n := s.owner.inFlight.Add(1)
	defer s.owner.inFlight.Add(-1)
	for {
		m := s.owner.maxSeen.Load()
		if n <= m || s.owner.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	v, _ := s.owner.calls.LoadOrStore(url, &atomic.Int32{})
	count := int(v.(*atomic.Int32).Add(1))
	page, err := s.owner.script(ctx, url, count)
	s.last = page
	return page, err
}

func (s *fakeSession) Snapshot(context.Context) (*models.Page, error) { return s.last, nil }
func (s *fakeSession) Eval(context.Context, string) error             { return utils.ErrScriptUnsupported }
func (s *fakeSession) Close() error {
	s.owner.closed.Add(1)
	return nil
}

// scriptingSession runs page scripts through its owner. Its snapshot is the
// last fetched page with one more link.
type scriptingSession struct {
	*fakeSession
}

func (s *scriptingSession) EvalInt(_ context.Context, script string, args ...any) (int, error) {
	return s.owner.scripts(script, args)
}

func (s *scriptingSession) Snapshot(context.Context) (*models.Page, error) {
	expanded := *s.last
	expanded.StatusCode = 0
	expanded.HTML += `<a href="/more">more</a>`
	return &expanded, nil
}

func okPage(url string) *models.Page {
	return &models.Page{URL: url, StatusCode: 200, Title: "ok", HTML: `<a href="/next">next</a>`}
}

func newTestScheduler(concurrency int, policy RetryPolicy, timeout time.Duration, factory SessionFactory, op challenge.Operator) *Scheduler {
	log := testLogger()
	gate := challenge.NewGate(config.ChallengeConfig{MaxAttempts: 1, AttemptWait: time.Millisecond}, op, log)
	pool := NewSessionPool(concurrency, factory, log)
	return NewScheduler(SchedulerConfig{Concurrency: concurrency, PerFetchTimeout: timeout, Policy: policy},
		pool, gate, NewRateLimiter(0, 0, log), log)
}

// runAll collects a Stream pass into a map keyed by URL.
func runAll(ctx context.Context, s *Scheduler, pending []string) map[string]*models.FetchOutcome {
	results := make(map[string]*models.FetchOutcome, len(pending))
	var mu sync.Mutex
	s.Stream(ctx, pending, nil, func(o *models.FetchOutcome) {
		mu.Lock()
		defer mu.Unlock()
		results[o.URL] = o
	})
	return results
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://ex.com/item/%d", i)
	}
	return out
}

func TestStream_ConcurrencyNeverExceeded(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, url string, _ int) (*models.Page, error) {
		time.Sleep(10 * time.Millisecond)
		return okPage(url), nil
	}}
	s := newTestScheduler(5, testPolicy(0), 0, sessions, nil)

	results := runAll(context.Background(), s, urls(20))

	require.Len(t, results, 20)
	for u, o := range results {
		assert.Equal(t, models.FetchOK, o.Status, u)
	}
	assert.LessOrEqual(t, sessions.maxSeen.Load(), int32(5))
	assert.LessOrEqual(t, sessions.opened.Load(), int32(5), "sessions are reused")
}

func TestStream_TimeoutTwiceThenOK(t *testing.T) {
	sessions := &fakeSessions{script: func(ctx context.Context, url string, n int) (*models.Page, error) {
		if n <= 2 {
			<-ctx.Done() // exceed the per-fetch timeout
			return nil, ctx.Err()
		}
		return okPage(url), nil
	}}
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Backoff: BackoffFixed}
	s := newTestScheduler(1, policy, 20*time.Millisecond, sessions, nil)

	target := "https://ex.com/slow"
	results := runAll(context.Background(), s, []string{target})

	require.Len(t, results, 1)
	o := results[target]
	assert.Equal(t, models.FetchOK, o.Status)
	assert.Equal(t, 3, o.AttemptCount)
	assert.NoError(t, o.Err)
	assert.NotNil(t, o.Page)
}

func TestStream_NotFoundNeverRetried(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, url string, _ int) (*models.Page, error) {
		return &models.Page{URL: url, StatusCode: 404, Title: "Not Found"}, nil
	}}
	s := newTestScheduler(1, testPolicy(5), 0, sessions, nil)

	target := "https://ex.com/missing"
	o := runAll(context.Background(), s, []string{target})[target]

	assert.Equal(t, models.FetchHTTPError, o.Status)
	assert.Equal(t, 404, o.StatusCode)
	assert.Equal(t, 1, o.AttemptCount)
	assert.Equal(t, 1, sessions.callCount(target))
	assert.ErrorIs(t, o.Err, utils.ErrClientHTTPError)
}

func TestStream_ServerErrorExhaustsRetries(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, url string, _ int) (*models.Page, error) {
		return &models.Page{URL: url, StatusCode: 503}, nil
	}}
	s := newTestScheduler(1, testPolicy(2), 0, sessions, nil)

	target := "https://ex.com/down"
	o := runAll(context.Background(), s, []string{target})[target]

	assert.Equal(t, models.FetchHTTPError, o.Status)
	assert.Equal(t, 3, o.AttemptCount)
	assert.ErrorIs(t, o.Err, utils.ErrRetryFailed)
	assert.ErrorIs(t, o.Err, utils.ErrServerHTTPError)
}

func TestStream_TransportErrorReported(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, _ string, _ int) (*models.Page, error) {
		return nil, fmt.Errorf("%w: connection refused", utils.ErrTransport)
	}}
	s := newTestScheduler(2, testPolicy(1), 0, sessions, nil)

	results := runAll(context.Background(), s, urls(3))
	require.Len(t, results, 3)
	for _, o := range results {
		assert.Equal(t, models.FetchTransportError, o.Status)
		assert.Equal(t, 2, o.AttemptCount)
	}
}

func TestStream_ChallengeBlockedNotRetried(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, url string, _ int) (*models.Page, error) {
		return &models.Page{URL: url, StatusCode: 403, Title: "Just a moment..."}, nil
	}}
	s := newTestScheduler(1, testPolicy(3), 0, sessions, nil)

	target := "https://ex.com/guarded"
	o := runAll(context.Background(), s, []string{target})[target]

	assert.Equal(t, models.FetchChallengeBlocked, o.Status)
	assert.Equal(t, 1, o.AttemptCount)
	assert.ErrorIs(t, o.Err, utils.ErrChallengeBlocked)
	assert.Equal(t, int32(1), sessions.closed.Load(), "blocked session is discarded")

	s.limiter.lastRequestMu.Lock()
	defer s.limiter.lastRequestMu.Unlock()
	assert.Empty(t, s.limiter.lastRequest, "pacing state of the discarded session is dropped")
}

func TestStream_ChallengeClearedByOperator(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, url string, n int) (*models.Page, error) {
		return &models.Page{URL: url, StatusCode: 403, HTML: "Checking if the connection is secure"}, nil
	}}
	var prompts atomic.Int32
	op := challenge.OperatorFunc(func(context.Context, string) error {
		prompts.Add(1)
		return nil
	})
	s := newTestScheduler(1, testPolicy(0), 0, sessions, op)

	results := runAll(context.Background(), s, []string{"https://ex.com/a", "https://ex.com/b"})

	assert.Equal(t, int32(1), prompts.Load(), "cleared session is not challenged again")
	// After clearance the session's pages are used as-is; the 403 status still counts.
	assert.Equal(t, models.FetchHTTPError, results["https://ex.com/b"].Status)
}

func TestStream_DuplicatesFetchedOnce(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, url string, _ int) (*models.Page, error) {
		return okPage(url), nil
	}}
	s := newTestScheduler(3, testPolicy(0), 0, sessions, nil)

	results := runAll(context.Background(), s, []string{"https://ex.com/a", "https://ex.com/a", "https://ex.com/b"})
	assert.Len(t, results, 2)
	assert.Equal(t, 1, sessions.callCount("https://ex.com/a"))
}

func TestStream_CancelledContext(t *testing.T) {
	sessions := &fakeSessions{script: func(ctx context.Context, url string, _ int) (*models.Page, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := newTestScheduler(2, testPolicy(3), 0, sessions, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	results := runAll(ctx, s, urls(10))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.LessOrEqual(t, len(results), 10)
	for _, o := range results {
		assert.NotEqual(t, models.FetchOK, o.Status)
	}
}

func TestStream_DeliversEachOutcomeWhenItFinishes(t *testing.T) {
	release := make(chan struct{})
	sessions := &fakeSessions{script: func(ctx context.Context, url string, _ int) (*models.Page, error) {
		if url == "https://ex.com/slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return okPage(url), nil
	}}
	s := newTestScheduler(2, testPolicy(0), 0, sessions, nil)

	var mu sync.Mutex
	var delivered []string
	fastSeen := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Stream(context.Background(), []string{"https://ex.com/slow", "https://ex.com/fast"}, nil, func(o *models.FetchOutcome) {
			mu.Lock()
			delivered = append(delivered, o.URL)
			mu.Unlock()
			if o.URL == "https://ex.com/fast" {
				close(fastSeen)
			}
		})
	}()

	select {
	case <-fastSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("fast outcome was held back behind the slow fetch")
	}
	select {
	case <-done:
		t.Fatal("Stream returned before every started fetch was delivered")
	default:
	}

	close(release)
	<-done
	assert.Equal(t, []string{"https://ex.com/fast", "https://ex.com/slow"}, delivered)
}

func TestStream_PageExpansion(t *testing.T) {
	var rounds atomic.Int32
	sessions := &fakeSessions{
		script: func(_ context.Context, url string, _ int) (*models.Page, error) { return okPage(url), nil },
		scripts: func(script string, args []any) (int, error) {
			if script == dismissCookiesScript {
				return 0, nil
			}
			assert.Equal(t, "button.load-more", args[0])
			if rounds.Add(1) <= 2 {
				return 1, nil
			}
			return 0, nil
		},
	}
	s := newTestScheduler(1, testPolicy(0), 0, sessions, nil)
	actions := &models.PageActions{DismissCookies: true, ClickSelector: "button.load-more", MaxClicks: 10, ClickDelay: time.Millisecond}

	var got *models.FetchOutcome
	s.Stream(context.Background(), []string{"https://ex.com/list"}, actions, func(o *models.FetchOutcome) { got = o })

	require.True(t, got.OK())
	assert.Contains(t, got.Page.HTML, `href="/more"`, "links revealed by clicking are extracted")
	assert.Equal(t, 200, got.Page.StatusCode)
	assert.Equal(t, int32(3), rounds.Load(), "clicking stops once nothing is left to click")
}

func TestStream_PageExpansionStopsAtMaxClicks(t *testing.T) {
	var clicks atomic.Int32
	sessions := &fakeSessions{
		script: func(_ context.Context, url string, _ int) (*models.Page, error) { return okPage(url), nil },
		scripts: func(_ string, args []any) (int, error) {
			limit := args[1].(int)
			n := min(limit, 3)
			clicks.Add(int32(n))
			return n, nil
		},
	}
	s := newTestScheduler(1, testPolicy(0), 0, sessions, nil)
	actions := &models.PageActions{ClickSelector: ".more", MaxClicks: 7}

	var got *models.FetchOutcome
	s.Stream(context.Background(), []string{"https://ex.com/list"}, actions, func(o *models.FetchOutcome) { got = o })

	require.True(t, got.OK())
	assert.Equal(t, int32(7), clicks.Load())
}

func TestStream_PageExpansionFailureKeepsPage(t *testing.T) {
	sessions := &fakeSessions{
		script: func(_ context.Context, url string, _ int) (*models.Page, error) { return okPage(url), nil },
		scripts: func(string, []any) (int, error) {
			return 0, fmt.Errorf("%w: page crashed", utils.ErrTransport)
		},
	}
	s := newTestScheduler(1, testPolicy(0), 0, sessions, nil)
	actions := &models.PageActions{DismissCookies: true, ClickSelector: ".more", MaxClicks: 5}

	var got *models.FetchOutcome
	s.Stream(context.Background(), []string{"https://ex.com/list"}, actions, func(o *models.FetchOutcome) { got = o })

	require.True(t, got.OK())
	assert.Equal(t, okPage("https://ex.com/list").HTML, got.Page.HTML)
}

func TestStream_PageExpansionSkippedWithoutScripting(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, url string, _ int) (*models.Page, error) {
		return okPage(url), nil
	}}
	s := newTestScheduler(1, testPolicy(0), 0, sessions, nil)
	actions := &models.PageActions{ClickSelector: ".more", MaxClicks: 5}

	results := make(map[string]*models.FetchOutcome)
	s.Stream(context.Background(), []string{"https://ex.com/list"}, actions, func(o *models.FetchOutcome) { results[o.URL] = o })

	require.True(t, results["https://ex.com/list"].OK())
	assert.Equal(t, okPage("https://ex.com/list").HTML, results["https://ex.com/list"].Page.HTML)
}

func TestHTTPSession_FetchAndTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		assert.Equal(t, "chain-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title> Index of Papers </title></head><body>x</body></html>"))
	}))
	t.Cleanup(server.Close)

	factory := NewHTTPSessionFactory(testClient(), config.HTTPClientConfig{UserAgent: "chain-test"}, testLogger())
	sess, err := factory.NewSession(context.Background(), "s1")
	require.NoError(t, err)

	page, err := sess.Fetch(context.Background(), server.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, 200, page.StatusCode)
	assert.Equal(t, "Index of Papers", page.Title)
	assert.Equal(t, server.URL+"/new", page.FinalURL)
	assert.Equal(t, server.URL+"/old", page.URL)

	snap, err := sess.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, page.HTML, snap.HTML)

	assert.ErrorIs(t, sess.Eval(context.Background(), "() => 1"), utils.ErrScriptUnsupported)
}

func TestSessionPool_DiscardReopens(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, url string, _ int) (*models.Page, error) {
		return okPage(url), nil
	}}
	pool := NewSessionPool(1, sessions, testLogger())

	l1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	first := l1.ID()
	l1.Discard()
	pool.Release(l1)

	l2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, l2.ID())
	assert.Equal(t, challenge.StateUnknown, l2.Challenge.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "pool of one is exhausted")

	pool.Release(l2)
	require.NoError(t, pool.Close())
	assert.Equal(t, int32(2), sessions.closed.Load())
}

func TestStream_PageHookSeesOnlyFetchedPages(t *testing.T) {
	sessions := &fakeSessions{script: func(_ context.Context, url string, _ int) (*models.Page, error) {
		if url == "https://ex.com/missing" {
			return &models.Page{URL: url, StatusCode: 404}, nil
		}
		return okPage(url), nil
	}}
	var (
		mu    sync.Mutex
		hooks = map[string]string{}
	)
	s := newTestScheduler(2, testPolicy(0), 0, sessions, nil).WithPageHook(
		func(_ context.Context, target string, sess Session, page *models.Page) {
			mu.Lock()
			defer mu.Unlock()
			hooks[target] = sess.ID()
			assert.Equal(t, target, page.URL)
		})

	results := runAll(context.Background(), s, []string{"https://ex.com/a", "https://ex.com/missing", "https://ex.com/b"})
	require.Len(t, results, 3)
	assert.Len(t, hooks, 2)
	assert.Contains(t, hooks, "https://ex.com/a")
	assert.Contains(t, hooks, "https://ex.com/b")
	assert.NotContains(t, hooks, "https://ex.com/missing")
}
