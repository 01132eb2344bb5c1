package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// Fetcher makes raw HTTP requests with retries decided by a RetryPolicy
type Fetcher struct {
	client *http.Client
	policy RetryPolicy
	log    *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, policy RetryPolicy, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client: client,
		policy: policy,
		log:    log,
	}
}

// FetchWithRetry performs req until it succeeds (2xx), fails terminally, or
// the policy stops retrying. On success the caller must close the body. A
// terminal 4xx is returned together with its response so the caller can
// inspect it; the caller must close that body too.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error

	reqLog := f.log.WithField("url", req.URL.String())

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) after error: %w", err, lastErr)
			}
			return nil, err
		}

		resp, err := f.client.Do(req.WithContext(ctx))

		var status models.FetchStatus
		code := 0
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil) {
				return nil, err // The caller's context ended; not retryable
			}
			status = Classify(err, 0)
			lastErr = fmt.Errorf("%w: %w", utils.ErrTransport, err)
			reqLog.WithField("attempt", attempt).Errorf("Network error: %v", err)
		default:
			code = resp.StatusCode
			if code >= 200 && code < 300 {
				reqLog.WithField("attempt", attempt).Debug("Successfully fetched")
				return resp, nil
			}
			status = Classify(nil, code)
			lastErr = statusError(code)
			if status != models.FetchHTTPError {
				// 1xx/3xx reaching here are not followable
				return resp, lastErr
			}
			if code < 500 {
				reqLog.WithField("status_code", code).Warn("Client error (4xx), not retrying")
				return resp, lastErr
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		decision := f.policy.Decide(status, code, attempt)
		if !decision.Retry {
			reqLog.Errorf("All %d fetch attempts failed. Last error: %v", attempt, lastErr)
			return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
		}

		reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": f.policy.MaxRetries, "delay": decision.Delay}).Warn("Retrying request...")
		if err := sleepCtx(ctx, decision.Delay); err != nil {
			return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", err, lastErr)
		}
	}
}
