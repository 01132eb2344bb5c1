package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// Backoff strategies understood by RetryPolicy
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryPolicy decides whether a failed fetch attempt is retried and after
// how long. It performs no I/O.
type RetryPolicy struct {
	MaxRetries int           // Retries after the first attempt
	BaseDelay  time.Duration // Fixed delay, or the first exponential step
	MaxDelay   time.Duration // Cap for exponential delays (0 = uncapped)
	Backoff    string
}

// RetryDecision is the result of RetryPolicy.Decide
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// NewRetryPolicy builds a policy from validated fetch settings.
func NewRetryPolicy(cfg config.FetchConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
		MaxDelay:   cfg.MaxRetryDelay,
		Backoff:    cfg.Backoff,
	}
}

// Decide returns the decision after attempt (1-based) ended with status and
// HTTP code. Timeouts, transport errors and 5xx responses are retried until
// MaxRetries retries have been made; 4xx responses and challenge blocks never
// are.
func (p RetryPolicy) Decide(status models.FetchStatus, code int, attempt int) RetryDecision {
	if attempt > p.MaxRetries || !retryable(status, code) {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: p.delay(attempt)}
}

func retryable(status models.FetchStatus, code int) bool {
	switch status {
	case models.FetchTimeout, models.FetchTransportError:
		return true
	case models.FetchHTTPError:
		return code >= 500
	}
	return false
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff != BackoffExponential {
		return p.BaseDelay
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Classify maps the result of one fetch attempt to a FetchStatus. A response
// without an observable status code (0) counts as ok.
func Classify(err error, code int) models.FetchStatus {
	if err != nil {
		if isTimeout(err) {
			return models.FetchTimeout
		}
		return models.FetchTransportError
	}
	if code >= 400 {
		return models.FetchHTTPError
	}
	return models.FetchOK
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, utils.ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// statusError wraps an HTTP status in the matching sentinel.
func statusError(code int) error {
	text := http.StatusText(code)
	switch {
	case code >= 500:
		return fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, code, text)
	case code >= 400:
		return fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, code, text)
	}
	return fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, code, text)
}
