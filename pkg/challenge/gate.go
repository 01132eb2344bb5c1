package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// Target is the live page a clearance attempt acts on
type Target interface {
	Snapshot(ctx context.Context) (*models.Page, error) // Current page state
	Eval(ctx context.Context, script string) error      // Run a short script in the page
}

// Clicker is implemented by targets that can click the verification
// control directly (browser sessions).
type Clicker interface {
	ClickChallenge(ctx context.Context) error
}

// clearanceScript clicks the visible verification control when the page
// exposes it in the top document.
const clearanceScript = `() => {
	const selectors = [
		'#challenge-stage input[type="checkbox"]',
		'.cf-turnstile input[type="checkbox"]',
		'input[type="checkbox"][name*="challenge"]',
		'#challenge-stage button',
		'.big-button.pow-button'
	];
	for (const sel of selectors) {
		const el = document.querySelector(sel);
		if (el && el.offsetParent !== null) { el.click(); return sel; }
	}
	return '';
}`

// Gate detects challenge pages and drives a session from CHALLENGED to
// CLEARED: a bounded number of automated attempts, then the operator.
type Gate struct {
	*Detector
	cfg      config.ChallengeConfig
	operator Operator
	promptCh chan struct{} // capacity 1; serializes operator prompts across sessions
	log      *logrus.Entry
}

// NewGate creates a Gate. A nil operator means exhausted automated clearance
// fails immediately with ErrChallengeBlocked.
func NewGate(cfg config.ChallengeConfig, operator Operator, log *logrus.Entry) *Gate {
	return &Gate{
		Detector: NewDetector(cfg.ExtraMarkers),
		cfg:      cfg,
		operator: operator,
		promptCh: make(chan struct{}, 1),
		log:      log.WithField("component", "challenge"),
	}
}

// Inspect classifies page for sess without attempting clearance. A cleared
// session stays cleared.
func (g *Gate) Inspect(sess *Session, page *models.Page) State {
	if sess.Cleared() {
		return StateCleared
	}
	if g.Detect(page) {
		sess.set(StateChallenged)
		return StateChallenged
	}
	sess.set(StateCleared)
	return StateCleared
}

// EnsureCleared returns the page to use for content. Pages fetched on a
// cleared session pass through untouched. A challenge page triggers
// clearance; on success the re-snapshotted page is returned, otherwise an
// error wrapping ErrChallengeBlocked.
func (g *Gate) EnsureCleared(ctx context.Context, sess *Session, target Target, page *models.Page) (*models.Page, error) {
	if g.Inspect(sess, page) == StateCleared {
		return page, nil
	}

	pageURL := ""
	if page != nil {
		pageURL = page.URL
	}
	gateLog := g.log.WithField("url", pageURL)
	gateLog.Warn("Challenge page detected")

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		sess.beginAttempt()
		gateLog.WithField("attempt", attempt).Infof("Automated clearance attempt %d/%d", attempt, g.cfg.MaxAttempts)

		cleared, err := g.attempt(ctx, target, gateLog)
		if err != nil {
			sess.set(StateChallenged)
			return nil, fmt.Errorf("%w: clearance interrupted for %s: %w", utils.ErrChallengeBlocked, pageURL, err)
		}
		if cleared != nil {
			sess.set(StateCleared)
			gateLog.WithField("attempts", attempt).Info("Challenge cleared automatically")
			return cleared, nil
		}
		sess.set(StateChallenged)
	}

	return g.escalate(ctx, sess, target, page, gateLog)
}

// attempt runs one automated round. It returns the cleared page, or nil if
// the page is still challenged. Only context errors are returned.
func (g *Gate) attempt(ctx context.Context, target Target, gateLog *logrus.Entry) (*models.Page, error) {
	if clicker, ok := target.(Clicker); ok {
		if err := clicker.ClickChallenge(ctx); err != nil {
			gateLog.Debugf("Verification click failed: %v", err)
		}
	}
	if err := target.Eval(ctx, clearanceScript); err != nil && !errors.Is(err, utils.ErrScriptUnsupported) {
		gateLog.Debugf("Clearance script failed: %v", err)
	}

	if err := sleepCtx(ctx, g.cfg.AttemptWait); err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, g.cfg.SettleWait); err != nil {
		return nil, err
	}

	snap, err := target.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		gateLog.Debugf("Snapshot after clearance attempt failed: %v", err)
		return nil, nil
	}
	if g.Detect(snap) {
		return nil, nil
	}
	return snap, nil
}

// escalate hands the session to the operator. Only one prompt is shown at a
// time; a session that finds the challenge gone after waiting its turn skips
// the prompt.
func (g *Gate) escalate(ctx context.Context, sess *Session, target Target, page *models.Page, gateLog *logrus.Entry) (*models.Page, error) {
	pageURL := ""
	if page != nil {
		pageURL = page.URL
	}
	if g.operator == nil {
		sess.set(StateChallenged)
		return nil, fmt.Errorf("%w: %s still challenged after %d attempts", utils.ErrChallengeBlocked, pageURL, g.cfg.MaxAttempts)
	}

	waitCtx := ctx
	if g.cfg.ManualTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.cfg.ManualTimeout)
		defer cancel()
	}

	select {
	case g.promptCh <- struct{}{}:
	case <-waitCtx.Done():
		sess.set(StateChallenged)
		return nil, fmt.Errorf("%w: waiting for operator on %s: %w", utils.ErrChallengeBlocked, pageURL, waitCtx.Err())
	}
	defer func() { <-g.promptCh }()

	if snap, err := target.Snapshot(waitCtx); err == nil && !g.Detect(snap) {
		sess.set(StateCleared)
		gateLog.Info("Challenge cleared while waiting for operator")
		return snap, nil
	}

	gateLog.Warn("Automated clearance exhausted, waiting for operator")
	if err := g.operator.AwaitContinue(waitCtx, pageURL); err != nil {
		sess.set(StateChallenged)
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrChallengeBlocked, pageURL, err)
	}

	sess.set(StateCleared)
	gateLog.Info("Operator confirmed clearance")
	if snap, err := target.Snapshot(ctx); err == nil {
		return snap, nil
	}
	return page, nil
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
