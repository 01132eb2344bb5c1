package fetch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/models"
)

// Scripter is implemented by sessions that can run a page script with
// arguments and read back a numeric result (browser sessions).
type Scripter interface {
	EvalInt(ctx context.Context, script string, args ...any) (int, error)
}

// cookieSettle is the pause after a consent banner is clicked away
const cookieSettle = time.Second

// dismissCookiesScript clicks the first visible consent button it finds and
// returns 1, or 0 when there is none.
const dismissCookiesScript = `() => {
	const visible = (el) => el && el.offsetParent !== null;
	const selectors = [
		'#onetrust-accept-btn-handler',
		'#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll',
		'#CybotCookiebotDialogBodyButtonAccept',
		'[data-cookiebanner="accept_button"]',
		'button[data-cookieconsent="accept"]',
		'.cookie-accept', '.cc-accept', '.cc-allow',
		'button[id*="accept"]', 'button[class*="accept"]',
		'button[id*="cookie"]', 'button[class*="cookie"]',
		'a[id*="accept"]',
	];
	for (const sel of selectors) {
		const el = document.querySelector(sel);
		if (visible(el)) { el.click(); return 1; }
	}
	const labels = ['allow all', 'accept all', 'accept cookies', 'allow cookies'];
	for (const el of document.querySelectorAll('button')) {
		const text = (el.textContent || '').trim().toLowerCase();
		if (visible(el) && labels.some((l) => text.includes(l))) { el.click(); return 1; }
	}
	return 0;
}`

// clickMoreScript clicks up to limit visible, enabled elements matching
// selector and returns how many it clicked.
const clickMoreScript = `(selector, limit) => {
	let clicked = 0;
	for (const el of document.querySelectorAll(selector)) {
		if (clicked >= limit) break;
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 || rect.height === 0 || el.offsetParent === null || el.disabled) continue;
		el.scrollIntoView({block: 'center'});
		el.click();
		clicked++;
	}
	window.scrollTo(0, document.body.scrollHeight);
	return clicked;
}`

// expand runs a level's page actions on the page the lease just fetched and
// returns the page as it looks afterwards. Any failure keeps the fetched
// page: an unexpanded page is still a usable page.
func (s *Scheduler) expand(ctx context.Context, lease *Lease, page *models.Page, actions *models.PageActions, log *logrus.Entry) *models.Page {
	if actions.Empty() {
		return page
	}
	scripter, ok := lease.Session.(Scripter)
	if !ok {
		log.Debug("Session cannot run page scripts, extracting unexpanded page")
		return page
	}

	changed := false
	if actions.DismissCookies {
		n, err := scripter.EvalInt(ctx, dismissCookiesScript)
		switch {
		case err != nil:
			log.Debugf("Cookie banner script failed: %v", err)
		case n > 0:
			log.Debug("Dismissed cookie banner")
			changed = true
			if sleepCtx(ctx, cookieSettle) != nil {
				return page
			}
		}
	}

	if actions.ClickSelector != "" {
		clicks, rounds := 0, 0
		for clicks < actions.MaxClicks {
			n, err := scripter.EvalInt(ctx, clickMoreScript, actions.ClickSelector, actions.MaxClicks-clicks)
			if err != nil {
				log.Debugf("Click script failed after %d clicks: %v", clicks, err)
				break
			}
			if n == 0 {
				break
			}
			clicks += n
			rounds++
			changed = true
			if sleepCtx(ctx, actions.ClickDelay) != nil {
				break
			}
		}
		if clicks > 0 {
			log.WithFields(logrus.Fields{"clicks": clicks, "rounds": rounds}).Debugf("Expanded page via %q", actions.ClickSelector)
		}
	}

	if !changed || ctx.Err() != nil {
		return page
	}
	expanded, err := lease.Snapshot(ctx)
	if err != nil || expanded == nil {
		log.Warnf("Reading expanded page failed, using page as fetched: %v", err)
		return page
	}
	if expanded.StatusCode == 0 {
		expanded.StatusCode = page.StatusCode
	}
	if expanded.FinalURL == "" {
		expanded.FinalURL = page.FinalURL
	}
	return expanded
}
