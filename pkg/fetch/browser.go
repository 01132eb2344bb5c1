package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"
	"github.com/ysmood/gson"

	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// BrowserFactory owns one browser process and opens a tab per session.
// Tabs share the browser's cookies, so a challenge cleared in one tab
// usually clears it for the others.
type BrowserFactory struct {
	browser  *rod.Browser
	launcher *launcher.Launcher // nil when attached to an external browser
	cfg      config.BrowserConfig
	log      *logrus.Entry
}

// NewBrowserFactory launches (or connects to) a browser.
func NewBrowserFactory(cfg config.BrowserConfig, log *logrus.Entry) (*BrowserFactory, error) {
	log = log.WithField("component", "browser")
	f := &BrowserFactory{cfg: cfg, log: log}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(config.GetEffectiveHeadless(cfg)).
			NoSandbox(cfg.NoSandbox)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}

		// Hide the automation switches the browser advertises by default
		l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
		l.Delete(flags.Flag("enable-automation"))
		l.Set(flags.Flag("disable-features"), "TranslateUI")
		l.Set(flags.Flag("disable-popup-blocking"))
		l.Set(flags.Flag("disable-renderer-backgrounding"))
		l.Set(flags.Flag("disable-background-timer-throttling"))
		l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
		l.Set(flags.Flag("disable-dev-shm-usage"))
		l.Set(flags.Flag("no-first-run"))

		var err error
		controlURL, err = l.Launch()
		if err != nil {
			return nil, fmt.Errorf("%w: launching browser: %w", utils.ErrTransport, err)
		}
		f.launcher = l
		log.WithField("control_url", controlURL).Info("Browser launched")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if f.launcher != nil {
			f.launcher.Kill()
		}
		return nil, fmt.Errorf("%w: connecting to browser: %w", utils.ErrTransport, err)
	}
	f.browser = browser
	return f, nil
}

func (f *BrowserFactory) NewSession(_ context.Context, id string) (Session, error) {
	var page *rod.Page
	var err error
	if config.GetEffectiveStealth(f.cfg) {
		page, err = stealth.Page(f.browser)
	} else {
		page, err = f.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening tab: %w", utils.ErrTransport, err)
	}

	if f.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.cfg.UserAgent}); err != nil {
			f.log.WithField("session", id).Warnf("Setting user agent failed: %v", err)
		}
	}
	if len(f.cfg.Headers) > 0 {
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: toHeadersMap(f.cfg.Headers)}).Call(page); err != nil {
			f.log.WithField("session", id).Warnf("Setting extra headers failed: %v", err)
		}
	}

	return &browserSession{id: id, page: page, stableWait: f.cfg.DOMStableWait, log: f.log.WithField("session", id)}, nil
}

// Close shuts the browser down, or disconnects from an external one.
func (f *BrowserFactory) Close() error {
	err := f.browser.Close()
	if f.launcher != nil {
		f.launcher.Kill()
	}
	return err
}

type browserSession struct {
	id         string
	page       *rod.Page
	stableWait time.Duration
	log        *logrus.Entry

	mu      sync.Mutex
	lastURL string
}

func (s *browserSession) ID() string { return s.id }

func (s *browserSession) Fetch(ctx context.Context, url string) (*models.Page, error) {
	s.mu.Lock()
	s.lastURL = url
	s.mu.Unlock()

	p := s.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return nil, navigationError(url, err)
	}
	if err := p.WaitDOMStable(s.stableWait, 0.1); err != nil {
		if ctx.Err() != nil {
			return nil, navigationError(url, ctx.Err())
		}
		s.log.Debugf("DOM did not settle, using current DOM: %v", err)
	}

	page, err := s.capture(p, url)
	if err != nil {
		return nil, err
	}
	page.StatusCode = navigationStatus(p)
	return page, nil
}

// Snapshot reads the tab's current state without navigating.
func (s *browserSession) Snapshot(ctx context.Context) (*models.Page, error) {
	s.mu.Lock()
	last := s.lastURL
	s.mu.Unlock()

	p := s.page.Context(ctx)
	page, err := s.capture(p, last)
	if err != nil {
		return nil, err
	}
	page.StatusCode = navigationStatus(p)
	return page, nil
}

func (s *browserSession) capture(p *rod.Page, url string) (*models.Page, error) {
	html, err := p.HTML()
	if err != nil {
		return nil, navigationError(url, err)
	}
	finalURL := evalString(p, `() => window.location.href`)
	if finalURL == "" {
		finalURL = url
	}
	return &models.Page{
		URL:      url,
		FinalURL: finalURL,
		HTML:     html,
		Title:    evalString(p, `() => document.title`),
		Headers:  http.Header{},
	}, nil
}

func (s *browserSession) Eval(ctx context.Context, script string) error {
	_, err := s.page.Context(ctx).Eval(script)
	return err
}

// EvalInt runs script with args and returns its result as an integer.
func (s *browserSession) EvalInt(ctx context.Context, script string, args ...any) (int, error) {
	res, err := s.page.Context(ctx).Eval(script, args...)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

// Screenshot captures the tab as PNG, or as JPEG when format is "jpeg".
func (s *browserSession) Screenshot(ctx context.Context, fullPage bool, format string, quality int) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if format == "jpeg" {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		req.Quality = gson.Int(quality)
	}
	img, err := s.page.Context(ctx).Screenshot(fullPage, req)
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot: %w", utils.ErrTransport, err)
	}
	return img, nil
}

// ClickChallenge clicks the checkbox inside the turnstile iframe, which the
// top-document script cannot reach.
func (s *browserSession) ClickChallenge(ctx context.Context) error {
	p := s.page.Context(ctx).Timeout(3 * time.Second)
	iframe, err := p.Element(`iframe[src*="challenges.cloudflare.com"]`)
	if err != nil {
		return err
	}
	frame, err := iframe.Frame()
	if err != nil {
		return err
	}
	box, err := frame.Element(`input[type="checkbox"]`)
	if err != nil {
		return err
	}
	return box.Click(proto.InputMouseButtonLeft, 1)
}

func (s *browserSession) Close() error {
	return s.page.Close()
}

// navigationStatus reads the HTTP status of the last navigation. It returns
// 0 when the browser does not expose it.
func navigationStatus(p *rod.Page) int {
	res, err := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch (e) {}
		return 0;
	}`)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

func evalString(p *rod.Page, js string) string {
	res, err := p.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

func navigationError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: navigating to %s: %w", utils.ErrTimeout, url, err)
	}
	return fmt.Errorf("%w: navigating to %s: %w", utils.ErrTransport, url, err)
}

// toHeadersMap converts headers to the CDP representation.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
