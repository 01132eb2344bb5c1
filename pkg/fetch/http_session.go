package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// maxPageBytes bounds how much of a page body is read.
const maxPageBytes = 32 << 20

// HTTPSessionFactory opens plain HTTP sessions. Sessions share the client's
// transport but each keeps its own cookie jar.
type HTTPSessionFactory struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
	log       *logrus.Entry
}

// NewHTTPSessionFactory creates a factory around client.
func NewHTTPSessionFactory(client *http.Client, cfg config.HTTPClientConfig, log *logrus.Entry) *HTTPSessionFactory {
	return &HTTPSessionFactory{
		client:    client,
		userAgent: cfg.UserAgent,
		headers:   cfg.Headers,
		log:       log,
	}
}

func (f *HTTPSessionFactory) NewSession(_ context.Context, id string) (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := *f.client
	client.Jar = jar
	return &httpSession{
		id:      id,
		client:  &client,
		factory: f,
	}, nil
}

type httpSession struct {
	id      string
	client  *http.Client
	factory *HTTPSessionFactory

	mu      sync.Mutex
	lastURL string
}

func (s *httpSession) ID() string { return s.id }

func (s *httpSession) Fetch(ctx context.Context, url string) (*models.Page, error) {
	s.mu.Lock()
	s.lastURL = url
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrRequestCreation, url, err)
	}
	applyHeaders(req, s.factory.userAgent, s.factory.headers)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrResponseBodyRead, url, err)
	}

	html := string(body)
	return &models.Page{
		URL:        url,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		HTML:       html,
		Title:      pageTitle(html),
		Headers:    resp.Header,
	}, nil
}

// Snapshot refetches the last URL, picking up any cookies set since.
func (s *httpSession) Snapshot(ctx context.Context) (*models.Page, error) {
	s.mu.Lock()
	last := s.lastURL
	s.mu.Unlock()
	if last == "" {
		return nil, fmt.Errorf("%w: session %s has not fetched anything", utils.ErrTransport, s.id)
	}
	return s.Fetch(ctx, last)
}

// Eval is not available without a browser.
func (s *httpSession) Eval(context.Context, string) error {
	return utils.ErrScriptUnsupported
}

// Close is a no-op: the transport is shared with other sessions.
func (s *httpSession) Close() error {
	return nil
}

// pageTitle returns the trimmed <title> text, or "" if the HTML has none.
func pageTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
