package challenge

import (
	"strings"

	"github.com/Sriram-PR/chain-scraper/pkg/models"
)

// DefaultMarkers are lowercase phrases that only appear on anti-automation
// interstitials. The bare word "cloudflare" is not a marker: it shows up in
// footers and CDN notices on ordinary pages.
var DefaultMarkers = []string{
	"just a moment",
	"请稍候",
	"checking your browser",
	"checking if the site connection is secure",
	"checking if the connection is secure",
	"checking connection",
	"verification in progress",
	"verify you are human",
	"确认您是真人",
	"正在验证",
	"challenges.cloudflare.com",
	"cf-turnstile",
}

// Detector recognises challenge pages by marker phrases
type Detector struct {
	markers []string
}

// NewDetector returns a detector using DefaultMarkers plus extra.
func NewDetector(extra []string) *Detector {
	markers := make([]string, 0, len(DefaultMarkers)+len(extra))
	markers = append(markers, DefaultMarkers...)
	for _, m := range extra {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			markers = append(markers, m)
		}
	}
	return &Detector{markers: markers}
}

// DetectText reports whether title or body contains a marker, ignoring case.
func (d *Detector) DetectText(title, body string) bool {
	haystack := strings.ToLower(title + "\n" + body)
	for _, m := range d.markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

// Detect reports whether page is a challenge page. A nil page is not.
func (d *Detector) Detect(page *models.Page) bool {
	if page == nil {
		return false
	}
	return d.DetectText(page.Title, page.HTML)
}
