package capture

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

var (
	illegalNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
	nameSeparators   = regexp.MustCompile(`[\s_]+`)
)

const (
	minTitleRunes  = 3  // Shorter titles fall back to a URL-derived name
	maxSegmentName = 50 // Cap for the URL path segment used as a name
)

// BaseName picks the file stem for a captured page. A usable title gives
// "<title>_<8 hex>", otherwise the last URL path segment gives
// "<segment>_<12 hex>". The hex digits come from the URL's SHA-256, so two
// pages sharing a title still get distinct files. maxLen bounds the title
// part plus its suffix.
func BaseName(title, pageURL string, maxLen int) string {
	sum := utils.CalculateBytesSHA256([]byte(pageURL))

	if clean := sanitizeName(title, maxLen-9); len([]rune(clean)) >= minTitleRunes {
		return clean + "_" + sum[:8]
	}
	if seg := sanitizeName(lastSegment(pageURL), maxSegmentName); seg != "" {
		return seg + "_" + sum[:12]
	}
	return sum[:12]
}

// sanitizeName makes s safe as a file name and cuts it to maxRunes runes.
func sanitizeName(s string, maxRunes int) string {
	s = illegalNameChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, " .")
	s = nameSeparators.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if r := []rune(s); maxRunes > 0 && len(r) > maxRunes {
		s = strings.TrimRight(string(r[:maxRunes]), "_.")
	}
	return s
}

func lastSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	seg := path.Base(u.Path)
	if seg == "/" || seg == "." {
		return ""
	}
	if ext := path.Ext(seg); ext != "" {
		seg = strings.TrimSuffix(seg, ext)
	}
	if decoded, err := url.PathUnescape(seg); err == nil {
		seg = decoded
	}
	return seg
}
