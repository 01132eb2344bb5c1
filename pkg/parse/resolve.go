package parse

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// ErrInvalidURL is returned when a candidate or its base cannot be parsed
var ErrInvalidURL = fmt.Errorf("%w: invalid URL", utils.ErrParsing)

// Resolve turns a candidate extracted from source into an absolute URL.
//   - absolute candidates starting with "http" are returned unchanged once
//     they parse with a host
//   - candidates starting with "/" are resolved against base (the task's base URL)
//   - anything else is resolved against source, the page it was found on
//
// An empty base falls back to source for root-relative candidates.
func Resolve(candidate, base, source string) (string, error) {
	if candidate == "" {
		return "", fmt.Errorf("%w: empty candidate", ErrInvalidURL)
	}
	if strings.HasPrefix(candidate, "http") {
		u, err := url.Parse(candidate)
		if err != nil {
			return "", fmt.Errorf("%w: candidate '%s': %v", ErrInvalidURL, candidate, err)
		}
		if u.Scheme != "" {
			if u.Host == "" {
				return "", fmt.Errorf("%w: candidate '%s' has no host", ErrInvalidURL, candidate)
			}
			return candidate, nil
		}
		// "httpdocs/x.html" is a relative path that happens to start with "http"
	}

	against := source
	if strings.HasPrefix(candidate, "/") && base != "" {
		against = base
	}
	return join(against, candidate)
}

func join(against, candidate string) (string, error) {
	baseURL, err := url.Parse(against)
	if err != nil {
		return "", fmt.Errorf("%w: base '%s': %v", ErrInvalidURL, against, err)
	}
	if !baseURL.IsAbs() || baseURL.Host == "" {
		return "", fmt.Errorf("%w: base '%s' is not absolute", ErrInvalidURL, against)
	}
	ref, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: candidate '%s': %v", ErrInvalidURL, candidate, err)
	}
	resolved := baseURL.ResolveReference(ref)
	if resolved.Host == "" {
		return "", fmt.Errorf("%w: candidate '%s' resolves without a host", ErrInvalidURL, candidate)
	}
	return resolved.String(), nil
}

// Canonicalize returns the key used for global deduplication.
// URLs are compared as exact strings: "https://a.org/x" and "https://a.org/x/"
// are distinct, as are differing query orders or fragments.
func Canonicalize(rawURL string) string {
	return rawURL
}

// IsInvalidURL reports whether err came from Resolve rejecting its input
func IsInvalidURL(err error) bool {
	return errors.Is(err, ErrInvalidURL)
}
