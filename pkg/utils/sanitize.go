package utils

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// --- Filename Sanitization ---
var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`) // Characters invalid in Windows/Unix filenames
var consecutiveUnderscores = regexp.MustCompile(`_+`)                  // Pattern to replace multiple underscores with one

const (
	maxFilenameLength = 100 // Max length for sanitized path components (task names, state dirs)
	maxDocumentLength = 200 // Max length for downloaded document filenames
)

// SanitizeFilename cleans a string to be safe for use as a filename component
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")       // Replace invalid chars with underscore
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_") // Collapse multiple underscores
	sanitized = strings.Trim(sanitized, "_ ")                           // Remove leading/trailing underscores or spaces

	if len(sanitized) > maxFilenameLength {
		sanitized = sanitized[:maxFilenameLength]
		sanitized = strings.Trim(sanitized, "_ ")
	}

	if sanitized == "" {
		sanitized = "untitled"
	}
	return sanitized
}

// SanitizeDocumentName cleans a downloaded document's filename: percent-escapes
// are decoded, invalid characters become underscores, surrounding spaces and
// dots are dropped, and overlong names are cut while keeping the extension.
func SanitizeDocumentName(name string) string {
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	name = invalidFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")

	if len(name) > maxDocumentLength {
		stem, ext := name, ""
		if i := strings.LastIndex(name, "."); i >= 0 {
			stem, ext = name[:i], name[i+1:]
		}
		if ext != "" {
			name = stem[:maxDocumentLength-len(ext)-1] + "." + ext
		} else {
			name = stem[:maxDocumentLength]
		}
	}

	if name == "" {
		return "unnamed.pdf"
	}
	return name
}

// DocumentNameFromURL derives a .pdf filename from the last path segment of rawURL.
func DocumentNameFromURL(rawURL string) string {
	var p string
	if u, err := url.Parse(rawURL); err == nil {
		p = u.EscapedPath()
	} else {
		p = rawURL
	}
	name := path.Base(p)
	if name == "/" || name == "." || name == "" {
		return "unnamed.pdf"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return SanitizeDocumentName(name)
}
