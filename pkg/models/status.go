package models

// FetchStatus classifies the result of fetching one URL
type FetchStatus string

const (
	FetchUnset            FetchStatus = ""                  // Zero value = not fetched yet
	FetchOK               FetchStatus = "ok"                // Content received and challenge gate cleared
	FetchHTTPError        FetchStatus = "http_error"        // Non-success HTTP status
	FetchTimeout          FetchStatus = "timeout"           // Per-fetch timeout elapsed
	FetchChallengeBlocked FetchStatus = "challenge_blocked" // Challenge page could not be cleared
	FetchTransportError   FetchStatus = "transport_error"   // Connection, DNS, reset, navigation failure
)

// String implements fmt.Stringer for logging
func (s FetchStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s FetchStatus) IsValid() bool {
	switch s {
	case FetchOK, FetchHTTPError, FetchTimeout, FetchChallengeBlocked, FetchTransportError:
		return true
	}
	return false
}

// DownloadStatus is the result of downloading one document
type DownloadStatus string

const (
	DownloadUnset      DownloadStatus = ""           // Zero value = unset/unknown
	DownloadDownloaded DownloadStatus = "downloaded" // Written to disk in this run
	DownloadExists     DownloadStatus = "exists"     // File was already present, skipped
	DownloadFailed     DownloadStatus = "failed"     // Not downloaded
)

// String implements fmt.Stringer for logging
func (s DownloadStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s DownloadStatus) IsValid() bool {
	switch s {
	case DownloadDownloaded, DownloadExists, DownloadFailed:
		return true
	}
	return false
}

// CaptureStatus is the result of capturing one page
type CaptureStatus string

const (
	CaptureSuccess CaptureStatus = "success" // At least one requested artifact was written
	CaptureFailed  CaptureStatus = "failed"
)
