package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRetryFailed       = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrTransport         = errors.New("transport error")                  // Connection, DNS, reset, browser navigation failures
	ErrTimeout           = errors.New("fetch timed out")
	ErrClientHTTPError   = errors.New("client HTTP error (4xx)")    // Wraps original error/status
	ErrServerHTTPError   = errors.New("server HTTP error (5xx)")    // Wraps original error/status
	ErrOtherHTTPError    = errors.New("other HTTP error (non-2xx)") // Wraps original error/status
	ErrChallengeBlocked  = errors.New("challenge page not cleared")
	ErrOperatorAborted   = errors.New("operator did not confirm challenge clearance")
	ErrScriptUnsupported = errors.New("session cannot run page scripts")
	ErrExtraction        = errors.New("extraction error") // A raw match with unexpected structure
	ErrNotPDF            = errors.New("response is not a PDF")
	ErrParsing           = errors.New("parsing error")    // Wraps specific parsing error (URL, JSON, HTML)
	ErrFilesystem        = errors.New("filesystem error") // Wraps os errors
	ErrDatabase          = errors.New("database error")   // Wraps badger errors
	ErrStorage           = errors.New("storage error")    // Record log cannot be written; fatal for a run
	ErrRequestCreation   = errors.New("failed to create HTTP request")
	ErrResponseBodyRead  = errors.New("failed to read response body")
	ErrConfigValidation  = errors.New("configuration validation error")
)

// WrapErrorf wraps a sentinel with a formatted message so errors.Is keeps working.
func WrapErrorf(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// CategorizeError maps an error to a predefined category string for logging/summaries.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Check against sentinel errors first
	switch {
	case errors.Is(err, ErrRetryFailed):
		underlying := errors.Unwrap(err)
		if underlying != nil {
			if errors.Is(underlying, ErrServerHTTPError) {
				return "RetryFailed_HTTPServer"
			}
			if errors.Is(underlying, ErrTimeout) {
				return "RetryFailed_Timeout"
			}
			errMsg := strings.ToLower(underlying.Error())
			if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded") {
				return "RetryFailed_Timeout"
			}
			if strings.Contains(errMsg, "connection refused") {
				return "RetryFailed_ConnectionRefused"
			}
			if strings.Contains(errMsg, "no such host") {
				return "RetryFailed_DNSLookup"
			}
			return "RetryFailed_NetworkOther"
		}
		return "RetryFailed_Unknown"
	case errors.Is(err, ErrChallengeBlocked), errors.Is(err, ErrOperatorAborted):
		return "Challenge_Blocked"
	case errors.Is(err, ErrTimeout):
		return "Network_Timeout"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		if strings.Contains(errMsg, " 404") {
			return "HTTP_404"
		}
		if strings.Contains(errMsg, " 403") {
			return "HTTP_403"
		}
		if strings.Contains(errMsg, " 429") {
			return "HTTP_429"
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrNotPDF):
		return "Content_NotPDF"
	case errors.Is(err, ErrExtraction):
		return "Content_Extraction"
	case errors.Is(err, ErrScriptUnsupported):
		return "Session_NoScripting"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrStorage):
		return "Storage_Log"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lowerErrMsg, "transport error"):
		return "Network_Transport"
	}

	return "Unknown"
}
