package classify

import (
	"fmt"
	"strings"
)

// Kind identifies one class of download failure.
type Kind string

const (
	KindVideoUnavailable Kind = "VIDEO_UNAVAILABLE"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindDownloadTimeout  Kind = "DOWNLOAD_TIMEOUT"
	KindDiskFull         Kind = "DISK_FULL"
	KindInvalidURL       Kind = "INVALID_URL"
	KindNetworkError     Kind = "NETWORK_ERROR"
	KindServerError      Kind = "SERVER_ERROR"

	// KindInvalidJobID is a request-validation kind. Classify never
	// produces it; the orchestrator raises it before any extraction.
	KindInvalidJobID Kind = "INVALID_JOB_ID"
)

// Error is a classified failure. Transient errors carry a suggested
// retry delay; permanent errors will not succeed on retry without
// changed input. Cause holds the raw extractor text for diagnostics and
// is never used as the primary message.
type Error struct {
	Kind              Kind   `json:"code"`
	Message           string `json:"message"`
	Transient         bool   `json:"is_transient"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Cause             string `json:"cause,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// rule maps known failure substrings onto a classified error. Rules are
// evaluated in order; the first match wins.
type rule struct {
	substrings []string
	kind       Kind
	message    string
	transient  bool
	retryAfter int
}

var rules = []rule{
	{
		substrings: []string{"private", "unavailable", "deleted", "removed", "geo-block"},
		kind:       KindVideoUnavailable,
		message:    "video is private, deleted, or unavailable",
	},
	{
		substrings: []string{"sign in", "bot", "confirm you"},
		kind:       KindRateLimited,
		message:    "bot detection triggered, sign-in or cookies required",
		transient:  true,
		retryAfter: 300,
	},
	{
		substrings: []string{"429", "rate limit", "too many requests"},
		kind:       KindRateLimited,
		message:    "rate limited by upstream",
		transient:  true,
		retryAfter: 300,
	},
	{
		substrings: []string{"timeout", "timed out", "deadline exceeded", "context canceled"},
		kind:       KindDownloadTimeout,
		message:    "download timed out",
		transient:  true,
		retryAfter: 60,
	},
	{
		substrings: []string{"network", "connection", "resolve", "unreachable"},
		kind:       KindNetworkError,
		message:    "network connection error",
		transient:  true,
		retryAfter: 30,
	},
	{
		substrings: []string{"disk", "no space"},
		kind:       KindDiskFull,
		message:    "server disk full",
		transient:  true,
		retryAfter: 600,
	},
	{
		substrings: []string{"invalid", "malformed", "unsupported url"},
		kind:       KindInvalidURL,
		message:    "invalid or unsupported URL",
	},
}

// Classify maps raw extractor failure text onto one of the seven fixed
// error kinds. Matching is case-insensitive. Unmatched text falls back
// to a transient ServerError so callers retry rather than discard.
func Classify(raw string) *Error {
	lower := strings.ToLower(raw)
	for _, r := range rules {
		for _, s := range r.substrings {
			if strings.Contains(lower, s) {
				return &Error{
					Kind:              r.kind,
					Message:           r.message,
					Transient:         r.transient,
					RetryAfterSeconds: r.retryAfter,
					Cause:             raw,
				}
			}
		}
	}
	return &Error{
		Kind:              KindServerError,
		Message:           "download failed",
		Transient:         true,
		RetryAfterSeconds: 120,
		Cause:             raw,
	}
}

// Permanent reports whether retrying cannot fix an error of this kind.
func Permanent(k Kind) bool {
	switch k {
	case KindVideoUnavailable, KindInvalidURL, KindInvalidJobID:
		return true
	}
	return false
}

// NewInvalidURL builds the permanent validation error raised before any
// extraction attempt.
func NewInvalidURL(message string) *Error {
	return &Error{Kind: KindInvalidURL, Message: message}
}

// NewInvalidJobID builds the permanent validation error for job
// identifiers that are empty or contain path-traversal sequences.
func NewInvalidJobID(message string) *Error {
	return &Error{Kind: KindInvalidJobID, Message: message}
}

// NewTimeout builds the deterministic deadline-expiry error.
func NewTimeout(cause string) *Error {
	return &Error{
		Kind:              KindDownloadTimeout,
		Message:           "download timed out",
		Transient:         true,
		RetryAfterSeconds: 60,
		Cause:             cause,
	}
}

// NewDiskFull builds the storage-floor error raised at allocation time.
func NewDiskFull(cause string) *Error {
	return &Error{
		Kind:              KindDiskFull,
		Message:           "server disk full",
		Transient:         true,
		RetryAfterSeconds: 600,
		Cause:             cause,
	}
}

// NewServerError builds the transient fallback error.
func NewServerError(message, cause string) *Error {
	return &Error{
		Kind:              KindServerError,
		Message:           message,
		Transient:         true,
		RetryAfterSeconds: 120,
		Cause:             cause,
	}
}

// NewOverloaded builds the transient signal returned when a request
// waits out its bounded queue slot behind the concurrency ceiling.
func NewOverloaded() *Error {
	return &Error{
		Kind:              KindServerError,
		Message:           "download queue is full, try again shortly",
		Transient:         true,
		RetryAfterSeconds: 30,
	}
}
