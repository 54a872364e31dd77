// Package apierror defines the classified error returned by the remote grid
// service client. Classification happens once, at the HTTP boundary; every
// other layer inspects the Kind instead of re-parsing messages or headers.
package apierror

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind represents a classification of remote failures.
type Kind string

const (
	// KindRateLimited represents HTTP 429 responses.
	KindRateLimited Kind = "rate_limited"

	// KindServer represents 5xx server errors.
	KindServer Kind = "server"

	// KindClient represents 4xx client errors other than 429.
	KindClient Kind = "client"

	// KindNetwork represents transport failures (no response received).
	KindNetwork Kind = "network"

	// KindUnknown is used for anything that could not be classified.
	KindUnknown Kind = "unknown"
)

// ErrInvalidRetryAfter is returned by ParseRetryAfter for malformed values.
var ErrInvalidRetryAfter = errors.New("invalid retry-after value")

// Error is a remote grid service failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Op         string
	Message    string
	Header     http.Header

	// RetryAfter is the server's retry hint. Only meaningful when HasRetryAfter is set.
	RetryAfter    time.Duration
	HasRetryAfter bool

	Err error
}

// Error implements the error interface. The status code is always rendered
// as "status NNN" so log consumers can match on it.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("grid ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "%s error (status %d)", e.Kind, e.StatusCode)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an HTTP status code to a Kind.
func Classify(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500 && status < 600:
		return KindServer
	case status >= 400 && status < 500:
		return KindClient
	default:
		return KindUnknown
	}
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServer, KindNetwork:
		return true
	default:
		return false
	}
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsRateLimited reports whether err (or anything it wraps) is a 429.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// RetryAfterHint returns the retry hint carried by err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.HasRetryAfter {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// maxRetryAfterSeconds is the largest integer Retry-After that fits a Duration.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// ParseRetryAfter parses a Retry-After header value. Both the delay-seconds
// form ("5") and the HTTP-date form are accepted; a date in the past yields 0.
func ParseRetryAfter(value string, now time.Time) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidRetryAfter)
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%w: negative seconds %d", ErrInvalidRetryAfter, secs)
		}
		if int64(secs) > maxRetryAfterSeconds {
			return 0, fmt.Errorf("%w: %d seconds out of range", ErrInvalidRetryAfter, secs)
		}
		return time.Duration(secs) * time.Second, nil
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRetryAfter, value)
	}
	d := at.Sub(now)
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
