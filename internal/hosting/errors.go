package hosting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Hosting provider errors.
var (
	// ErrNoPRFound is returned when no PR/MR exists for the given branch.
	ErrNoPRFound = errors.New("no pull request found for branch")

	// ErrAuthFailed is returned when authentication fails.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
)

// ErrorClass buckets provider errors for retry decisions.
type ErrorClass int

const (
	// ClassOther covers everything not matched below.
	ClassOther ErrorClass = iota

	// ClassTransient covers 5xx responses, timeouts, DNS failures, and
	// connection resets. Retriable with backoff.
	ClassTransient

	// ClassRateLimited covers 429 responses and provider rate-limit
	// signals. Retriable after the hinted delay.
	ClassRateLimited

	// ClassPermission covers 401/403 denials that are not rate limits.
	// Not retriable.
	ClassPermission

	// ClassNotFound covers 404 responses.
	ClassNotFound
)

// String returns the class name for logs.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate-limited"
	case ClassPermission:
		return "permission"
	case ClassNotFound:
		return "not-found"
	default:
		return "other"
	}
}

// RequestError is the normalized form of a failed provider API call.
// Provider implementations wrap their client library's errors into this
// type so callers can classify without importing the library.
type RequestError struct {
	// Op names the failed operation ("create PR", "list issues", ...).
	Op string

	// StatusCode is the HTTP status, 0 when the request never
	// completed (transport error).
	StatusCode int

	// RetryAfter is the server's requested wait, 0 when absent.
	RetryAfter time.Duration

	// RateLimited marks rate-limit denials that arrive with a
	// non-429 status (GitHub secondary limits use 403).
	RateLimited bool

	// Message is the provider's error message, when one was parsed.
	Message string

	Err error
}

func (e *RequestError) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil && e.Message == "" {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

// Classify buckets an error from a Provider call.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}

	var re *RequestError
	if errors.As(err, &re) {
		switch {
		case re.RateLimited, re.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimited
		case re.StatusCode == http.StatusUnauthorized, re.StatusCode == http.StatusForbidden:
			return ClassPermission
		case re.StatusCode == http.StatusNotFound:
			return ClassNotFound
		case re.StatusCode >= 500:
			return ClassTransient
		case re.StatusCode == 0:
			// Transport-level failure; fall through to the net checks.
		default:
			return ClassOther
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	return ClassOther
}

// RetryAfterHint extracts the server-requested retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var re *RequestError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return re.RetryAfter, true
	}
	return 0, false
}

// IsRetriable reports whether a retry with backoff is worthwhile.
func IsRetriable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}
