package hosting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassOther},
		{"plain error", errors.New("boom"), ClassOther},
		{"429", &RequestError{StatusCode: 429}, ClassRateLimited},
		{"403 rate limited", &RequestError{StatusCode: 403, RateLimited: true}, ClassRateLimited},
		{"403 denial", &RequestError{StatusCode: 403}, ClassPermission},
		{"401", &RequestError{StatusCode: 401}, ClassPermission},
		{"404", &RequestError{StatusCode: 404}, ClassNotFound},
		{"502", &RequestError{StatusCode: 502}, ClassTransient},
		{"500", &RequestError{StatusCode: 500}, ClassTransient},
		{"422", &RequestError{StatusCode: 422}, ClassOther},
		{"wrapped request error", fmt.Errorf("create PR: %w", &RequestError{StatusCode: 503}), ClassTransient},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "api.github.com"}, ClassTransient},
		{"dns inside request error", &RequestError{Err: &net.DNSError{Err: "EAI_AGAIN"}}, ClassTransient},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), ClassTransient},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassTransient},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("merge PR 3: %w", &RequestError{
		StatusCode: 429,
		RetryAfter: 90 * time.Second,
	})

	d, ok := RetryAfterHint(err)
	if !ok || d != 90*time.Second {
		t.Errorf("RetryAfterHint() = (%v, %v), want (90s, true)", d, ok)
	}

	if _, ok := RetryAfterHint(errors.New("boom")); ok {
		t.Error("RetryAfterHint() on plain error should report false")
	}
	if _, ok := RetryAfterHint(&RequestError{StatusCode: 429}); ok {
		t.Error("RetryAfterHint() without a hint should report false")
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(&RequestError{StatusCode: 503}) {
		t.Error("5xx should be retriable")
	}
	if !IsRetriable(&RequestError{StatusCode: 429}) {
		t.Error("429 should be retriable")
	}
	if IsRetriable(&RequestError{StatusCode: 403}) {
		t.Error("permission denial should not be retriable")
	}
	if IsRetriable(&RequestError{StatusCode: 404}) {
		t.Error("404 should not be retriable")
	}
	if IsRetriable(errors.New("boom")) {
		t.Error("unclassified errors should not be retriable")
	}
}

func TestRequestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *RequestError
		want string
	}{
		{
			"status and message",
			&RequestError{Op: "create PR", StatusCode: 403, Message: "Resource not accessible by integration"},
			"create PR: HTTP 403: Resource not accessible by integration",
		},
		{
			"wrapped error only",
			&RequestError{Op: "list issues", Err: errors.New("connection reset")},
			"list issues: connection reset",
		},
		{
			"bare op",
			&RequestError{Op: "check auth"},
			"check auth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &RequestError{Op: "get PR 1", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should see through RequestError")
	}
}

func TestErrorClassString(t *testing.T) {
	classes := map[ErrorClass]string{
		ClassOther:       "other",
		ClassTransient:   "transient",
		ClassRateLimited: "rate-limited",
		ClassPermission:  "permission",
		ClassNotFound:    "not-found",
	}
	for class, want := range classes {
		if got := class.String(); got != want {
			t.Errorf("ErrorClass(%d).String() = %q, want %q", class, got, want)
		}
	}
}
