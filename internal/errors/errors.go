// Package errors provides structured error types for ralph.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for ralph.
const (
	// Initialization errors
	CodeNotInitialized     Code = "RALPH_NOT_INITIALIZED"
	CodeAlreadyInitialized Code = "RALPH_ALREADY_INITIALIZED"

	// Task errors
	CodeTaskNotFound     Code = "TASK_NOT_FOUND"
	CodeTaskConflict     Code = "TASK_CONFLICT"
	CodeTaskInvalidState Code = "TASK_INVALID_STATE"

	// Agent errors
	CodeAgentUnavailable Code = "AGENT_UNAVAILABLE"
	CodeAgentFailure     Code = "AGENT_FAILURE"
	CodeWatchdogTimeout  Code = "WATCHDOG_TIMEOUT"
	CodeStallTimeout     Code = "STALL_TIMEOUT"
	CodeLoopTrip         Code = "LOOP_TRIP"
	CodeContextLength    Code = "CONTEXT_LENGTH_EXCEEDED"
	CodeMarkerParse      Code = "MARKER_PARSE"
	CodeMaxAttempts      Code = "MAX_ATTEMPTS_EXCEEDED"

	// External-world errors
	CodeTransientNetwork  Code = "TRANSIENT_NETWORK"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodePolicyDenied      Code = "POLICY_DENIED"
	CodeMergeConflict     Code = "MERGE_CONFLICT"
	CodeCIFailure         Code = "CI_FAILURE"
	CodePREvidenceMissing Code = "PR_EVIDENCE_MISSING"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"
)

// Category groups error codes for HTTP status mapping on the event feed.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
	CategoryForbidden
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeNotInitialized:     CategoryBadRequest,
	CodeAlreadyInitialized: CategoryConflict,
	CodeTaskNotFound:       CategoryNotFound,
	CodeTaskConflict:       CategoryConflict,
	CodeTaskInvalidState:   CategoryBadRequest,
	CodeAgentUnavailable:   CategoryUnavailable,
	CodeAgentFailure:       CategoryInternal,
	CodeWatchdogTimeout:    CategoryTimeout,
	CodeStallTimeout:       CategoryTimeout,
	CodeLoopTrip:           CategoryInternal,
	CodeContextLength:      CategoryInternal,
	CodeMarkerParse:        CategoryInternal,
	CodeMaxAttempts:        CategoryInternal,
	CodeTransientNetwork:   CategoryUnavailable,
	CodeRateLimited:        CategoryUnavailable,
	CodePermissionDenied:   CategoryForbidden,
	CodePolicyDenied:       CategoryForbidden,
	CodeMergeConflict:      CategoryConflict,
	CodeCIFailure:          CategoryInternal,
	CodePREvidenceMissing:  CategoryInternal,
	CodeConfigInvalid:      CategoryBadRequest,
	CodeConfigMissing:      CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	case CategoryForbidden:
		return 403
	default:
		return 500
	}
}

// RalphError is the structured error type for ralph.
type RalphError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *RalphError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *RalphError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *RalphError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.DocsURL != "" {
		b.WriteString("\n\nDocs: ")
		b.WriteString(e.DocsURL)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *RalphError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *RalphError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *RalphError) MarshalJSON() ([]byte, error) {
	type alias RalphError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a RalphError with the same code.
func (e *RalphError) Is(target error) bool {
	t, ok := target.(*RalphError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *RalphError) WithCause(err error) *RalphError {
	return &RalphError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Fix:     e.Fix,
		DocsURL: e.DocsURL,
		Cause:   err,
	}
}

// Retriable reports whether the error kind is worth retrying with backoff.
// Rate-limited errors are retriable but scheduled against the reset window
// rather than the per-attempt budget.
func (e *RalphError) Retriable() bool {
	switch e.Code {
	case CodeTransientNetwork, CodeRateLimited:
		return true
	default:
		return false
	}
}

// --- Error constructors ---

// ErrNotInitialized returns an error for an unconfigured ralph directory.
func ErrNotInitialized() *RalphError {
	return &RalphError{
		Code:    CodeNotInitialized,
		What:    "ralph is not initialized",
		Why:     "No ralph config file found for this profile",
		Fix:     "Run 'ralph init' to create one",
		DocsURL: "https://github.com/randalmurphal/ralph#quick-start",
	}
}

// ErrAlreadyInitialized returns an error when ralph is already initialized.
func ErrAlreadyInitialized(path string) *RalphError {
	return &RalphError{
		Code:    CodeAlreadyInitialized,
		What:    "ralph is already initialized",
		Why:     fmt.Sprintf("Found existing config at %s", path),
		Fix:     "Use 'ralph init --force' to overwrite, or edit the file directly",
		DocsURL: "https://github.com/randalmurphal/ralph#configuration",
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(ref string) *RalphError {
	return &RalphError{
		Code:    CodeTaskNotFound,
		What:    fmt.Sprintf("task %s not found", ref),
		Why:     "No task with this issue reference exists in the state store",
		Fix:     "Run 'ralph tasks list' to see known tasks",
		DocsURL: "https://github.com/randalmurphal/ralph#tasks",
	}
}

// ErrTaskConflict returns an error when a compare-and-set transition loses.
func ErrTaskConflict(ref, expected, actual string) *RalphError {
	return &RalphError{
		Code: CodeTaskConflict,
		What: fmt.Sprintf("task %s changed underneath us", ref),
		Why:  fmt.Sprintf("Expected status '%s' but the store holds '%s'", expected, actual),
		Fix:  "Re-read the task and decide again from the fresh snapshot",
	}
}

// ErrAgentUnavailable returns an error when the agent CLI is not accessible.
func ErrAgentUnavailable(name string) *RalphError {
	return &RalphError{
		Code:    CodeAgentUnavailable,
		What:    fmt.Sprintf("agent command %q is not available", name),
		Why:     "Could not find or execute the agent binary",
		Fix:     "Install the agent CLI and make sure it is on PATH",
		DocsURL: "https://github.com/randalmurphal/ralph#requirements",
	}
}

// ErrWatchdogTimeout returns an error when a per-tool watchdog fires.
func ErrWatchdogTimeout(stage, source, tool string) *RalphError {
	return &RalphError{
		Code: CodeWatchdogTimeout,
		What: fmt.Sprintf("watchdog timeout during %s", stage),
		Why:  fmt.Sprintf("Tool %q exceeded its hard threshold (terminated via %s)", tool, source),
		Fix:  "The task requeues once with a bumped watchdog counter; a second hit escalates",
	}
}

// ErrStallTimeout returns an error when the session goes quiet too long.
func ErrStallTimeout(stage string, quietMs int64) *RalphError {
	return &RalphError{
		Code: CodeStallTimeout,
		What: fmt.Sprintf("session stalled during %s", stage),
		Why:  fmt.Sprintf("No events for %dms", quietMs),
		Fix:  "The task requeues once with a bumped stall counter; a second hit escalates",
	}
}

// ErrLoopTrip returns an error when loop detection fires.
func ErrLoopTrip(stage, tool string) *RalphError {
	return &RalphError{
		Code: CodeLoopTrip,
		What: fmt.Sprintf("loop detected during %s", stage),
		Why:  fmt.Sprintf("Repeated identical invocations of %q in the rolling window", tool),
	}
}

// ErrContextLength returns an error for a context-window exhaustion.
func ErrContextLength(stage string) *RalphError {
	return &RalphError{
		Code: CodeContextLength,
		What: fmt.Sprintf("agent context window exhausted during %s", stage),
		Why:  "The session reported context_length_exceeded",
		Fix:  "One compact+resume recovery is attempted per (task, step)",
	}
}

// ErrMarkerParse returns an error when an output marker can't be parsed.
func ErrMarkerParse(marker, reason string) *RalphError {
	return &RalphError{
		Code: CodeMarkerParse,
		What: fmt.Sprintf("could not parse %s marker", marker),
		Why:  reason,
		Fix:  "Up to two repair prompts ask the agent to re-emit the marker verbatim",
	}
}

// ErrMaxAttempts returns an error when a retry budget is exhausted.
func ErrMaxAttempts(what string, attempts int) *RalphError {
	return &RalphError{
		Code: CodeMaxAttempts,
		What: fmt.Sprintf("%s failed after %d attempts", what, attempts),
		Why:  "Maximum retry attempts exceeded without success",
	}
}

// ErrRateLimited returns an error carrying the rate-limit reset hint.
func ErrRateLimited(resetAt string) *RalphError {
	return &RalphError{
		Code: CodeRateLimited,
		What: "hosting API rate limit exhausted",
		Why:  fmt.Sprintf("X-RateLimit-Remaining is 0 until %s", resetAt),
		Fix:  "The worker sleeps until the reset window; no attempt budget is consumed",
	}
}

// ErrPermissionDenied returns a non-retriable permission error.
func ErrPermissionDenied(what, detail string) *RalphError {
	return &RalphError{
		Code: CodePermissionDenied,
		What: fmt.Sprintf("permission denied: %s", what),
		Why:  detail,
		Fix:  "Grant the missing capability to the automation token, then re-queue the task",
	}
}

// ErrPolicyDenied returns a non-retriable policy error.
func ErrPolicyDenied(what string) *RalphError {
	return &RalphError{
		Code: CodePolicyDenied,
		What: fmt.Sprintf("blocked by policy: %s", what),
		Why:  "A sandbox or capability policy forbids this side effect",
		Fix:  "Adjust the policy or run under the prod profile",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *RalphError {
	return &RalphError{
		Code:    CodeConfigInvalid,
		What:    fmt.Sprintf("invalid configuration: %s", field),
		Why:     reason,
		Fix:     "Fix the field in the ralph config file",
		DocsURL: "https://github.com/randalmurphal/ralph#configuration",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *RalphError {
	return &RalphError{
		Code:    CodeConfigMissing,
		What:    fmt.Sprintf("missing required configuration: %s", field),
		Why:     "This field is required but not set in any config layer",
		Fix:     fmt.Sprintf("Add '%s' to the config file or set the RALPH_ env override", field),
		DocsURL: "https://github.com/randalmurphal/ralph#configuration",
	}
}

// AsRalphError attempts to convert an error to a RalphError.
// Returns nil if the error is not a RalphError.
func AsRalphError(err error) *RalphError {
	var rerr *RalphError
	if As(err, &rerr) {
		return rerr
	}
	return nil
}

// As is a convenience wrapper so callers don't need to alias the stdlib
// errors package next to this one.
func As(err error, target any) bool {
	return asError(err, target)
}

func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if rerr, ok := err.(*RalphError); ok {
		if t, ok := target.(**RalphError); ok {
			*t = rerr
			return true
		}
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a RalphError with unknown code.
func Wrap(err error, what string) *RalphError {
	return &RalphError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
