package markers

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Output marker prefixes. The agent must emit exactly one marker as the
// final non-empty line of its output.
const (
	PlanReviewPrefix    = "RALPH_PLAN_REVIEW:"
	ReviewPrefix        = "RALPH_REVIEW:"
	ParentVerifyPrefix  = "RALPH_PARENT_VERIFY:"
	BuildEvidencePrefix = "RALPH_BUILD_EVIDENCE:"
)

// ErrNoMarker is returned when the final output line carries no
// recognizable marker. Callers may run a repair prompt and retry.
var ErrNoMarker = errors.New("no marker on final output line")

// ReviewResult is the verdict of a plan, product, or devex review.
type ReviewResult struct {
	Status string `json:"status"` // "pass" or "fail"
	Reason string `json:"reason"`
}

// Pass reports whether the review passed.
func (r *ReviewResult) Pass() bool { return r.Status == "pass" }

// ParentVerifyResult is the outcome of a verification-only agent run on a
// parent issue whose children all resolved.
type ParentVerifyResult struct {
	Version            int    `json:"version"`
	WorkRemains        bool   `json:"work_remains"`
	Reason             string `json:"reason"`
	WhySatisfied       string `json:"why_satisfied,omitempty"`
	NoPRTerminalReason string `json:"noPrTerminalReason,omitempty"`
}

// BuildEvidence is the agent's structured claim that the build stage left
// a pushable branch behind. The pr-evidence gate cross-checks it against
// git before any PR is created.
type BuildEvidence struct {
	Version          int               `json:"version"`
	Branch           string            `json:"branch"`
	Base             string            `json:"base"`
	HeadSHA          string            `json:"head_sha"`
	WorktreeClean    bool              `json:"worktree_clean"`
	Preflight        PreflightEvidence `json:"preflight"`
	ReadyForPRCreate bool              `json:"ready_for_pr_create"`
}

// PreflightEvidence summarizes the build's own verification command.
type PreflightEvidence struct {
	Status  string `json:"status"`
	Command string `json:"command"`
	Summary string `json:"summary"`
}

var headSHAPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

// ParsePlanReview parses the strict plan-review marker: the final
// non-empty line must be `RALPH_PLAN_REVIEW: <json>`.
func ParsePlanReview(output string) (*ReviewResult, error) {
	line := finalMarkerLine(output)
	if !strings.HasPrefix(line, PlanReviewPrefix) {
		return nil, ErrNoMarker
	}
	return parseReviewJSON(strings.TrimSpace(strings.TrimPrefix(line, PlanReviewPrefix)))
}

// ParseReview parses the review marker with the narrow fallback ladder:
// exact prefix, case-insensitive prefix, then a bare JSON object on the
// final line when it carries a status field.
func ParseReview(output string) (*ReviewResult, error) {
	line := finalMarkerLine(output)
	if payload, ok := markerPayload(line, ReviewPrefix, "status"); ok {
		return parseReviewJSON(payload)
	}
	return nil, ErrNoMarker
}

func parseReviewJSON(payload string) (*ReviewResult, error) {
	var r ReviewResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("review marker: %w", err)
	}
	if r.Status != "pass" && r.Status != "fail" {
		return nil, fmt.Errorf("review marker: status %q is not pass or fail", r.Status)
	}
	return &r, nil
}

// ParseParentVerify parses the parent-verification marker with the same
// fallback ladder, keyed on the work_remains field.
func ParseParentVerify(output string) (*ParentVerifyResult, error) {
	line := finalMarkerLine(output)
	payload, ok := markerPayload(line, ParentVerifyPrefix, "work_remains")
	if !ok {
		return nil, ErrNoMarker
	}

	var r ParentVerifyResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("parent-verify marker: %w", err)
	}
	if !gjson.Get(payload, "work_remains").Exists() {
		return nil, fmt.Errorf("parent-verify marker: work_remains missing")
	}
	if !r.WorkRemains && r.Reason == "" {
		return nil, fmt.Errorf("parent-verify marker: no_work requires a reason")
	}
	return &r, nil
}

// ParseBuildEvidence parses the build-evidence marker, keyed on head_sha.
func ParseBuildEvidence(output string) (*BuildEvidence, error) {
	line := finalMarkerLine(output)
	payload, ok := markerPayload(line, BuildEvidencePrefix, "head_sha")
	if !ok {
		return nil, ErrNoMarker
	}

	var ev BuildEvidence
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, fmt.Errorf("build-evidence marker: %w", err)
	}
	if ev.Branch == "" {
		return nil, fmt.Errorf("build-evidence marker: branch missing")
	}
	if !headSHAPattern.MatchString(ev.HeadSHA) {
		return nil, fmt.Errorf("build-evidence marker: head_sha %q is not 7-40 hex chars", ev.HeadSHA)
	}
	return &ev, nil
}

// markerPayload extracts the JSON payload from line for the given prefix.
// Fallbacks, in order: exact prefix, case-insensitive prefix, then the
// line being a bare JSON object that carries requiredField. Anything else
// fails; repair prompts handle the rest.
func markerPayload(line, prefix, requiredField string) (string, bool) {
	if strings.HasPrefix(line, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
	}
	if len(line) >= len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
		return strings.TrimSpace(line[len(prefix):]), true
	}
	if strings.HasPrefix(line, "{") && gjson.Valid(line) && gjson.Get(line, requiredField).Exists() {
		return line, true
	}
	return "", false
}

var fencePattern = regexp.MustCompile("^```[a-zA-Z0-9]*$")

// finalMarkerLine returns the final non-empty line of output. A trailing
// single-line code fence on the ultimate line is ignored as decoration.
func finalMarkerLine(output string) string {
	lines := strings.Split(output, "\n")
	i := len(lines) - 1
	for i >= 0 && strings.TrimSpace(lines[i]) == "" {
		i--
	}
	if i >= 0 && fencePattern.MatchString(strings.TrimSpace(lines[i])) {
		i--
		for i >= 0 && strings.TrimSpace(lines[i]) == "" {
			i--
		}
	}
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(lines[i])
}
