// Package markers implements the deterministic marker scheme that makes
// repeated side effects idempotent: HTML-comment markers embedded in issue
// comments, machine-readable result lines at the end of agent output, and
// FNV-1a signatures for failure-loop detection.
//
// A marked issue comment carries two hidden lines:
//
//	<!-- ralph-ci-triage:id=3f9c02d41ab7 -->
//	<!-- ralph-ci-triage:state={"signature":"...","attempts":2,...} -->
//
// Concurrent writers scan for the id line before posting; whoever finds it
// updates the existing comment instead of creating a new one.
package markers

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
)

// Comment marker kinds. One kind per coordination concern, so an issue can
// carry a stuck comment and a CI-triage comment side by side.
const (
	KindCITriage   = "ci-triage"
	KindStuck      = "stuck"
	KindEscalation = "escalation"
	KindBlocked    = "blocked"
	KindFollowUp   = "followup"
)

// Digest returns the 12-hex-char FNV-1a digest of the key parts joined
// with "|". Stable across processes and restarts.
func Digest(parts ...string) string {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex12(h.Sum64())
}

func hex12(sum uint64) string {
	return fmt.Sprintf("%012x", sum&0xffffffffffff)
}

// CommentID derives the marker ID for a per-issue coordination comment.
func CommentID(repo string, issueNumber int) string {
	return Digest(repo, strconv.Itoa(issueNumber))
}

// LeaseKey derives the idempotency key for the PR-create lease on a
// (repo, issue, branch) triple.
func LeaseKey(repo string, issueNumber int, branch string) string {
	return Digest(repo, strconv.Itoa(issueNumber), branch)
}

// IDLine renders the identifying marker line for a comment.
func IDLine(kind, id string) string {
	return fmt.Sprintf("<!-- ralph-%s:id=%s -->", kind, id)
}

// StateLine renders the embedded-state marker line. The state is encoded
// as compact JSON.
func StateLine(kind string, state any) (string, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode %s state: %w", kind, err)
	}
	return fmt.Sprintf("<!-- ralph-%s:state=%s -->", kind, blob), nil
}

// HasID reports whether body carries the marker line for (kind, id).
func HasID(body, kind, id string) bool {
	return strings.Contains(body, IDLine(kind, id))
}

// stateLinePattern matches the state marker for the capture-group kind.
var stateLinePattern = regexp.MustCompile(`<!-- ralph-([a-z-]+):state=(\{.*?\}) -->`)

// ExtractState unmarshals the embedded state blob for kind from body into
// v. The first return value reports whether a state line was found at all;
// the error is non-nil when it was found but would not decode.
func ExtractState(body, kind string, v any) (bool, error) {
	for _, m := range stateLinePattern.FindAllStringSubmatch(body, -1) {
		if m[1] != kind {
			continue
		}
		if err := json.Unmarshal([]byte(m[2]), v); err != nil {
			return true, fmt.Errorf("decode %s state: %w", kind, err)
		}
		return true, nil
	}
	return false, nil
}

// ComposeComment assembles a marked comment body: the hidden id and state
// lines followed by the visible text. A nil state omits the state line.
func ComposeComment(kind, id string, state any, visible string) (string, error) {
	var b strings.Builder
	b.WriteString(IDLine(kind, id))
	b.WriteByte('\n')
	if state != nil {
		line, err := StateLine(kind, state)
		if err != nil {
			return "", err
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(visible)
	return b.String(), nil
}

// TriageState is the coordination blob embedded in the CI-triage comment:
// everything a concurrent or restarted worker needs to decide whether the
// failure is new, repeating, or already handled.
type TriageState struct {
	Signature  string `json:"signature"`
	Attempts   int    `json:"attempts"`
	LastAction string `json:"last_action"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}
