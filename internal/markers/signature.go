package markers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Failure signatures summarize a failure context as a short stable hash so
// the triage and watchdog lanes can tell "same failure again" from "new
// failure". Volatile content (timestamps, SHAs, counters, ANSI color) is
// masked before hashing so a rerun of the same root cause lands on the same
// signature.

const (
	// excerptCap bounds how much of a check's log excerpt feeds the
	// signature. Logs past this point are usually stack-trace noise that
	// varies run to run.
	excerptCap = 400

	// argsPreviewCap bounds the tool-call args preview in watchdog
	// signatures.
	argsPreviewCap = 200
)

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	hexRunPattern   = regexp.MustCompile(`[0-9a-f]{8,}`)
	digitRunPattern = regexp.MustCompile(`[0-9]+`)
	spaceRunPattern = regexp.MustCompile(`\s+`)
)

// NormalizeExcerpt reduces a raw log excerpt to its stable skeleton:
// ANSI escapes stripped, lowercased, hex runs of 8+ chars (SHAs, addresses)
// and digit runs (timestamps, ports, line numbers) masked to "#", whitespace
// collapsed, and the result capped at 400 chars.
func NormalizeExcerpt(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	s = hexRunPattern.ReplaceAllString(s, "#")
	s = digitRunPattern.ReplaceAllString(s, "#")
	s = spaceRunPattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > excerptCap {
		s = s[:excerptCap]
	}
	return s
}

// CheckFailure is one failed or timed-out required check feeding a failure
// signature.
type CheckFailure struct {
	Name    string
	Excerpt string
}

// FailureSignature computes the v3 triage signature over the timeout flag
// and the set of failing checks. Check order does not matter; excerpts are
// normalized before hashing.
func FailureSignature(timedOut bool, failures []CheckFailure) string {
	keys := make([]string, 0, len(failures))
	for _, f := range failures {
		keys = append(keys, "check="+f.Name+";excerpt="+NormalizeExcerpt(f.Excerpt))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, "v3", fmt.Sprintf("timeout=%t", timedOut))
	parts = append(parts, keys...)
	return Digest(parts...)
}

// WatchdogSignature computes the v2 stall signature for a stuck agent
// session. Two stalls match when the pipeline stage, event source, tool
// name, and normalized args preview all match.
func WatchdogSignature(stage, source, toolName, argsPreview string) string {
	preview := strings.TrimSpace(spaceRunPattern.ReplaceAllString(argsPreview, " "))
	if len(preview) > argsPreviewCap {
		preview = preview[:argsPreviewCap]
	}
	return Digest("v2", stage, source, toolName, preview)
}

// CheckSnapshot is a point-in-time view of one required check, used to
// detect "nothing changed since the last poll" during ci_wait.
type CheckSnapshot struct {
	Name     string
	State    string
	RawState string
}

// ChecksSignature hashes an overall rollup status plus the per-check states
// so the ci_wait poller can back off while the signature is unchanged.
// Check order does not matter.
func ChecksSignature(status string, checks []CheckSnapshot) string {
	keys := make([]string, 0, len(checks))
	for _, c := range checks {
		keys = append(keys, c.Name+"="+c.State+"/"+c.RawState)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, "checks", status)
	parts = append(parts, keys...)
	return Digest(parts...)
}
