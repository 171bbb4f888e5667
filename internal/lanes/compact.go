package lanes

import (
	"fmt"
	"strings"

	"github.com/randalmurphal/ralph/internal/session"
)

// CompactStep is the step key the compact recovery itself runs under.
// Exhaustion during compact is not recoverable by more compaction.
const CompactStep = "compact"

// CompactEligible reports whether a failed step qualifies for the
// context-compact lane: the session reported context exhaustion and the
// step is not itself the compact step.
func CompactEligible(step, errorCode string) bool {
	return errorCode == session.ErrorCodeContextLengthExceeded && step != CompactStep
}

// CompactKey is the idempotency key guarding the at-most-once compact
// attempt per (task, step).
func CompactKey(taskID int64, step string) string {
	return fmt.Sprintf("compact:%d:%s", taskID, step)
}

// ResumePrompt reconstitutes the post-compact prompt from the worktree's
// plan file and a `git status --porcelain` snapshot, so the resumed
// session can re-orient without the lost context.
func ResumePrompt(step, plan, porcelain string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your context was compacted mid-run. Resume the %s step from the worktree's current state.\n", step)

	if plan = strings.TrimSpace(plan); plan != "" {
		b.WriteString("\nPlan:\n")
		b.WriteString(plan)
		b.WriteString("\n")
	}

	if porcelain = strings.TrimSpace(porcelain); porcelain != "" {
		b.WriteString("\nWorking tree (git status --porcelain):\n")
		b.WriteString(porcelain)
		b.WriteString("\n")
	} else {
		b.WriteString("\nThe working tree is clean.\n")
	}

	b.WriteString("\nContinue from where the plan and working tree leave off; do not redo completed work.")
	return b.String()
}
