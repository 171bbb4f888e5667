package lanes

import (
	"fmt"
	"time"

	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/state"
)

// ParentVerifyAction is the decision after one verification agent run.
type ParentVerifyAction string

const (
	// ParentProceed means work remains: hand the parent to the normal
	// pipeline.
	ParentProceed ParentVerifyAction = "proceed"
	// ParentCompleteNoPR means the children already satisfied the parent:
	// record a verified no-PR success.
	ParentCompleteNoPR ParentVerifyAction = "complete-no-pr"
	// ParentDefer retries verification later with backoff.
	ParentDefer ParentVerifyAction = "defer"
	// ParentEscalate hands the parent to a human at the attempt cap.
	ParentEscalate ParentVerifyAction = "escalate"
)

// ParentVerifyInput is the verification run's output plus the attempt
// bookkeeping recorded by the atomic claim.
type ParentVerifyInput struct {
	Output string

	// AttemptCount includes the claim's bump for this attempt.
	AttemptCount int
	MaxAttempts  int

	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// ParentVerifyDecision carries the action, the reason to record, and the
// recognized no-PR terminal reason when the parent completes without one.
type ParentVerifyDecision struct {
	Action             ParentVerifyAction
	Reason             string
	NoPRTerminalReason string

	// RetryIn is the defer backoff, zero for other actions.
	RetryIn time.Duration
}

// DecideParentVerify interprets the verification agent's output. A
// missing or malformed marker counts as a failed attempt: defer with
// backoff below the cap, escalate at it. An unrecognized terminal reason
// gets the same treatment — completing a parent as a success on a reason
// nobody recognizes would hide real work.
func DecideParentVerify(in ParentVerifyInput) ParentVerifyDecision {
	res, err := markers.ParseParentVerify(in.Output)
	if err != nil {
		return parentVerifyRetry(in, fmt.Sprintf("verification marker unusable: %v", err))
	}

	if res.WorkRemains {
		return ParentVerifyDecision{Action: ParentProceed, Reason: res.Reason}
	}

	if state.RecognizedNoPRReason(res.NoPRTerminalReason) {
		reason := res.WhySatisfied
		if reason == "" {
			reason = res.Reason
		}
		return ParentVerifyDecision{
			Action:             ParentCompleteNoPR,
			Reason:             reason,
			NoPRTerminalReason: res.NoPRTerminalReason,
		}
	}

	return parentVerifyRetry(in,
		fmt.Sprintf("no_work with unrecognized terminal reason %q", res.NoPRTerminalReason))
}

func parentVerifyRetry(in ParentVerifyInput, reason string) ParentVerifyDecision {
	if in.MaxAttempts > 0 && in.AttemptCount >= in.MaxAttempts {
		return ParentVerifyDecision{
			Action: ParentEscalate,
			Reason: fmt.Sprintf("%s after %d attempts", reason, in.AttemptCount),
		}
	}
	return ParentVerifyDecision{
		Action:  ParentDefer,
		Reason:  reason,
		RetryIn: Backoff(in.BackoffBase, in.AttemptCount, in.BackoffMax),
	}
}
