package lanes

import (
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/ralph/internal/state"
)

func TestDecideParentVerifyWorkRemains(t *testing.T) {
	t.Parallel()

	out := "checked children\n" +
		`RALPH_PARENT_VERIFY: {"version":1,"work_remains":true,"reason":"integration glue between #4 and #5 missing"}`
	d := DecideParentVerify(ParentVerifyInput{Output: out, AttemptCount: 1, MaxAttempts: 3})

	if d.Action != ParentProceed {
		t.Fatalf("Action = %q, want proceed", d.Action)
	}
	if !strings.Contains(d.Reason, "integration glue") {
		t.Errorf("Reason = %q", d.Reason)
	}
	if d.NoPRTerminalReason != "" || d.RetryIn != 0 {
		t.Errorf("unexpected plan fields: %+v", d)
	}
}

func TestDecideParentVerifyNoWorkCompletes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		reason string
	}{
		{"parent satisfied by children", state.NoPRParentVerification},
		{"issue closed upstream", state.NoPRIssueClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := `RALPH_PARENT_VERIFY: {"version":1,"work_remains":false,` +
				`"reason":"children cover the scope","why_satisfied":"all child PRs merged",` +
				`"noPrTerminalReason":"` + tt.reason + `"}`
			d := DecideParentVerify(ParentVerifyInput{Output: out, AttemptCount: 1, MaxAttempts: 3})

			if d.Action != ParentCompleteNoPR {
				t.Fatalf("Action = %q, want complete-no-pr", d.Action)
			}
			if d.NoPRTerminalReason != tt.reason {
				t.Errorf("NoPRTerminalReason = %q, want %q", d.NoPRTerminalReason, tt.reason)
			}
			if d.Reason != "all child PRs merged" {
				t.Errorf("Reason = %q, want the why_satisfied text", d.Reason)
			}
		})
	}
}

func TestDecideParentVerifyUnrecognizedReasonDefers(t *testing.T) {
	t.Parallel()

	out := `RALPH_PARENT_VERIFY: {"version":1,"work_remains":false,` +
		`"reason":"done","noPrTerminalReason":"BECAUSE_I_SAID_SO"}`
	d := DecideParentVerify(ParentVerifyInput{
		Output:       out,
		AttemptCount: 1,
		MaxAttempts:  3,
		BackoffBase:  time.Minute,
		BackoffMax:   time.Hour,
	})

	if d.Action != ParentDefer {
		t.Fatalf("Action = %q, want defer", d.Action)
	}
	if !strings.Contains(d.Reason, "BECAUSE_I_SAID_SO") {
		t.Errorf("Reason = %q", d.Reason)
	}
	if d.RetryIn != time.Minute {
		t.Errorf("RetryIn = %v, want %v (attempt 1)", d.RetryIn, time.Minute)
	}
}

func TestDecideParentVerifyMarkerFailureDefersWithBackoff(t *testing.T) {
	t.Parallel()

	d := DecideParentVerify(ParentVerifyInput{
		Output:       "I think everything is done here!",
		AttemptCount: 2,
		MaxAttempts:  3,
		BackoffBase:  time.Minute,
		BackoffMax:   time.Hour,
	})

	if d.Action != ParentDefer {
		t.Fatalf("Action = %q, want defer", d.Action)
	}
	if d.RetryIn != 2*time.Minute {
		t.Errorf("RetryIn = %v, want %v (attempt 2)", d.RetryIn, 2*time.Minute)
	}
}

func TestDecideParentVerifyEscalatesAtCap(t *testing.T) {
	t.Parallel()

	d := DecideParentVerify(ParentVerifyInput{
		Output:       "no marker again",
		AttemptCount: 3,
		MaxAttempts:  3,
	})

	if d.Action != ParentEscalate {
		t.Fatalf("Action = %q, want escalate", d.Action)
	}
	if !strings.Contains(d.Reason, "after 3 attempts") {
		t.Errorf("Reason = %q", d.Reason)
	}
	if d.RetryIn != 0 {
		t.Errorf("RetryIn = %v for escalation", d.RetryIn)
	}
}
