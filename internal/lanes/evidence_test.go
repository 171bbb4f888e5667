package lanes

import (
	"testing"

	"github.com/randalmurphal/ralph/internal/state"
)

func TestDecideEvidencePRUrlPasses(t *testing.T) {
	t.Parallel()

	d := DecideEvidence(EvidenceInput{
		Outcome:        state.OutcomeSuccess,
		IssueLinked:    true,
		PRUrl:          "https://github.com/acme/demo/pull/123",
		CompletionKind: state.CompletionPR,
	})
	if d.Gate != state.GatePass {
		t.Errorf("Gate = %q, want pass", d.Gate)
	}
	if d.Outcome != state.OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", d.Outcome)
	}
	if d.ArtifactLine() != "" {
		t.Errorf("ArtifactLine() = %q for a passing gate", d.ArtifactLine())
	}
}

func TestDecideEvidenceMissingPRFailsClosed(t *testing.T) {
	t.Parallel()

	d := DecideEvidence(EvidenceInput{
		Outcome:        state.OutcomeSuccess,
		IssueLinked:    true,
		CompletionKind: state.CompletionPR,
	})
	if d.Gate != state.GateFail {
		t.Fatalf("Gate = %q, want fail", d.Gate)
	}
	if d.Outcome != state.OutcomeEscalated {
		t.Errorf("Outcome = %q, want escalated", d.Outcome)
	}
	if d.SkipReason != "missing pr_url" {
		t.Errorf("SkipReason = %q", d.SkipReason)
	}
	if d.ReasonCode != ReasonMissingPRUrl {
		t.Errorf("ReasonCode = %q", d.ReasonCode)
	}
	if d.ArtifactLine() != "PR_EVIDENCE_CAUSE_CODE=UNKNOWN" {
		t.Errorf("ArtifactLine() = %q", d.ArtifactLine())
	}
}

func TestDecideEvidenceVerifiedNoPRSkips(t *testing.T) {
	t.Parallel()

	d := DecideEvidence(EvidenceInput{
		Outcome:            state.OutcomeSuccess,
		IssueLinked:        true,
		CompletionKind:     state.CompletionVerified,
		NoPRTerminalReason: state.NoPRParentVerification,
	})
	if d.Gate != state.GateSkipped {
		t.Fatalf("Gate = %q, want skipped", d.Gate)
	}
	if d.Outcome != state.OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", d.Outcome)
	}
	if d.SkipReason != "parent_verification_no_pr" {
		t.Errorf("SkipReason = %q", d.SkipReason)
	}
}

func TestDecideEvidenceVerifiedUnrecognizedReasonFails(t *testing.T) {
	t.Parallel()

	d := DecideEvidence(EvidenceInput{
		Outcome:            state.OutcomeSuccess,
		IssueLinked:        true,
		CompletionKind:     state.CompletionVerified,
		NoPRTerminalReason: "SOMETHING_ELSE",
	})
	if d.Gate != state.GateFail || d.Outcome != state.OutcomeEscalated {
		t.Errorf("Gate = %q, Outcome = %q; want fail-closed", d.Gate, d.Outcome)
	}
}

func TestDecideEvidenceCauseCodePrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   EvidenceInput
		want string
	}{
		{
			name: "policy denied",
			in:   EvidenceInput{PolicyDenied: true, LeaseStale: true, NoWorktreeBranch: true},
			want: CausePolicyDenied,
		},
		{
			name: "lease stale",
			in:   EvidenceInput{LeaseStale: true, NoWorktreeBranch: true},
			want: CauseLeaseStale,
		},
		{
			name: "no worktree branch",
			in:   EvidenceInput{NoWorktreeBranch: true},
			want: CauseNoWorktreeBranch,
		},
		{
			name: "unknown",
			in:   EvidenceInput{},
			want: CauseUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := tt.in
			in.Outcome = state.OutcomeSuccess
			in.IssueLinked = true
			in.CompletionKind = state.CompletionPR
			d := DecideEvidence(in)
			if d.CauseCode != tt.want {
				t.Errorf("CauseCode = %q, want %q", d.CauseCode, tt.want)
			}
		})
	}
}

func TestDecideEvidenceNonSuccessSkipped(t *testing.T) {
	t.Parallel()

	d := DecideEvidence(EvidenceInput{Outcome: state.OutcomeFailed, IssueLinked: true})
	if d.Gate != state.GateSkipped {
		t.Errorf("Gate = %q, want skipped", d.Gate)
	}
	if d.SkipReason != "outcome_failed" {
		t.Errorf("SkipReason = %q", d.SkipReason)
	}
	if d.Outcome != state.OutcomeFailed {
		t.Errorf("Outcome = %q, want failed unchanged", d.Outcome)
	}
}

func TestDecideEvidenceUnlinkedRunSkipped(t *testing.T) {
	t.Parallel()

	d := DecideEvidence(EvidenceInput{Outcome: state.OutcomeSuccess})
	if d.Gate != state.GateSkipped {
		t.Errorf("Gate = %q, want skipped", d.Gate)
	}
	if d.SkipReason != "no_issue_link" {
		t.Errorf("SkipReason = %q", d.SkipReason)
	}
}
