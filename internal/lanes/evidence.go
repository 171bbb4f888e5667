package lanes

import (
	"strings"

	"github.com/randalmurphal/ralph/internal/state"
)

// Cause codes attached to fail-closed evidence artifacts, most specific
// known cause first.
const (
	CausePolicyDenied     = "POLICY_DENIED"
	CauseLeaseStale       = "LEASE_STALE"
	CauseNoWorktreeBranch = "NO_WORKTREE_BRANCH"
	CauseUnknown          = "UNKNOWN"
)

// ReasonMissingPRUrl is the reason code recorded when the evidence gate
// fails a run.
const ReasonMissingPRUrl = "missing_pr_url"

// EvidenceInput describes a run arriving at the PR-evidence gate.
type EvidenceInput struct {
	Outcome            state.RunOutcome
	IssueLinked        bool
	PRUrl              string
	CompletionKind     string
	NoPRTerminalReason string

	// Cause hints for the fail-closed artifact.
	PolicyDenied     bool
	LeaseStale       bool
	NoWorktreeBranch bool
}

// EvidenceDecision is the gate verdict plus the outcome to persist. The
// gate fails closed: an issue-linked success with neither a PR URL nor a
// recognized no-PR reason becomes an escalation.
type EvidenceDecision struct {
	Gate       state.GateStatus
	Outcome    state.RunOutcome
	SkipReason string
	ReasonCode string
	CauseCode  string
}

// ArtifactLine renders the cause-code line written into the gate
// artifact, empty when the gate did not fail.
func (d EvidenceDecision) ArtifactLine() string {
	if d.CauseCode == "" {
		return ""
	}
	return "PR_EVIDENCE_CAUSE_CODE=" + d.CauseCode
}

// DecideEvidence runs the final gate before an outcome is persisted.
func DecideEvidence(in EvidenceInput) EvidenceDecision {
	d := EvidenceDecision{Outcome: in.Outcome}

	if in.Outcome != state.OutcomeSuccess {
		d.Gate = state.GateSkipped
		d.SkipReason = "outcome_" + string(in.Outcome)
		return d
	}
	if !in.IssueLinked {
		d.Gate = state.GateSkipped
		d.SkipReason = "no_issue_link"
		return d
	}

	if strings.TrimSpace(in.PRUrl) != "" {
		d.Gate = state.GatePass
		return d
	}

	if in.CompletionKind == state.CompletionVerified && state.RecognizedNoPRReason(in.NoPRTerminalReason) {
		d.Gate = state.GateSkipped
		d.SkipReason = strings.ToLower(in.NoPRTerminalReason)
		return d
	}

	d.Gate = state.GateFail
	d.Outcome = state.OutcomeEscalated
	d.SkipReason = "missing pr_url"
	d.ReasonCode = ReasonMissingPRUrl
	switch {
	case in.PolicyDenied:
		d.CauseCode = CausePolicyDenied
	case in.LeaseStale:
		d.CauseCode = CauseLeaseStale
	case in.NoWorktreeBranch:
		d.CauseCode = CauseNoWorktreeBranch
	default:
		d.CauseCode = CauseUnknown
	}
	return d
}
