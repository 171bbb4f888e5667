package lanes

import (
	"time"

	"github.com/randalmurphal/ralph/internal/markers"
)

// TriageAction is the CI-triage decision for one observed failure.
type TriageAction string

const (
	// TriageSpawn starts a fresh agent session against the failure.
	TriageSpawn TriageAction = "spawn"
	// TriageResume continues the prior session: the failure changed, so
	// the previous attempt made progress worth keeping.
	TriageResume TriageAction = "resume"
	// TriageQuarantine throttles the task: the exact failure repeated,
	// so another attempt would burn tokens on the same wall.
	TriageQuarantine TriageAction = "quarantine"
	// TriageEscalate hands the task to a human after the attempt cap.
	TriageEscalate TriageAction = "escalate"
)

// TriageInput is everything the CI-triage decision reads. Prior fields
// come from the marked triage comment and are zero-valued on the first
// failure.
type TriageInput struct {
	TimedOut bool
	Failures []markers.CheckFailure

	PriorSignature string
	AttemptCount   int
	LastSessionID  string

	MaxAttempts int

	// Quarantine backoff shape. Zero values fall back to Backoff's
	// defaults.
	ThrottleBase time.Duration
	ThrottleMax  time.Duration
}

// TriageDecision is the action plus the side-effect plan the worker
// executes: update the marked comment with State, and for quarantine
// apply the throttle, upsert the follow-up issue, and pause the task.
type TriageDecision struct {
	Action    TriageAction
	Signature string

	// ThrottleFor is the quarantine backoff, zero for other actions.
	ThrottleFor time.Duration

	// State is the new comment blob recording this attempt.
	State markers.TriageState
}

// DecideTriage classifies one CI failure observation. Escalation at the
// attempt cap wins over everything; a repeated signature quarantines; a
// new failure spawns or resumes depending on whether a session exists.
func DecideTriage(now time.Time, in TriageInput) TriageDecision {
	sig := markers.FailureSignature(in.TimedOut, in.Failures)
	attempts := in.AttemptCount + 1

	d := TriageDecision{Signature: sig}
	switch {
	case in.MaxAttempts > 0 && attempts > in.MaxAttempts:
		d.Action = TriageEscalate
	case in.PriorSignature != "" && in.PriorSignature == sig:
		d.Action = TriageQuarantine
		d.ThrottleFor = Backoff(in.ThrottleBase, attempts, in.ThrottleMax)
	case in.LastSessionID == "":
		d.Action = TriageSpawn
	default:
		d.Action = TriageResume
	}

	d.State = markers.TriageState{
		Signature:  sig,
		Attempts:   attempts,
		LastAction: string(d.Action),
		UpdatedAt:  now.UTC().Format(time.RFC3339),
	}
	return d
}
