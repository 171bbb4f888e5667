package lanes

import "github.com/randalmurphal/ralph/internal/markers"

// WatchdogAction is the decision after a watchdog or stall termination.
type WatchdogAction string

const (
	WatchdogRequeue  WatchdogAction = "requeue"
	WatchdogEscalate WatchdogAction = "escalate"
)

// WatchdogInput describes one watchdog or stall termination.
type WatchdogInput struct {
	Stage       string
	Source      string
	Tool        string
	ArgsPreview string

	// RetryCount is the task's watchdog-retries counter before this
	// event.
	RetryCount int

	// PriorSignature is the last watchdog signature recorded on the same
	// session, empty when none.
	PriorSignature string

	// RecentFingerprints is the tool-invocation window from the session
	// monitor, oldest first.
	RecentFingerprints []string
}

// WatchdogDecision carries the action and its side-effect plan: requeue
// bumps watchdog-retries and posts one idempotent stuck comment; escalate
// posts the escalation comment and notifies.
type WatchdogDecision struct {
	Action    WatchdogAction
	Signature string

	// EarlyTerminated is set when the retry loop was cut short at
	// retryCount=0: the session was looping on one tool call, or the
	// prior signature already matches this one.
	EarlyTerminated bool

	PostStuck      bool
	PostEscalation bool
	Notify         bool
}

// DecideWatchdog applies the two-strikes rule. The first timeout requeues;
// the second escalates. At retry zero the loop is cut short when the
// recent window shows three identical tool invocations or the signature
// repeats a prior one on the same session — retrying an agent that is
// spinning in place only produces a third identical timeout.
func DecideWatchdog(in WatchdogInput) WatchdogDecision {
	sig := markers.WatchdogSignature(in.Stage, in.Source, in.Tool, in.ArgsPreview)
	d := WatchdogDecision{Signature: sig}

	if in.RetryCount == 0 {
		looping := longestIdenticalRun(in.RecentFingerprints) >= 3
		repeat := in.PriorSignature != "" && in.PriorSignature == sig
		if looping || repeat {
			d.Action = WatchdogEscalate
			d.EarlyTerminated = true
			d.PostEscalation = true
			d.Notify = true
			return d
		}
		d.Action = WatchdogRequeue
		d.PostStuck = true
		return d
	}

	d.Action = WatchdogEscalate
	d.PostEscalation = true
	d.Notify = true
	return d
}

// longestIdenticalRun returns the length of the longest run of equal
// consecutive fingerprints.
func longestIdenticalRun(fps []string) int {
	longest, run := 0, 0
	for i, fp := range fps {
		if i > 0 && fp == fps[i-1] {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}
