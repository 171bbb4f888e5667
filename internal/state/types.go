package state

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IssueRef identifies one GitHub issue: repo is "owner/name".
type IssueRef struct {
	Repo   string
	Number int
}

// String renders the reference as "owner/name#number".
func (r IssueRef) String() string {
	return fmt.Sprintf("%s#%d", r.Repo, r.Number)
}

// ParseIssueRef parses "owner/name#number".
func ParseIssueRef(s string) (IssueRef, error) {
	repo, num, ok := strings.Cut(s, "#")
	if !ok || !strings.Contains(repo, "/") {
		return IssueRef{}, fmt.Errorf("invalid issue ref %q (want owner/name#number)", s)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return IssueRef{}, fmt.Errorf("invalid issue number in %q", s)
	}
	return IssueRef{Repo: repo, Number: n}, nil
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in-progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskEscalated  TaskStatus = "escalated"
	TaskCompleted  TaskStatus = "completed"
)

// Task is one issue claimed for automation. Rows are never deleted; a task
// whose label flips back on is revived in place.
type Task struct {
	ID              int64
	Repo            string
	IssueNumber     int
	Title           string
	Status          TaskStatus
	Priority        int
	BlockedSource   string
	BlockedReason   string
	BlockedDetails  string
	BlockedAt       *time.Time
	SessionID       string
	WorktreePath    string
	WatchdogRetries int
	StallRetries    int
	DaemonID        string
	HeartbeatAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Ref returns the task's issue reference.
func (t *Task) Ref() IssueRef {
	return IssueRef{Repo: t.Repo, Number: t.IssueNumber}
}

// TaskPatch carries optional field updates applied together with a status
// transition. Nil fields are left untouched.
type TaskPatch struct {
	BlockedSource   *string
	BlockedReason   *string
	BlockedDetails  *string
	SessionID       *string
	WorktreePath    *string
	WatchdogRetries *int
	StallRetries    *int
	DaemonID        *string
	Priority        *int
	CompletedAt     *time.Time
}

// RunOutcome is the terminal result of one worker invocation.
type RunOutcome string

const (
	OutcomeSuccess   RunOutcome = "success"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeEscalated RunOutcome = "escalated"
	OutcomeThrottled RunOutcome = "throttled"
)

// Attempt kinds for runs.
const (
	AttemptProcess        = "process"
	AttemptCITriage       = "ci-triage"
	AttemptMergeConflict  = "merge-conflict"
	AttemptParentVerify   = "parent-verify"
	AttemptContextCompact = "context-compact"
)

// Completion kinds recorded on runs.
const (
	CompletionPR       = "pr"
	CompletionVerified = "verified"
)

// Run is one worker invocation against a task. Append-only once completed.
type Run struct {
	ID                 string
	TaskID             int64
	AttemptKind        string
	IssueLink          string
	SessionID          string
	PRUrl              string
	CompletionKind     string
	NoPRTerminalReason string
	Outcome            RunOutcome
	Details            string
	StartedAt          time.Time
	CompletedAt        *time.Time
}

// GateStatus is the recorded status of a gate. Forward-only:
// pending -> {pass, fail, skipped}.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GatePass    GateStatus = "pass"
	GateFail    GateStatus = "fail"
	GateSkipped GateStatus = "skipped"
)

// Gate names used by the pipeline.
const (
	GatePlanReview    = "plan_review"
	GateProductReview = "product_review"
	GateDevexReview   = "devex_review"
	GatePREvidence    = "pr_evidence"
	GateCI            = "ci"
)

// GateResult is a named decision recorded against a run.
type GateResult struct {
	ID         int64
	RunID      string
	Gate       string
	Status     GateStatus
	Reason     string
	SkipReason string
	PRUrl      string
	PRNumber   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Artifact kinds.
const (
	ArtifactCommandOutput  = "command_output"
	ArtifactFailureExcerpt = "failure_excerpt"
	ArtifactNote           = "note"
)

// GateArtifact is append-only evidence attached to a gate.
type GateArtifact struct {
	ID         int64
	RunID      string
	Gate       string
	Kind       string
	Content    string
	Truncation string // none, tail, middle
	CreatedAt  time.Time
}

// TokenTotal aggregates token usage for one session within a run.
type TokenTotal struct {
	RunID     string
	SessionID string
	Tokens    int64
	Quality   string // measured, estimated, missing
}

// IdempotencyRecord guards an at-most-once side effect.
type IdempotencyRecord struct {
	Key       string
	Scope     string
	Payload   string
	CreatedAt time.Time
}

// Issue mirrors the GitHub issue fields the daemon syncs.
type Issue struct {
	Repo         string
	Number       int
	Title        string
	State        string // open, closed
	ParentNumber int
	GHUpdatedAt  string
	SyncedAt     time.Time
	Labels       []string
}

// PRSnapshot is one observed pull request tied to an issue.
type PRSnapshot struct {
	Repo           string
	IssueNumber    int
	PRNumber       int
	URL            string
	State          string // OPEN, MERGED, CLOSED
	MergeableState string // CLEAN, DIRTY, BEHIND, BLOCKED, UNKNOWN
	HeadBranch     string
	BaseBranch     string
	HeadSHA        string
	IsDraft        bool
	CrossRepo      bool
	GHCreatedAt    string
	GHUpdatedAt    string
	ObservedAt     time.Time
}

// PRResolution names the canonical PR for an issue plus any duplicates.
type PRResolution struct {
	Issue      IssueRef
	Selected   *PRSnapshot
	Duplicates []PRSnapshot
}

// Throttle gate values.
const (
	ThrottleRunning = "running"
	ThrottleSoft    = "soft-throttled"
	ThrottleHard    = "hard-throttled"
)

// ThrottleSnapshot is one appended throttle gate observation.
type ThrottleSnapshot struct {
	ID        int64
	Gate      string
	Reason    string
	UntilMs   int64
	CreatedAt time.Time
}

// RepoSync tracks per-repo issue sync bookkeeping.
type RepoSync struct {
	Repo           string
	LastSyncAt     *time.Time
	Failures       int
	BackoffUntilMs int64
}

// NudgeItem is one queued message for a session, delivered FIFO.
type NudgeItem struct {
	ID             int64
	SessionID      string
	Message        string
	FailedAttempts int
	CreatedAt      time.Time
}

// Parent verification statuses.
const (
	ParentVerifyPending  = "pending"
	ParentVerifyRunning  = "running"
	ParentVerifyComplete = "complete"
)

// ParentVerification tracks verification of a parent issue whose children
// all resolved.
type ParentVerification struct {
	Repo            string
	IssueNumber     int
	Status          string
	AttemptCount    int
	NextAttemptAtMs int64
	Outcome         string
	UpdatedAt       time.Time
}

// Recognized no-PR terminal reasons for successful issue-linked runs.
const (
	NoPRParentVerification = "PARENT_VERIFICATION_NO_PR"
	NoPRIssueClosed        = "ISSUE_CLOSED_UPSTREAM"
)

// RecognizedNoPRReason reports whether reason excuses a missing PR URL.
func RecognizedNoPRReason(reason string) bool {
	switch reason {
	case NoPRParentVerification, NoPRIssueClosed:
		return true
	default:
		return false
	}
}
