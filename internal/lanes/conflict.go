package lanes

import "strings"

// ConflictClass buckets a failed merge-conflict resolution run.
type ConflictClass string

const (
	// ConflictPermission covers auth and access failures: nothing a
	// retry can fix.
	ConflictPermission ConflictClass = "permission"
	// ConflictRuntime covers transient failures (network, rate limits,
	// timeouts) worth retrying within the same run.
	ConflictRuntime ConflictClass = "runtime"
	// ConflictTooling covers missing or broken tools in the worktree.
	ConflictTooling ConflictClass = "tooling"
	// ConflictMergeContent means conflict hunks survived the resolution
	// attempt; a fresh run against a newer base may fare better.
	ConflictMergeContent ConflictClass = "merge-content"
)

// ConflictAction is the lane's verdict for one failed resolution attempt.
type ConflictAction string

const (
	ConflictRetry    ConflictAction = "retry"
	ConflictEscalate ConflictAction = "escalate"
	ConflictDefer    ConflictAction = "defer"
)

var permissionPatterns = []string{
	"permission denied",
	"403",
	"resource not accessible",
	"authentication failed",
	"bad credentials",
	"must have admin rights",
	"protected branch",
	"read-only",
}

var toolingPatterns = []string{
	"command not found",
	"executable file not found",
	"not a git repository",
	"unknown command",
	"no configured push destination",
}

var mergeContentPatterns = []string{
	"conflict (content)",
	"merge conflict in",
	"needs merge",
	"unmerged paths",
	"unresolved conflict",
	"fix conflicts and then commit",
}

// ClassifyConflictFailure buckets the combined output of a failed
// conflict-resolution run. Permission wins over tooling wins over
// merge-content; anything else is runtime.
func ClassifyConflictFailure(output string) ConflictClass {
	out := strings.ToLower(output)
	for _, p := range permissionPatterns {
		if strings.Contains(out, p) {
			return ConflictPermission
		}
	}
	for _, p := range toolingPatterns {
		if strings.Contains(out, p) {
			return ConflictTooling
		}
	}
	for _, p := range mergeContentPatterns {
		if strings.Contains(out, p) {
			return ConflictMergeContent
		}
	}
	return ConflictRuntime
}

// DecideConflict maps a failure class and the in-run retry count to the
// next move. Only runtime failures retry within the run; permission and
// tooling failures escalate; surviving merge content defers the task so a
// later run starts from a fresher base.
func DecideConflict(class ConflictClass, retryCount, maxRetries int) ConflictAction {
	switch class {
	case ConflictRuntime:
		if retryCount < maxRetries {
			return ConflictRetry
		}
		return ConflictEscalate
	case ConflictMergeContent:
		return ConflictDefer
	default:
		return ConflictEscalate
	}
}
