package git

import (
	"fmt"
	"strings"
)

// RepoDirName flattens "owner/name" into the directory name used under the
// managed root: "owner-name".
func RepoDirName(repo string) string {
	return strings.ReplaceAll(repo, "/", "-")
}

// BranchName returns the work branch for a task: ralph/<issue>-<task>.
func BranchName(issueNumber int, taskID int64) string {
	return fmt.Sprintf("ralph/%d-%d", issueNumber, taskID)
}

// botBranchPrefixes are branch namespaces owned by other automation. Their
// branches are never deleted by the done stage.
var botBranchPrefixes = []string{
	"dependabot/",
	"renovate/",
	"snyk-",
	"whitesource/",
}

// IsBotBranch reports whether a branch belongs to third-party automation.
func IsBotBranch(branch string) bool {
	for _, prefix := range botBranchPrefixes {
		if strings.HasPrefix(branch, prefix) {
			return true
		}
	}
	return false
}
