package worker

import (
	"fmt"
	"strings"

	"github.com/randalmurphal/ralph/internal/markers"
)

// planRelPath is where the plan agent leaves its plan, relative to the
// worktree root.
const planRelPath = ".ralph/plan.md"

func issueContext(rc *runCtx) string {
	var sb strings.Builder
	sb.WriteString("## Issue\n\n")
	sb.WriteString(fmt.Sprintf("Repository: %s\n", rc.task.Repo))
	sb.WriteString(fmt.Sprintf("Issue: #%d", rc.task.IssueNumber))
	if rc.issue != nil && rc.issue.Title != "" {
		sb.WriteString(" - ")
		sb.WriteString(rc.issue.Title)
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Branch: %s (base: %s)\n", rc.branch, rc.base))
	if rc.issue != nil && rc.issue.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(rc.issue.Body)
		sb.WriteString("\n")
	}
	return sb.String()
}

func planPrompt(rc *runCtx) string {
	var sb strings.Builder
	sb.WriteString("# Planning Task\n\n")
	sb.WriteString("You are planning the implementation of a GitHub issue. Do NOT write any implementation code yet.\n\n")
	sb.WriteString(issueContext(rc))
	sb.WriteString("\n## Instructions\n\n")
	sb.WriteString("1. Read the issue above and explore the repository to understand the change\n")
	sb.WriteString(fmt.Sprintf("2. Write a concrete implementation plan to `%s`: files to touch, the approach, and how it will be verified\n", planRelPath))
	sb.WriteString("3. Keep the plan scoped to this issue; list open risks explicitly\n")
	sb.WriteString(fmt.Sprintf("4. Commit nothing; only `%s` may be created\n", planRelPath))
	return sb.String()
}

func planReviewPrompt(rc *runCtx) string {
	var sb strings.Builder
	sb.WriteString("# Plan Review\n\n")
	sb.WriteString("You are reviewing an implementation plan before any code is written. You did not write this plan.\n\n")
	sb.WriteString(issueContext(rc))
	sb.WriteString("\n## Instructions\n\n")
	sb.WriteString(fmt.Sprintf("1. Read the plan at `%s` and the issue above\n", planRelPath))
	sb.WriteString("2. Fail the plan if it misses the issue's requirements, touches unrelated code, or has no verification step\n")
	sb.WriteString("3. Pass it if a competent engineer could implement it as written\n")
	sb.WriteString(fmt.Sprintf("4. Your FINAL output line must be exactly:\n   %s {\"status\":\"pass\"|\"fail\",\"reason\":\"...\"}\n", markers.PlanReviewPrefix))
	return sb.String()
}

func buildPrompt(rc *runCtx) string {
	var sb strings.Builder
	sb.WriteString("# Build Task\n\n")
	sb.WriteString("You are implementing the plan you wrote earlier in this session.\n\n")
	sb.WriteString("## Instructions\n\n")
	sb.WriteString(fmt.Sprintf("1. Implement `%s` completely; adjust it if reality disagrees, but stay on this issue\n", planRelPath))
	sb.WriteString("2. Run the repository's own checks (tests, linters) and fix what they find\n")
	sb.WriteString(fmt.Sprintf("3. Commit all work to the current branch `%s`; leave the worktree clean\n", rc.branch))
	sb.WriteString("4. Your FINAL output line must be exactly:\n   ")
	sb.WriteString(markers.BuildEvidencePrefix)
	sb.WriteString(` {"version":1,"branch":"...","base":"...","head_sha":"...","worktree_clean":true,"preflight":{"status":"pass","command":"...","summary":"..."},"ready_for_pr_create":true}`)
	sb.WriteString("\n")
	return sb.String()
}

func reviewPrompt(rc *runCtx, perspective, diffFile string) string {
	var sb strings.Builder
	switch perspective {
	case "product":
		sb.WriteString("# Product Review\n\n")
		sb.WriteString("You are reviewing a finished change for product correctness: does it do what the issue asked, completely, without regressions a user would notice?\n\n")
	default:
		sb.WriteString("# Developer Experience Review\n\n")
		sb.WriteString("You are reviewing a finished change for developer experience: naming, error handling, test coverage, and fit with the surrounding code.\n\n")
	}
	sb.WriteString(issueContext(rc))
	sb.WriteString("\n## Instructions\n\n")
	sb.WriteString(fmt.Sprintf("1. The full diff against the base branch is at `%s`; read it, then read any file you need more context on\n", diffFile))
	sb.WriteString("2. Fail only for problems that must be fixed before merge; style nits alone do not fail a review\n")
	sb.WriteString(fmt.Sprintf("3. Your FINAL output line must be exactly:\n   %s {\"status\":\"pass\"|\"fail\",\"reason\":\"...\"}\n", markers.ReviewPrefix))
	return sb.String()
}

// repairPrompt asks a session to re-emit its marker without redoing the
// work. Used after a parse failure on the final output line.
func repairPrompt(prefix string, parseErr error) string {
	var sb strings.Builder
	sb.WriteString("Your previous final output line could not be parsed")
	if parseErr != nil {
		sb.WriteString(": ")
		sb.WriteString(parseErr.Error())
	}
	sb.WriteString(".\n\n")
	sb.WriteString("Do NOT redo any work and do NOT change any files. ")
	sb.WriteString(fmt.Sprintf("Re-emit your result: your FINAL output line must start with `%s ` followed by the JSON object.\n", prefix))
	return sb.String()
}

func conflictPrompt(rc *runCtx, conflictOutput string) string {
	var sb strings.Builder
	sb.WriteString("# Merge Conflict Resolution\n\n")
	sb.WriteString(fmt.Sprintf("The branch `%s` no longer merges cleanly into `%s`. A `git merge` was attempted in this worktree and stopped on conflicts.\n\n", rc.branch, rc.base))
	if conflictOutput != "" {
		sb.WriteString("## Merge Output\n\n```\n")
		sb.WriteString(tail(conflictOutput, 4000))
		sb.WriteString("\n```\n\n")
	}
	sb.WriteString("## Instructions\n\n")
	sb.WriteString("1. Inspect `git status` and resolve every conflicted file, preserving the intent of BOTH sides\n")
	sb.WriteString("2. Never resolve by discarding upstream changes or this branch's changes wholesale\n")
	sb.WriteString("3. Run the repository's checks on the resolved tree\n")
	sb.WriteString("4. Complete the merge commit and leave the worktree clean\n")
	return sb.String()
}

func triagePrompt(rc *runCtx, failures []markers.CheckFailure) string {
	var sb strings.Builder
	sb.WriteString("# CI Failure Triage\n\n")
	sb.WriteString(fmt.Sprintf("CI failed on the pull request for %s. Fix the failures on the current branch.\n\n", rc.task.Ref().String()))
	sb.WriteString("## Failing Checks\n\n")
	for i, f := range failures {
		if i >= 10 {
			sb.WriteString(fmt.Sprintf("... and %d more\n", len(failures)-10))
			break
		}
		sb.WriteString(fmt.Sprintf("### %s\n", f.Name))
		if f.Excerpt != "" {
			sb.WriteString("```\n")
			sb.WriteString(tail(f.Excerpt, 2000))
			sb.WriteString("\n```\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("## Instructions\n\n")
	sb.WriteString("1. Reproduce each failure locally where possible\n")
	sb.WriteString("2. Fix the code or the tests as appropriate; never delete a test to silence it\n")
	sb.WriteString("3. Commit the fixes to the current branch and leave the worktree clean\n")
	return sb.String()
}

func verifyPrompt(rc *runCtx) string {
	var sb strings.Builder
	sb.WriteString("# Parent Issue Verification\n\n")
	sb.WriteString(fmt.Sprintf("Every child of issue #%d in %s is closed. Decide whether the parent issue itself still needs work, or whether the children already satisfied it.\n\n", rc.task.IssueNumber, rc.task.Repo))
	sb.WriteString(issueContext(rc))
	sb.WriteString("\n## Instructions\n\n")
	sb.WriteString("1. Read the parent issue and the repository state; do NOT change any files\n")
	sb.WriteString("2. Decide: does implementation work remain on the parent itself?\n")
	sb.WriteString("3. Your FINAL output line must be exactly one of:\n")
	sb.WriteString(fmt.Sprintf("   %s {\"version\":1,\"work_remains\":true,\"reason\":\"...\"}\n", markers.ParentVerifyPrefix))
	sb.WriteString(fmt.Sprintf("   %s {\"version\":1,\"work_remains\":false,\"reason\":\"...\",\"why_satisfied\":\"...\",\"noPrTerminalReason\":\"PARENT_VERIFICATION_NO_PR\"}\n", markers.ParentVerifyPrefix))
	return sb.String()
}

// tail returns the last n bytes of s, cutting at a line boundary where one
// falls inside the window.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}
