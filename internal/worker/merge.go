package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/state"
)

// merge re-checks the PR against the policy gates and merges it. A behind
// branch is updated and sent back through ci_wait; conflicts go to the
// merge-conflict lane.
func (w *Worker) merge(ctx context.Context, rc *runCtx) (stageResult, error) {
	pr, err := rc.host.GetPR(ctx, rc.prNumber)
	if err != nil {
		return stageAdvance, classifyHostError(StageMerge, "get PR", err)
	}
	if err := w.ports.Store.UpsertPRSnapshot(ctx, prSnapshot(rc, pr)); err != nil {
		return stageAdvance, stageFailure(StageMerge, failInfra, err)
	}
	if pr.HeadSHA != "" {
		rc.headSHA = pr.HeadSHA
	}

	switch pr.State {
	case "merged":
		rc.completionKind = state.CompletionPR
		rc.mergedSHA = pr.MergeCommitSHA
		if rc.mergedSHA == "" {
			rc.mergedSHA = pr.HeadSHA
		}
		w.log.Info("PR already merged", "task", rc.task.Ref().String(), "pr", rc.prNumber)
		return stageAdvance, nil
	case "closed":
		err := w.escalateTask(ctx, rc, "pr-closed",
			fmt.Sprintf("PR #%d was closed without merging", rc.prNumber))
		return stageDone, err
	}

	if pr.Draft {
		err := w.blockTask(ctx, rc, "policy",
			fmt.Sprintf("PR #%d is a draft; mark it ready for review to proceed", rc.prNumber))
		return stageDone, err
	}

	// The label gates check the live issue: labels may have moved since
	// pre-flight, in either direction.
	if issue, err := rc.host.GetIssue(ctx, rc.task.IssueNumber); err == nil {
		rc.issue = issue
	} else {
		w.log.Warn("issue refresh failed, using pre-flight labels",
			"task", rc.task.Ref().String(), "error", err)
	}

	def, err := rc.wt.Repo.DefaultBranch(ctx)
	if err != nil {
		return stageAdvance, stageFailure(StageMerge, failInfra, err)
	}
	if pr.BaseBranch == def && !issueHasLabel(rc.issue, w.cfg.AllowMainLabel) {
		err := w.blockTask(ctx, rc, "policy",
			fmt.Sprintf("PR #%d targets the default branch %s; that needs the %q label on the issue",
				rc.prNumber, def, w.cfg.AllowMainLabel))
		return stageDone, err
	}

	if err := rc.wt.Repo.Fetch(ctx, rc.base); err != nil {
		return stageAdvance, stageFailure(StageMerge, failTransient, err)
	}
	paths, err := rc.wt.Repo.DiffNameOnly(ctx, rc.wt.Path, "origin/"+rc.base+"...HEAD")
	if err != nil {
		return stageAdvance, stageFailure(StageMerge, failInfra, err)
	}
	if len(paths) > 0 && ciOnlyPaths(paths, w.cfg.CIPathPrefixes) && !issueHasLabel(rc.issue, w.cfg.CILabel) {
		err := w.blockTask(ctx, rc, "policy",
			fmt.Sprintf("PR #%d changes only CI configuration; that needs the %q label on the issue",
				rc.prNumber, w.cfg.CILabel))
		return stageDone, err
	}

	switch pr.MergeableState {
	case "dirty":
		if pr.CrossRepo {
			err := w.blockTask(ctx, rc, "policy",
				fmt.Sprintf("PR #%d is a cross-repo PR with conflicts ralph cannot resolve", rc.prNumber))
			return stageDone, err
		}
		return stageAdvance, stageFailure(StageMerge, failMergeDirty,
			fmt.Errorf("PR #%d has merge conflicts", rc.prNumber))
	case "behind":
		return w.updateBehindPR(ctx, rc, pr)
	case "blocked":
		err := w.blockTask(ctx, rc, "branch-protection",
			fmt.Sprintf("PR #%d is held by branch protection (approvals or required checks ralph cannot supply)", rc.prNumber))
		return stageDone, err
	}

	res, err := rc.host.MergePR(ctx, rc.prNumber, hosting.PRMergeOptions{
		Method:      w.cfg.MergeMethod,
		SHA:         rc.headSHA,
		CommitTitle: fmt.Sprintf("%s (#%d)", pr.Title, pr.Number),
	})
	if err != nil {
		var re *hosting.RequestError
		if errors.As(err, &re) &&
			(re.StatusCode == http.StatusMethodNotAllowed || re.StatusCode == http.StatusConflict) {
			// Not mergeable, or the head moved under us. Re-converge
			// through ci_wait, but not forever.
			if rc.mergeRewinds >= 2 {
				err := w.blockTask(ctx, rc, "branch-protection",
					fmt.Sprintf("provider repeatedly refused to merge PR #%d: %v", rc.prNumber, err))
				return stageDone, err
			}
			rc.mergeRewinds++
			w.log.Warn("merge refused, re-checking CI",
				"task", rc.task.Ref().String(), "pr", rc.prNumber, "error", err)
			return stageRewindCI, nil
		}
		return stageAdvance, classifyHostError(StageMerge, "merge PR", err)
	}
	if !res.Merged {
		if rc.mergeRewinds >= 2 {
			err := w.blockTask(ctx, rc, "branch-protection",
				fmt.Sprintf("provider reported PR #%d unmerged with no error", rc.prNumber))
			return stageDone, err
		}
		rc.mergeRewinds++
		return stageRewindCI, nil
	}

	rc.mergedSHA = res.SHA
	rc.completionKind = state.CompletionPR
	pr.State = "merged"
	pr.MergeCommitSHA = res.SHA
	if err := w.ports.Store.UpsertPRSnapshot(ctx, prSnapshot(rc, pr)); err != nil {
		w.log.Warn("merged snapshot not recorded", "task", rc.task.Ref().String(), "error", err)
	}
	w.log.Info("PR merged", "task", rc.task.Ref().String(), "pr", rc.prNumber,
		"method", w.cfg.MergeMethod, "sha", res.SHA)
	return stageAdvance, nil
}

// updateBehindPR brings a behind PR branch up to date, preferring the
// provider API and falling back to merging the base in the worktree. Either
// way the checks restart, so the pipeline rewinds to ci_wait.
func (w *Worker) updateBehindPR(ctx context.Context, rc *runCtx, pr *hosting.PR) (stageResult, error) {
	if pr.CrossRepo {
		err := w.blockTask(ctx, rc, "policy",
			fmt.Sprintf("PR #%d is behind but its branch lives in another repo ralph cannot push to", rc.prNumber))
		return stageDone, err
	}

	err := rc.host.UpdatePRBranch(ctx, rc.prNumber)
	if err == nil {
		w.log.Info("PR branch updated via API", "task", rc.task.Ref().String(), "pr", rc.prNumber)
		return stageRewindCI, nil
	}
	w.log.Warn("API branch update failed, merging base locally",
		"task", rc.task.Ref().String(), "pr", rc.prNumber, "error", err)

	if err := rc.wt.Repo.Fetch(ctx, rc.base); err != nil {
		return stageAdvance, stageFailure(StageMerge, failTransient, err)
	}
	if err := rc.wt.Repo.MergeNoEdit(ctx, rc.wt.Path, rc.base); err != nil {
		// The base merge hit conflicts; leave the worktree clean for the
		// conflict lane to redo it deliberately.
		_, _ = rc.wt.Repo.GitIn(ctx, rc.wt.Path, "merge", "--abort")
		return stageAdvance, stageFailure(StageMerge, failMergeDirty,
			fmt.Errorf("PR #%d conflicts with %s: %v", rc.prNumber, rc.base, err))
	}
	if err := rc.wt.Repo.Push(ctx, rc.wt.Path, rc.branch); err != nil {
		return stageAdvance, stageFailure(StageMerge, failTransient, err)
	}
	w.log.Info("PR branch updated locally", "task", rc.task.Ref().String(), "pr", rc.prNumber)
	return stageRewindCI, nil
}

func ciOnlyPaths(paths, prefixes []string) bool {
	for _, p := range paths {
		matched := false
		for _, prefix := range prefixes {
			if strings.HasPrefix(p, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func issueHasLabel(issue *hosting.Issue, label string) bool {
	if issue == nil {
		return false
	}
	for _, l := range issue.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}
