package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/ralph/internal/git"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/state"
)

// preflight prepares everything the pipeline needs before the first agent
// call: the live issue, the worktree, parent verification where one is
// pending, the setup commands, and the canonical-PR resolution.
func (w *Worker) preflight(ctx context.Context, rc *runCtx) (stageResult, error) {
	issue, err := rc.host.GetIssue(ctx, rc.task.IssueNumber)
	if err != nil {
		return stageAdvance, classifyHostError(StagePreflight, "get issue", err)
	}
	rc.issue = issue

	// An issue closed upstream needs no work; the run completes without
	// a PR under the recognized reason.
	if issue.State == "closed" {
		return w.finishVerified(ctx, rc, state.NoPRIssueClosed,
			fmt.Sprintf("issue #%d closed upstream (%s)", issue.Number, issue.StateReason))
	}

	wt, err := w.ports.Git.AcquireWorktree(ctx, git.WorktreeRequest{
		Repo:        rc.task.Repo,
		IssueNumber: rc.task.IssueNumber,
		TaskID:      rc.task.ID,
		Slot:        rc.slot,
	})
	if err != nil {
		return stageAdvance, stageFailure(StagePreflight, failInfra, fmt.Errorf("acquire worktree: %w", err))
	}
	rc.wt = wt
	rc.base = wt.Base
	rc.branch = wt.Branch
	if err := w.ports.Store.PatchTask(ctx, rc.task.ID, &state.TaskPatch{WorktreePath: &wt.Path}); err != nil {
		return stageAdvance, stageFailure(StagePreflight, failInfra, err)
	}

	if res, handled, err := w.parentVerifyGate(ctx, rc); handled {
		return res, err
	}

	if serr := w.ensureSetup(ctx, rc); serr != nil {
		return stageAdvance, serr
	}

	if serr := w.resolvePR(ctx, rc); serr != nil {
		return stageAdvance, serr
	}
	if rc.resolvedMerged {
		rc.completionKind = state.CompletionPR
		w.log.Info("canonical PR already merged, skipping to evidence",
			"task", rc.task.Ref().String(), "pr", rc.prURL)
		return stageJumpEvidence, nil
	}

	return stageAdvance, nil
}

// ensureSetup runs the configured setup commands in the worktree unless
// the recorded setup state still matches both the command list and the
// lockfile signature.
func (w *Worker) ensureSetup(ctx context.Context, rc *runCtx) *stageError {
	if len(w.cfg.SetupCommands) == 0 {
		return nil
	}

	hash := git.CommandsHash(w.cfg.SetupCommands)
	sig, err := git.LockfileSignature(rc.wt.Path, w.cfg.LockfileGlobs)
	if err != nil {
		return stageFailure(StagePreflight, failInfra, fmt.Errorf("lockfile signature: %w", err))
	}

	st, err := git.ReadSetupState(rc.wt.Path)
	if err != nil {
		return stageFailure(StagePreflight, failInfra, err)
	}
	if st.Matches(hash, sig) {
		w.log.Debug("setup unchanged, skipping", "task", rc.task.Ref().String())
		return nil
	}

	lock, err := git.AcquireDirLock(rc.wt.Path, w.cfg.DaemonID, w.cfg.SetupLockTTL)
	if err != nil {
		var held *git.LockHeldError
		if errors.As(err, &held) {
			return stageFailure(StagePreflight, failTransient,
				fmt.Errorf("setup lock held by %s", held.Owner))
		}
		return stageFailure(StagePreflight, failInfra, err)
	}
	defer func() { _ = lock.Release() }()

	// A stale-lock takeover may have interrupted a setup that actually
	// finished; re-check under the lock before repeating it.
	if st, err := git.ReadSetupState(rc.wt.Path); err == nil && st.Matches(hash, sig) {
		return nil
	}

	for _, cmd := range w.cfg.SetupCommands {
		w.log.Info("setup", "task", rc.task.Ref().String(), "command", cmd)
		out, err := w.ports.Runner.Run(ctx, rc.wt.Path, "sh", "-c", cmd)
		if err != nil {
			se := stageFailure(StagePreflight, failAgent, fmt.Errorf("setup command %q: %w", cmd, err))
			se.output = out + "\n" + err.Error()
			return se
		}
	}

	err = git.WriteSetupState(rc.wt.Path, &git.SetupState{
		CommandsHash:      hash,
		LockfileSignature: sig,
		Commands:          w.cfg.SetupCommands,
		CompletedAt:       w.now(),
	})
	if err != nil {
		return stageFailure(StagePreflight, failInfra, err)
	}
	return nil
}

// resolvePR refreshes the branch's PR snapshots from the provider and
// records the canonical resolution on the run context.
func (w *Worker) resolvePR(ctx context.Context, rc *runCtx) *stageError {
	prs, err := rc.host.ListPRsForBranch(ctx, rc.branch, "all")
	if err != nil {
		return classifyHostError(StagePreflight, "list PRs", err)
	}
	for i := range prs {
		if err := w.ports.Store.UpsertPRSnapshot(ctx, prSnapshot(rc, &prs[i])); err != nil {
			return stageFailure(StagePreflight, failInfra, err)
		}
	}

	res, err := w.ports.Store.ResolvePRForIssue(ctx, rc.task.Repo, rc.task.IssueNumber)
	if err != nil {
		return stageFailure(StagePreflight, failInfra, err)
	}
	if res.Selected == nil {
		return nil
	}

	rc.prNumber = res.Selected.PRNumber
	rc.prURL = res.Selected.URL
	rc.prCreatedAt = res.Selected.GHCreatedAt
	if res.Selected.State == "MERGED" {
		rc.resolvedMerged = true
		rc.mergedSHA = res.Selected.HeadSHA
		rc.headSHA = res.Selected.HeadSHA
	}
	for _, dup := range res.Duplicates {
		w.log.Warn("duplicate PR for issue", "task", rc.task.Ref().String(),
			"selected", res.Selected.PRNumber, "duplicate", dup.PRNumber)
	}
	return nil
}

// prSnapshot converts a provider PR into the stored snapshot shape,
// attributing it to the task's issue.
func prSnapshot(rc *runCtx, pr *hosting.PR) *state.PRSnapshot {
	return &state.PRSnapshot{
		Repo:           rc.task.Repo,
		IssueNumber:    rc.task.IssueNumber,
		PRNumber:       pr.Number,
		URL:            pr.HTMLURL,
		State:          normalizePRState(pr.State),
		MergeableState: normalizeMergeable(pr.MergeableState),
		HeadBranch:     pr.HeadBranch,
		BaseBranch:     pr.BaseBranch,
		HeadSHA:        pr.HeadSHA,
		IsDraft:        pr.Draft,
		CrossRepo:      pr.CrossRepo,
		GHCreatedAt:    pr.CreatedAt,
		GHUpdatedAt:    pr.UpdatedAt,
	}
}

func normalizePRState(s string) string {
	switch s {
	case "open":
		return "OPEN"
	case "merged":
		return "MERGED"
	default:
		return "CLOSED"
	}
}

func normalizeMergeable(s string) string {
	switch s {
	case "clean":
		return "CLEAN"
	case "dirty":
		return "DIRTY"
	case "behind":
		return "BEHIND"
	case "blocked", "unstable":
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// classifyHostError maps a provider error onto the dispatch taxonomy.
func classifyHostError(stage, op string, err error) *stageError {
	wrapped := fmt.Errorf("%s: %w", op, err)
	switch hosting.Classify(err) {
	case hosting.ClassTransient, hosting.ClassRateLimited:
		return stageFailure(stage, failTransient, wrapped)
	case hosting.ClassPermission:
		se := stageFailure(stage, failPermission, wrapped)
		se.blockSource = "permission"
		se.blockReason = wrapped.Error()
		return se
	default:
		return stageFailure(stage, failInfra, wrapped)
	}
}
