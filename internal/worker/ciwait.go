package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/lanes"
	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/state"
)

// ciWait polls the PR's checks until they all pass, backing off while the
// checks signature is unchanged. A dirty PR goes to the merge-conflict
// lane, failed or timed-out checks go to CI triage.
func (w *Worker) ciWait(ctx context.Context, rc *runCtx) (stageResult, error) {
	if rc.prNumber == 0 {
		return stageAdvance, stageFailure(StageCIWait, failInfra, fmt.Errorf("no PR to wait on"))
	}

	deadline := w.now().Add(w.cfg.CITimeout)
	lastSig := ""
	attempt := 1
	emptyPolls := 0

	for {
		pr, err := rc.host.GetPR(ctx, rc.prNumber)
		if err != nil {
			return stageAdvance, classifyHostError(StageCIWait, "get PR", err)
		}
		if err := w.ports.Store.UpsertPRSnapshot(ctx, prSnapshot(rc, pr)); err != nil {
			return stageAdvance, stageFailure(StageCIWait, failInfra, err)
		}
		if pr.HeadSHA != "" {
			rc.headSHA = pr.HeadSHA
		}

		switch pr.State {
		case "merged":
			// Merged out from under us (a human, or a previous run's
			// merge that crashed before recording). Adopt it.
			rc.completionKind = state.CompletionPR
			rc.mergedSHA = pr.MergeCommitSHA
			if rc.mergedSHA == "" {
				rc.mergedSHA = pr.HeadSHA
			}
			w.log.Info("PR merged during ci_wait", "task", rc.task.Ref().String(), "pr", rc.prNumber)
			return stageJumpEvidence, nil
		case "closed":
			err := w.escalateTask(ctx, rc, "pr-closed",
				fmt.Sprintf("PR #%d was closed without merging", rc.prNumber))
			return stageDone, err
		}

		if pr.MergeableState == "dirty" {
			return stageAdvance, stageFailure(StageCIWait, failMergeDirty,
				fmt.Errorf("PR #%d has merge conflicts", rc.prNumber))
		}

		ref := pr.HeadSHA
		if ref == "" {
			ref = rc.branch
		}
		checks, err := rc.host.GetCheckRuns(ctx, ref)
		if err != nil {
			return stageAdvance, classifyHostError(StageCIWait, "get check runs", err)
		}

		snapshots, failures, pending := bucketChecks(checks)
		switch {
		case len(checks) == 0:
			// Checks can lag the push by a few polls; only a repo with
			// no CI at all stays empty.
			emptyPolls++
			if emptyPolls >= 3 {
				w.log.Info("no checks reported, skipping ci_wait", "task", rc.task.Ref().String(), "pr", rc.prNumber)
				return stageAdvance, nil
			}
		case pending == 0 && len(failures) == 0:
			w.log.Info("checks passed", "task", rc.task.Ref().String(), "pr", rc.prNumber, "checks", len(checks))
			return stageAdvance, nil
		case pending == 0:
			se := stageFailure(StageCIWait, failCI,
				fmt.Errorf("%d of %d checks failed", len(failures), len(checks)))
			se.checks = failures
			se.output = renderCheckFailures(failures)
			return stageAdvance, se
		}

		status := "pending"
		if len(failures) > 0 {
			status = "failure"
		}
		sig := markers.ChecksSignature(status, snapshots)
		if sig == lastSig {
			attempt++
		} else {
			attempt = 1
			lastSig = sig
		}

		if w.now().After(deadline) {
			se := stageFailure(StageCIWait, failCI,
				fmt.Errorf("checks still pending after %s", w.cfg.CITimeout))
			se.checks = failures
			se.ciTimedOut = true
			se.output = renderCheckFailures(failures)
			return stageAdvance, se
		}

		delay := lanes.Jitter(lanes.Backoff(w.cfg.CIPollBase, attempt, w.cfg.CIPollCap), 0.2,
			jitterSeed(StageCIWait+"|"+rc.task.Ref().String(), attempt))
		w.log.Debug("checks pending", "task", rc.task.Ref().String(), "pr", rc.prNumber,
			"pending", pending, "failed", len(failures), "next_poll", delay)
		select {
		case <-ctx.Done():
			return stageAdvance, stageFailure(StageCIWait, failInfra, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// bucketChecks splits check runs into signature snapshots, failures, and a
// pending count. Neutral and skipped conclusions count as passing.
func bucketChecks(checks []hosting.CheckRun) ([]markers.CheckSnapshot, []markers.CheckFailure, int) {
	snapshots := make([]markers.CheckSnapshot, 0, len(checks))
	var failures []markers.CheckFailure
	pending := 0

	for _, c := range checks {
		state := "success"
		raw := c.Status
		if c.Conclusion != "" {
			raw = c.Status + ":" + c.Conclusion
		}
		switch {
		case c.Status != "completed":
			state = "pending"
			pending++
		case c.Conclusion == "success", c.Conclusion == "neutral", c.Conclusion == "skipped":
		default:
			state = "failure"
			failures = append(failures, markers.CheckFailure{Name: c.Name, Excerpt: c.Summary})
		}
		snapshots = append(snapshots, markers.CheckSnapshot{Name: c.Name, State: state, RawState: raw})
	}
	return snapshots, failures, pending
}
