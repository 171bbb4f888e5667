package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/lanes"
	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/state"
)

// prCreate pushes the branch and opens the pull request under a keyed
// lease, so concurrent workers (and crash-replayed runs) open at most one
// PR per (repo, issue, branch).
func (w *Worker) prCreate(ctx context.Context, rc *runCtx) (stageResult, error) {
	// A canonical open PR resolved at pre-flight is adopted, never
	// duplicated. Push first so it carries the latest commits.
	if rc.prNumber != 0 {
		if err := rc.wt.Repo.Push(ctx, rc.wt.Path, rc.branch); err != nil {
			return stageAdvance, stageFailure(StagePRCreate, failTransient, err)
		}
		rc.completionKind = state.CompletionPR
		w.log.Info("adopted existing PR", "task", rc.task.Ref().String(), "pr", rc.prNumber)
		return stageAdvance, nil
	}

	if err := rc.wt.Repo.Push(ctx, rc.wt.Path, rc.branch); err != nil {
		return stageAdvance, stageFailure(StagePRCreate, failTransient, err)
	}

	key := markers.LeaseKey(rc.task.Repo, rc.task.IssueNumber, rc.branch)
	payload := w.leasePayload(rc)

	err := w.ports.Store.RecordIdempotencyKey(ctx, key, "pr-create", payload)
	if errors.Is(err, state.ErrKeyExists) {
		return w.resolveLeaseConflict(ctx, rc, key, payload)
	}
	if err != nil {
		return stageAdvance, stageFailure(StagePRCreate, failInfra, err)
	}

	return w.createPR(ctx, rc, key)
}

func (w *Worker) leasePayload(rc *runCtx) string {
	blob, _ := json.Marshal(map[string]string{
		"branch": rc.branch,
		"head":   rc.headSHA,
	})
	return string(blob)
}

// resolveLeaseConflict handles a lease already held: wait for the holder's
// PR to emerge, and reclaim the lease only when the held record stayed
// bit-identical through the whole wait (the holder is dead, not slow).
func (w *Worker) resolveLeaseConflict(ctx context.Context, rc *runCtx, key, payload string) (stageResult, error) {
	before, err := w.ports.Store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return stageAdvance, stageFailure(StagePRCreate, failInfra, err)
	}

	deadline := w.now().Add(w.cfg.LeaseWait)
	for w.now().Before(deadline) {
		prs, err := rc.host.ListPRsForBranch(ctx, rc.branch, "open")
		if err == nil && len(prs) > 0 {
			w.adoptPR(ctx, rc, &prs[0])
			w.releaseLease(ctx, key)
			w.log.Info("PR emerged under held lease", "task", rc.task.Ref().String(), "pr", rc.prNumber)
			return stageAdvance, nil
		}
		select {
		case <-ctx.Done():
			return stageAdvance, stageFailure(StagePRCreate, failInfra, ctx.Err())
		case <-time.After(w.cfg.LeasePollEvery):
		}
	}

	after, err := w.ports.Store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return stageAdvance, stageFailure(StagePRCreate, failInfra, err)
	}
	if before == nil || after == nil ||
		!after.CreatedAt.Equal(before.CreatedAt) || after.Payload != before.Payload {
		// The lease moved during the wait: its holder is alive.
		se := stageFailure(StagePRCreate, failTransient, fmt.Errorf("pr-create lease contested"))
		return stageAdvance, se
	}

	// Stale lease: no PR emerged and the record never changed. Reclaim.
	rc.leaseStale = true
	if err := w.ports.Store.ReleaseIdempotencyKey(ctx, key); err != nil {
		return stageAdvance, stageFailure(StagePRCreate, failInfra, err)
	}
	if err := w.ports.Store.RecordIdempotencyKey(ctx, key, "pr-create", payload); err != nil {
		// Someone else won the reclaim race.
		return stageAdvance, stageFailure(StagePRCreate, failTransient, fmt.Errorf("pr-create lease reclaim lost"))
	}
	w.log.Warn("reclaimed stale pr-create lease", "task", rc.task.Ref().String())
	return w.createPR(ctx, rc, key)
}

// createPR opens the pull request, retrying transient provider failures
// with capped backoff. On permanent failure the lease is released so a
// later run can try again.
func (w *Worker) createPR(ctx context.Context, rc *runCtx, key string) (stageResult, error) {
	title := rc.task.Title
	if rc.issue != nil && rc.issue.Title != "" {
		title = rc.issue.Title
	}
	opts := hosting.PRCreateOptions{
		Title: title,
		Body:  fmt.Sprintf("Closes #%d", rc.task.IssueNumber),
		Head:  rc.branch,
		Base:  rc.base,
	}

	var pr *hosting.PR
	var err error
	for attempt := 1; attempt <= w.cfg.PRCreateMaxAttempts; attempt++ {
		pr, err = rc.host.CreatePR(ctx, opts)
		if err == nil {
			w.adoptPR(ctx, rc, pr)
			// The snapshot is durable; the lease has done its job.
			w.releaseLease(ctx, key)
			w.log.Info("created PR", "task", rc.task.Ref().String(), "pr", rc.prNumber, "url", rc.prURL)
			return stageAdvance, nil
		}

		switch hosting.Classify(err) {
		case hosting.ClassTransient, hosting.ClassRateLimited:
			delay := lanes.Jitter(lanes.Backoff(w.cfg.PRCreateRetryBase, attempt, w.cfg.PRCreateRetryMax), 0.2,
				jitterSeed(StagePRCreate+"|"+rc.task.Ref().String(), attempt))
			if hint, ok := hosting.RetryAfterHint(err); ok {
				delay = hint
			}
			w.log.Warn("PR create retrying", "task", rc.task.Ref().String(), "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				w.releaseLease(ctx, key)
				return stageAdvance, stageFailure(StagePRCreate, failInfra, ctx.Err())
			case <-time.After(delay):
			}
		case hosting.ClassPermission:
			w.releaseLease(ctx, key)
			wrapped := fmt.Errorf("create PR: %w", err)
			if isCapabilityDenial(err) {
				// The credential cannot create PRs at all: a policy
				// block, not a repo permission hiccup.
				rc.policyDenied = true
				se := stageFailure(StagePRCreate, failPolicy, wrapped)
				se.blockReason = fmt.Sprintf("credential cannot create PRs: %v", err)
				return stageAdvance, se
			}
			se := stageFailure(StagePRCreate, failPermission, wrapped)
			se.blockSource = "permission"
			se.blockReason = fmt.Sprintf("provider refused PR creation: %v", err)
			return stageAdvance, se
		default:
			w.releaseLease(ctx, key)
			return stageAdvance, stageFailure(StagePRCreate, failInfra, fmt.Errorf("create PR: %w", err))
		}
	}

	w.releaseLease(ctx, key)
	return stageAdvance, stageFailure(StagePRCreate, failTransient,
		fmt.Errorf("create PR after %d attempts: %w", w.cfg.PRCreateMaxAttempts, err))
}

// releaseLease frees the pr-create lease once the attempt has settled:
// either the PR snapshot is durably recorded or the creation definitively
// did not happen.
func (w *Worker) releaseLease(ctx context.Context, key string) {
	if err := w.ports.Store.ReleaseIdempotencyKey(ctx, key); err != nil {
		w.log.Warn("pr-create lease not released", "key", key, "error", err)
	}
}

// adoptPR records an open PR as the task's canonical one.
func (w *Worker) adoptPR(ctx context.Context, rc *runCtx, pr *hosting.PR) {
	rc.prNumber = pr.Number
	rc.prURL = pr.HTMLURL
	rc.prCreatedAt = pr.CreatedAt
	rc.completionKind = state.CompletionPR
	if err := w.ports.Store.UpsertPRSnapshot(ctx, prSnapshot(rc, pr)); err != nil {
		w.log.Warn("PR snapshot not recorded", "task", rc.task.Ref().String(), "pr", pr.Number, "error", err)
	}
}

// isCapabilityDenial recognizes the provider telling us the credential
// lacks the capability outright, as opposed to a repo-level setting.
func isCapabilityDenial(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "resource not accessible by integration") ||
		strings.Contains(s, "must have admin rights") ||
		strings.Contains(s, "insufficient_scope")
}
