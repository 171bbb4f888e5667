package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/lanes"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
)

// laneMergeConflict redoes the refused merge inside the worktree to expose
// the conflict hunks, then has a fresh agent session resolve them. Runtime
// failures retry in place; surviving conflict content defers the task so a
// later run starts from a fresher base; permission and tooling failures
// escalate.
func (w *Worker) laneMergeConflict(ctx context.Context, rc *runCtx, se *stageError) disposition {
	if rc.wt == nil {
		w.log.Error("conflict lane without a worktree", "task", rc.task.Ref().String())
		return dispAbort
	}

	for retry := 0; ; retry++ {
		if err := rc.wt.Repo.Fetch(ctx, rc.base); err != nil {
			if rqErr := w.requeueTask(ctx, rc, state.TransientDetailsPrefix+fmt.Sprintf("fetch %s: %v", rc.base, err), nil); rqErr != nil {
				return dispAbort
			}
			return dispStop
		}

		mergeOut, mergeErr := rc.wt.Repo.GitIn(ctx, rc.wt.Path, "merge", "--no-edit", "origin/"+rc.base)
		if mergeErr == nil {
			// The base moved on and the conflict evaporated, or a prior
			// crashed resolution already committed. Push and re-watch CI.
			if err := rc.wt.Repo.Push(ctx, rc.wt.Path, rc.branch); err != nil {
				if rqErr := w.requeueTask(ctx, rc, state.TransientDetailsPrefix+fmt.Sprintf("push after merge: %v", err), nil); rqErr != nil {
					return dispAbort
				}
				return dispStop
			}
			w.log.Info("base merged without conflicts", "task", rc.task.Ref().String(), "base", rc.base)
			return dispRewindCI
		}

		class, resolved := w.resolveConflicts(ctx, rc, mergeOut+"\n"+mergeErr.Error())
		if resolved {
			if err := rc.wt.Repo.Push(ctx, rc.wt.Path, rc.branch); err != nil {
				if rqErr := w.requeueTask(ctx, rc, state.TransientDetailsPrefix+fmt.Sprintf("push after resolution: %v", err), nil); rqErr != nil {
					return dispAbort
				}
				return dispStop
			}
			w.log.Info("merge conflicts resolved", "task", rc.task.Ref().String(), "base", rc.base)
			return dispRewindCI
		}

		// Leave the worktree clean whatever happens next.
		_, _ = rc.wt.Repo.GitIn(ctx, rc.wt.Path, "merge", "--abort")

		action := lanes.DecideConflict(class, retry, w.cfg.ConflictMaxRetries)
		rc.pub.Lane("merge-conflict", string(action), "", retry+1)
		w.log.Warn("conflict resolution failed", "task", rc.task.Ref().String(),
			"class", string(class), "action", string(action), "retry", retry+1)

		switch action {
		case lanes.ConflictRetry:
			continue
		case lanes.ConflictDefer:
			if rqErr := w.requeueTask(ctx, rc, "merge conflict unresolved, deferring for a fresher base", nil); rqErr != nil {
				return dispAbort
			}
			return dispStop
		default:
			details := fmt.Sprintf("merge conflict against %s could not be resolved (%s failure after %d attempts)",
				rc.base, string(class), retry+1)
			if escErr := w.escalateTask(ctx, rc, "merge-conflict", details); escErr != nil {
				return dispAbort
			}
			return dispStop
		}
	}
}

// resolveConflicts runs one agent session against the conflicted worktree.
// It reports (class, false) on failure — including the session claiming
// success while conflict hunks survive — and (_, true) when the worktree
// ends clean. Every attempt gets a fresh session: a conflicted merge state
// is self-describing, and prior context adds nothing but spent tokens.
func (w *Worker) resolveConflicts(ctx context.Context, rc *runCtx, conflictOutput string) (lanes.ConflictClass, bool) {
	lane := &state.Run{
		ID:          uuid.NewString(),
		TaskID:      rc.task.ID,
		AttemptKind: state.AttemptMergeConflict,
		IssueLink:   rc.task.Ref().String(),
		StartedAt:   w.now(),
	}
	if err := w.ports.Store.CreateRun(ctx, lane); err != nil {
		w.log.Warn("conflict run not created", "task", rc.task.Ref().String(), "error", err)
	}

	res, serr := w.invoke(ctx, rc, "merge-conflict", func(opts session.Options) (*session.Result, error) {
		return w.ports.Agent.RunAgent(ctx, rc.wt.Path, AgentBuild, conflictPrompt(rc, conflictOutput), opts)
	})
	if serr != nil {
		w.completeLaneRun(ctx, lane.ID, state.OutcomeFailed, serr.Error())
		out := serr.output
		if out == "" {
			out = serr.Error()
		}
		return lanes.ClassifyConflictFailure(out), false
	}

	if res.SessionID != "" {
		if err := w.ports.Store.SetRunSession(ctx, lane.ID, res.SessionID); err != nil {
			w.log.Warn("conflict session not recorded", "run", lane.ID, "error", err)
		}
	}

	clean, err := rc.wt.Repo.IsClean(ctx, rc.wt.Path)
	if err != nil || !clean {
		w.completeLaneRun(ctx, lane.ID, state.OutcomeFailed, "conflict hunks survived the resolution")
		return lanes.ConflictMergeContent, false
	}

	w.completeLaneRun(ctx, lane.ID, state.OutcomeSuccess, "conflicts resolved")
	return "", true
}
