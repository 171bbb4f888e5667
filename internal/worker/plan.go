package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
)

// plan runs the planning agent. A retained session from a previous run is
// continued so the agent keeps its context; otherwise a fresh builder
// session starts here and carries through build.
func (w *Worker) plan(ctx context.Context, rc *runCtx) (stageResult, error) {
	var res *session.Result
	var serr *stageError
	if rc.task.SessionID != "" && rc.sessionID == "" {
		rc.sessionID = rc.task.SessionID
	}
	if rc.sessionID != "" {
		res, serr = w.invoke(ctx, rc, StagePlan, func(opts session.Options) (*session.Result, error) {
			return w.ports.Agent.ContinueSession(ctx, rc.wt.Path, rc.sessionID, planPrompt(rc), opts)
		})
	} else {
		res, serr = w.invoke(ctx, rc, StagePlan, func(opts session.Options) (*session.Result, error) {
			return w.ports.Agent.RunAgent(ctx, rc.wt.Path, AgentPlan, planPrompt(rc), opts)
		})
	}
	if serr != nil {
		return stageAdvance, serr
	}
	w.adoptBuilderSession(ctx, rc, res.SessionID)

	planPath := filepath.Join(rc.wt.Path, planRelPath)
	if _, err := os.Stat(planPath); err != nil {
		se := stageFailure(StagePlan, failAgent, fmt.Errorf("plan artifact %s missing", planRelPath))
		se.output = res.Output
		return stageAdvance, se
	}
	rc.planPath = planPath
	return stageAdvance, nil
}

// planReview runs an independent reviewer over the plan. The marker is
// strict: the final non-empty output line must carry the plan-review
// prefix.
func (w *Worker) planReview(ctx context.Context, rc *runCtx) (stageResult, error) {
	verdict, serr := w.runReviewSession(ctx, rc, StagePlanReview, planReviewPrompt(rc),
		markers.PlanReviewPrefix, markers.ParsePlanReview)
	if serr != nil {
		return stageAdvance, serr
	}
	return w.recordReviewGate(ctx, rc, StagePlanReview, state.GatePlanReview, verdict)
}

// build continues the builder session to implement the plan, then
// cross-checks the emitted evidence against the worktree.
func (w *Worker) build(ctx context.Context, rc *runCtx) (stageResult, error) {
	var res *session.Result
	var serr *stageError
	if rc.sessionID != "" {
		res, serr = w.invoke(ctx, rc, StageBuild, func(opts session.Options) (*session.Result, error) {
			return w.ports.Agent.ContinueSession(ctx, rc.wt.Path, rc.sessionID, buildPrompt(rc), opts)
		})
	} else {
		res, serr = w.invoke(ctx, rc, StageBuild, func(opts session.Options) (*session.Result, error) {
			return w.ports.Agent.RunAgent(ctx, rc.wt.Path, AgentBuild, buildPrompt(rc), opts)
		})
	}
	if serr != nil {
		return stageAdvance, serr
	}
	w.adoptBuilderSession(ctx, rc, res.SessionID)

	ev, err := markers.ParseBuildEvidence(res.Output)
	for repair := 0; err != nil && repair < w.cfg.MarkerRepairAttempts; repair++ {
		w.log.Warn("build evidence unusable, requesting re-emission",
			"task", rc.task.Ref().String(), "attempt", repair+1, "error", err)
		res, serr = w.invoke(ctx, rc, StageBuild, func(opts session.Options) (*session.Result, error) {
			return w.ports.Agent.ContinueSession(ctx, rc.wt.Path, rc.sessionID, repairPrompt(markers.BuildEvidencePrefix, err), opts)
		})
		if serr != nil {
			return stageAdvance, serr
		}
		ev, err = markers.ParseBuildEvidence(res.Output)
	}
	if err != nil {
		se := stageFailure(StageBuild, failAgent,
			fmt.Errorf("build evidence unusable after %d repair attempts: %w", w.cfg.MarkerRepairAttempts, err))
		se.output = res.Output
		return stageAdvance, se
	}

	if serr := w.checkBuildEvidence(ctx, rc, ev); serr != nil {
		serr.output = res.Output
		return stageAdvance, serr
	}
	rc.evidence = ev
	return stageAdvance, nil
}

// checkBuildEvidence verifies the agent's claims against git: the branch,
// the head SHA, and worktree cleanliness must all hold before the change
// moves toward a PR.
func (w *Worker) checkBuildEvidence(ctx context.Context, rc *runCtx, ev *markers.BuildEvidence) *stageError {
	if ev.Branch != rc.branch {
		return stageFailure(StageBuild, failAgent,
			fmt.Errorf("evidence names branch %q, worktree is on %q", ev.Branch, rc.branch))
	}
	if !ev.ReadyForPRCreate {
		return stageFailure(StageBuild, failAgent, fmt.Errorf("evidence reports not ready for pr_create"))
	}
	if ev.Preflight.Status != "pass" {
		return stageFailure(StageBuild, failAgent,
			fmt.Errorf("evidence preflight status %q (command %q): %s", ev.Preflight.Status, ev.Preflight.Command, ev.Preflight.Summary))
	}

	head, err := rc.wt.Repo.HeadSHA(ctx, rc.wt.Path)
	if err != nil {
		return stageFailure(StageBuild, failInfra, fmt.Errorf("head sha: %w", err))
	}
	if !strings.HasPrefix(strings.ToLower(head), strings.ToLower(ev.HeadSHA)) {
		return stageFailure(StageBuild, failAgent,
			fmt.Errorf("evidence head %s does not match worktree head %s", ev.HeadSHA, head))
	}
	rc.headSHA = head

	clean, err := rc.wt.Repo.IsClean(ctx, rc.wt.Path)
	if err != nil {
		return stageFailure(StageBuild, failInfra, fmt.Errorf("worktree status: %w", err))
	}
	if !clean {
		return stageFailure(StageBuild, failAgent, fmt.Errorf("evidence claims clean worktree, git disagrees"))
	}
	if !ev.WorktreeClean {
		return stageFailure(StageBuild, failAgent, fmt.Errorf("evidence reports dirty worktree"))
	}
	return nil
}
