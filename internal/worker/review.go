package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
)

func (w *Worker) productReview(ctx context.Context, rc *runCtx) (stageResult, error) {
	return w.diffReview(ctx, rc, StageProductReview, state.GateProductReview, "product")
}

func (w *Worker) devexReview(ctx context.Context, rc *runCtx) (stageResult, error) {
	return w.diffReview(ctx, rc, StageDevexReview, state.GateDevexReview, "devex")
}

// diffReview prepares the diff artifact against the base branch, runs an
// independent review session over it, and records the gate.
func (w *Worker) diffReview(ctx context.Context, rc *runCtx, stage, gate, perspective string) (stageResult, error) {
	diffFile, serr := w.prepareDiffArtifact(ctx, rc, stage, gate)
	if serr != nil {
		return stageAdvance, serr
	}

	verdict, serr := w.runReviewSession(ctx, rc, stage, reviewPrompt(rc, perspective, diffFile),
		markers.ReviewPrefix, markers.ParseReview)
	if serr != nil {
		return stageAdvance, serr
	}
	return w.recordReviewGate(ctx, rc, stage, gate, verdict)
}

// prepareDiffArtifact fetches the base and writes the full diff to a file
// in the worktree for the reviewer to read; the stat summary is attached
// to the gate as evidence.
func (w *Worker) prepareDiffArtifact(ctx context.Context, rc *runCtx, stage, gate string) (string, *stageError) {
	if err := rc.wt.Repo.Fetch(ctx, rc.base); err != nil {
		return "", stageFailure(stage, failTransient, err)
	}

	rangeSpec := fmt.Sprintf("origin/%s...HEAD", rc.base)
	stat, err := rc.wt.Repo.Diff(ctx, rc.wt.Path, "--stat", rangeSpec)
	if err != nil {
		return "", stageFailure(stage, failInfra, err)
	}
	full, err := rc.wt.Repo.Diff(ctx, rc.wt.Path, rangeSpec)
	if err != nil {
		return "", stageFailure(stage, failInfra, err)
	}

	rel := filepath.Join(".ralph", stage+".diff")
	abs := filepath.Join(rc.wt.Path, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", stageFailure(stage, failInfra, err)
	}
	if err := os.WriteFile(abs, []byte(full), 0o644); err != nil {
		return "", stageFailure(stage, failInfra, err)
	}

	if err := w.ports.Store.RecordGateArtifact(ctx, rc.run.ID, gate, state.ArtifactCommandOutput, stat); err != nil {
		return "", stageFailure(stage, failInfra, err)
	}
	return rel, nil
}

// runReviewSession starts a fresh reviewer session (never the builder's)
// and parses its verdict, with bounded repair prompts on parse failure.
func (w *Worker) runReviewSession(ctx context.Context, rc *runCtx, stage, prompt, prefix string, parse func(string) (*markers.ReviewResult, error)) (*markers.ReviewResult, *stageError) {
	res, serr := w.invoke(ctx, rc, stage, func(opts session.Options) (*session.Result, error) {
		return w.ports.Agent.RunAgent(ctx, rc.wt.Path, AgentReview, prompt, opts)
	})
	if serr != nil {
		return nil, serr
	}
	reviewSession := res.SessionID

	verdict, err := parse(res.Output)
	for repair := 0; err != nil && repair < w.cfg.MarkerRepairAttempts && reviewSession != ""; repair++ {
		w.log.Warn("review marker unusable, requesting re-emission",
			"task", rc.task.Ref().String(), "stage", stage, "attempt", repair+1, "error", err)
		res, serr = w.invoke(ctx, rc, stage, func(opts session.Options) (*session.Result, error) {
			return w.ports.Agent.ContinueSession(ctx, rc.wt.Path, reviewSession, repairPrompt(prefix, err), opts)
		})
		if serr != nil {
			return nil, serr
		}
		verdict, err = parse(res.Output)
	}
	if err != nil {
		se := stageFailure(stage, failReview, fmt.Errorf("review marker: %w", err))
		se.output = res.Output
		se.blockReason = fmt.Sprintf("%s marker unusable after %d repair attempts: %v", stage, w.cfg.MarkerRepairAttempts, err)
		return nil, se
	}
	return verdict, nil
}

// recordReviewGate writes the gate row and converts a failing verdict
// into the review block.
func (w *Worker) recordReviewGate(ctx context.Context, rc *runCtx, stage, gate string, verdict *markers.ReviewResult) (stageResult, error) {
	status := state.GateFail
	if verdict.Pass() {
		status = state.GatePass
	}
	err := w.ports.Store.UpsertGateResult(ctx, &state.GateResult{
		RunID:  rc.run.ID,
		Gate:   gate,
		Status: status,
		Reason: verdict.Reason,
	})
	if err != nil {
		return stageAdvance, stageFailure(stage, failInfra, err)
	}
	rc.pub.Gate(gate, string(status), verdict.Reason)

	if !verdict.Pass() {
		se := stageFailure(stage, failReview, fmt.Errorf("review failed: %s", verdict.Reason))
		se.blockReason = verdict.Reason
		return stageAdvance, se
	}
	w.log.Info("review passed", "task", rc.task.Ref().String(), "gate", gate)
	return stageAdvance, nil
}
