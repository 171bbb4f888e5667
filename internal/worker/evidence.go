package worker

import (
	"context"

	"github.com/randalmurphal/ralph/internal/lanes"
	"github.com/randalmurphal/ralph/internal/state"
)

// prEvidence is the fail-closed gate in front of the done stage: a run
// about to complete as a success must carry a PR URL or a recognized no-PR
// reason, or it escalates instead.
func (w *Worker) prEvidence(ctx context.Context, rc *runCtx) (stageResult, error) {
	decision := lanes.DecideEvidence(lanes.EvidenceInput{
		Outcome:            state.OutcomeSuccess,
		IssueLinked:        rc.task.IssueNumber > 0,
		PRUrl:              rc.prURL,
		CompletionKind:     rc.completionKind,
		NoPRTerminalReason: rc.noPRReason,
		PolicyDenied:       rc.policyDenied,
		LeaseStale:         rc.leaseStale,
		NoWorktreeBranch:   rc.wt == nil || rc.branch == "",
	})

	gr := &state.GateResult{
		RunID:      rc.run.ID,
		Gate:       state.GatePREvidence,
		Status:     decision.Gate,
		Reason:     decision.ReasonCode,
		SkipReason: decision.SkipReason,
		PRUrl:      rc.prURL,
		PRNumber:   rc.prNumber,
	}
	if err := w.ports.Store.UpsertGateResult(ctx, gr); err != nil {
		return stageAdvance, stageFailure(StagePREvidence, failInfra, err)
	}
	rc.pub.Gate(state.GatePREvidence, string(decision.Gate), decision.SkipReason)

	if line := decision.ArtifactLine(); line != "" {
		if err := w.ports.Store.RecordGateArtifact(ctx, rc.run.ID, state.GatePREvidence, state.ArtifactNote, line); err != nil {
			return stageAdvance, stageFailure(StagePREvidence, failInfra, err)
		}
	}

	if decision.Outcome == state.OutcomeEscalated {
		err := w.escalateTask(ctx, rc, "pr-evidence",
			"run claimed success but produced no PR URL and no recognized no-PR reason")
		return stageDone, err
	}

	w.log.Info("evidence gate", "task", rc.task.Ref().String(), "status", string(decision.Gate), "pr", rc.prURL)
	return stageAdvance, nil
}
