package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/lanes"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
)

// parentVerifyGate runs the parent-verification lane when this task's
// issue has one pending. handled=true means the gate decided the stage's
// outcome; handled=false means verification does not apply (or returned
// work_remains) and pre-flight continues.
func (w *Worker) parentVerifyGate(ctx context.Context, rc *runCtx) (stageResult, bool, error) {
	pv, err := w.ports.Store.GetParentVerification(ctx, rc.task.Repo, rc.task.IssueNumber)
	if err != nil {
		return stageAdvance, true, stageFailure(StagePreflight, failInfra, err)
	}
	if pv == nil || pv.Status == state.ParentVerifyComplete {
		return stageAdvance, false, nil
	}

	nowMs := w.now().UnixMilli()
	err = w.ports.Store.ClaimParentVerification(ctx, rc.task.Repo, rc.task.IssueNumber, nowMs, w.cfg.ParentVerifyMaxAttempts)
	switch {
	case errors.Is(err, state.ErrAttemptsExhausted):
		err = w.escalateTask(ctx, rc, "parent-verification",
			fmt.Sprintf("verification unresolved after %d attempts", pv.AttemptCount))
		return stageDone, true, err
	case errors.Is(err, state.ErrConflict):
		// Not due yet, or another worker holds it. Come back later.
		err = w.requeueTask(ctx, rc, "parent verification not due", nil)
		return stageDone, true, err
	case err != nil:
		return stageAdvance, true, stageFailure(StagePreflight, failInfra, err)
	}

	return w.runVerification(ctx, rc)
}

// runVerification executes one verification-only agent attempt under an
// already-won claim and applies the lane's decision.
func (w *Worker) runVerification(ctx context.Context, rc *runCtx) (stageResult, bool, error) {
	lane := &state.Run{
		ID:          uuid.NewString(),
		TaskID:      rc.task.ID,
		AttemptKind: state.AttemptParentVerify,
		StartedAt:   w.now(),
	}
	if err := w.ports.Store.CreateRun(ctx, lane); err != nil {
		return stageAdvance, true, stageFailure(StagePreflight, failInfra, err)
	}

	res, serr := w.invoke(ctx, rc, "parent-verify", func(opts session.Options) (*session.Result, error) {
		return w.ports.Agent.RunAgent(ctx, rc.wt.Path, AgentVerify, verifyPrompt(rc), opts)
	})

	var output string
	switch {
	case serr != nil && serr.kind == failInfra:
		w.completeLaneRun(ctx, lane.ID, state.OutcomeFailed, serr.Error())
		return stageAdvance, true, serr
	case serr != nil:
		// Failed attempt: the lane decider sees the (unparseable) output
		// and charges it against the attempt cap.
		output = serr.output
	default:
		output = res.Output
		if res.SessionID != "" {
			if err := w.ports.Store.SetRunSession(ctx, lane.ID, res.SessionID); err != nil {
				w.log.Warn("verify session not recorded", "run", lane.ID, "error", err)
			}
		}
	}

	attempts := 1
	if pv, err := w.ports.Store.GetParentVerification(ctx, rc.task.Repo, rc.task.IssueNumber); err == nil && pv != nil {
		attempts = pv.AttemptCount
	}

	decision := lanes.DecideParentVerify(lanes.ParentVerifyInput{
		Output:       output,
		AttemptCount: attempts,
		MaxAttempts:  w.cfg.ParentVerifyMaxAttempts,
		BackoffBase:  w.cfg.ParentVerifyBackoffBase,
		BackoffMax:   w.cfg.ParentVerifyBackoffMax,
	})
	rc.pub.Lane("parent-verify", string(decision.Action), "", attempts)
	w.log.Info("parent verification decided", "task", rc.task.Ref().String(),
		"action", string(decision.Action), "attempt", attempts, "reason", decision.Reason)

	switch decision.Action {
	case lanes.ParentProceed:
		if err := w.ports.Store.CompleteParentVerification(ctx, rc.task.Repo, rc.task.IssueNumber, "work_remains"); err != nil {
			return stageAdvance, true, stageFailure(StagePreflight, failInfra, err)
		}
		w.completeLaneRun(ctx, lane.ID, state.OutcomeSuccess, "work remains: "+decision.Reason)
		return stageAdvance, false, nil

	case lanes.ParentCompleteNoPR:
		if err := w.ports.Store.CompleteParentVerification(ctx, rc.task.Repo, rc.task.IssueNumber, decision.NoPRTerminalReason); err != nil {
			return stageAdvance, true, stageFailure(StagePreflight, failInfra, err)
		}
		w.completeLaneRun(ctx, lane.ID, state.OutcomeSuccess, "children satisfied parent: "+decision.Reason)
		sres, err := w.finishVerified(ctx, rc, decision.NoPRTerminalReason, decision.Reason)
		return sres, true, err

	case lanes.ParentDefer:
		nextMs := w.now().Add(decision.RetryIn).UnixMilli()
		if err := w.ports.Store.RecordParentVerificationFailure(ctx, rc.task.Repo, rc.task.IssueNumber, nextMs); err != nil {
			return stageAdvance, true, stageFailure(StagePreflight, failInfra, err)
		}
		w.completeLaneRun(ctx, lane.ID, state.OutcomeFailed, decision.Reason)
		err := w.requeueTask(ctx, rc, "parent verification deferred: "+decision.Reason, nil)
		return stageDone, true, err

	default: // lanes.ParentEscalate
		if err := w.ports.Store.CompleteParentVerification(ctx, rc.task.Repo, rc.task.IssueNumber, "escalated"); err != nil {
			w.log.Warn("parent verification not closed", "task", rc.task.Ref().String(), "error", err)
		}
		w.completeLaneRun(ctx, lane.ID, state.OutcomeEscalated, decision.Reason)
		err := w.escalateTask(ctx, rc, "parent-verification", decision.Reason)
		return stageDone, true, err
	}
}
