package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/ralph/internal/lanes"
	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/state"
)

// dispatch routes a classified stage failure to its recovery lane and
// executes the lane's side effects. Terminal dispositions (requeue, block,
// escalate, throttle) are fully recorded before dispStop returns; dispAbort
// means our own plumbing broke and the pipeline surfaces the error.
func (w *Worker) dispatch(ctx context.Context, rc *runCtx, stage string, err error) disposition {
	var se *stageError
	if !errors.As(err, &se) {
		se = stageFailure(stage, failInfra, err)
	}
	rc.recoveryInvoked = true
	w.recordFailureExcerpt(ctx, rc, se)

	switch se.kind {
	case failTransient:
		if rqErr := w.requeueTask(ctx, rc, state.TransientDetailsPrefix+se.Error(), nil); rqErr != nil {
			return dispAbort
		}
		w.log.Warn("transient failure, requeued", "task", rc.task.Ref().String(), "stage", se.stage, "error", se.err)
		return dispStop

	case failPermission:
		source, reason := se.blockSource, se.blockReason
		if source == "" {
			source = "permission"
		}
		if reason == "" {
			reason = se.Error()
		}
		if blkErr := w.blockTask(ctx, rc, source, reason); blkErr != nil {
			return dispAbort
		}
		return dispStop

	case failPolicy:
		rc.policyDenied = true
		reason := se.blockReason
		if reason == "" {
			reason = se.Error()
		}
		if blkErr := w.blockTask(ctx, rc, "policy", reason); blkErr != nil {
			return dispAbort
		}
		return dispStop

	case failReview:
		reason := se.blockReason
		if reason == "" {
			reason = se.Error()
		}
		if blkErr := w.blockTask(ctx, rc, "review", reason); blkErr != nil {
			return dispAbort
		}
		return dispStop

	case failAgent, failContext:
		return w.agentFailure(ctx, rc, se)

	case failWatchdog:
		return w.laneWatchdog(ctx, rc, se)

	case failCI:
		return w.laneCITriage(ctx, rc, se)

	case failMergeDirty:
		return w.laneMergeConflict(ctx, rc, se)

	default:
		return dispAbort
	}
}

// recordFailureExcerpt stores the failure's tail on the run so escalation
// and block comments have evidence behind them. Best-effort.
func (w *Worker) recordFailureExcerpt(ctx context.Context, rc *runCtx, se *stageError) {
	excerpt := se.output
	if excerpt == "" && se.err != nil {
		excerpt = se.err.Error()
	}
	if excerpt == "" {
		return
	}
	err := w.ports.Store.RecordGateArtifact(ctx, rc.run.ID, se.stage, state.ArtifactFailureExcerpt, tail(excerpt, 4000))
	if err != nil {
		w.log.Warn("failure excerpt not recorded", "run", rc.run.ID, "stage", se.stage, "error", err)
	}
}

// agentFailure charges the failure against the escalation budget: under
// the cap the task requeues with its session intact, at the cap it
// escalates. Transient requeues never land here, so rate limits and
// network hiccups retry for free.
func (w *Worker) agentFailure(ctx context.Context, rc *runCtx, se *stageError) disposition {
	prior, err := w.ports.Store.CountChargedAttempts(ctx, rc.task.ID)
	if err != nil {
		w.log.Error("charged attempt count unavailable", "task", rc.task.Ref().String(), "error", err)
		return dispAbort
	}

	if prior+1 >= w.cfg.ProcessMaxAttempts {
		details := fmt.Sprintf("agent failed %d times, last during %s: %v", prior+1, se.stage, se.err)
		if escErr := w.escalateTask(ctx, rc, "agent-failure", details); escErr != nil {
			return dispAbort
		}
		return dispStop
	}

	if rqErr := w.requeueTask(ctx, rc, se.Error(), nil); rqErr != nil {
		return dispAbort
	}
	w.log.Warn("agent failure, requeued", "task", rc.task.Ref().String(),
		"stage", se.stage, "attempt", prior+1, "cap", w.cfg.ProcessMaxAttempts)
	return dispStop
}

// stuckState is the blob embedded in the stuck comment. The signature only
// counts as prior art for the session that produced it; a fresh session
// starting over on the same tool is progress, not a loop.
type stuckState struct {
	Signature string `json:"signature"`
	SessionID string `json:"session_id"`
	Retries   int    `json:"retries"`
	UpdatedAt string `json:"updated_at"`
}

// laneWatchdog handles watchdog, stall, and loop-monitor terminations with
// the two-strikes rule. Watchdog and stall retries count separately.
func (w *Worker) laneWatchdog(ctx context.Context, rc *runCtx, se *stageError) disposition {
	source, tool, preview := "", "", ""
	isStall := false
	if se.res != nil {
		switch {
		case se.res.WatchdogTimeout != nil:
			source = se.res.WatchdogTimeout.Source
			tool = se.res.WatchdogTimeout.Tool
			preview = se.res.WatchdogTimeout.ArgsPreview
		case se.res.LoopTrip != nil:
			source = se.res.LoopTrip.Source
			tool = se.res.LoopTrip.Tool
			preview = se.res.LoopTrip.ArgsPreview
		case se.res.StallTimeout != nil:
			isStall = true
			source = se.res.StallTimeout.Source
		}
	}
	if source == "" {
		if isStall {
			source = "stall"
		} else {
			source = "watchdog"
		}
	}

	retryCount := rc.task.WatchdogRetries
	if isStall {
		retryCount = rc.task.StallRetries
	}

	var prior stuckState
	found, err := w.readCommentState(ctx, rc, markers.KindStuck, &prior)
	if err != nil {
		w.log.Warn("stuck comment unreadable", "task", rc.task.Ref().String(), "error", err)
	}
	if !found || prior.SessionID != rc.sessionID {
		prior = stuckState{}
	}

	d := lanes.DecideWatchdog(lanes.WatchdogInput{
		Stage:              se.stage,
		Source:             source,
		Tool:               tool,
		ArgsPreview:        preview,
		RetryCount:         retryCount,
		PriorSignature:     prior.Signature,
		RecentFingerprints: rc.fingerprints,
	})
	rc.pub.Lane("watchdog", string(d.Action), d.Signature, retryCount+1)

	if d.PostStuck {
		blob := stuckState{
			Signature: d.Signature,
			SessionID: rc.sessionID,
			Retries:   retryCount + 1,
			UpdatedAt: w.now().UTC().Format(time.RFC3339),
		}
		visible := fmt.Sprintf("ralph's agent looked stuck during %s (%s timeout); the task was requeued to retry once.",
			se.stage, source)
		if _, cErr := w.ensureComment(ctx, rc, markers.KindStuck, blob, visible); cErr != nil {
			w.log.Warn("stuck comment failed", "task", rc.task.Ref().String(), "error", cErr)
		}
	}

	if d.Action == lanes.WatchdogRequeue {
		next := retryCount + 1
		patch := &state.TaskPatch{}
		if isStall {
			patch.StallRetries = &next
		} else {
			patch.WatchdogRetries = &next
		}
		if rqErr := w.requeueTask(ctx, rc, fmt.Sprintf("%s timeout during %s", source, se.stage), patch); rqErr != nil {
			return dispAbort
		}
		w.log.Warn("watchdog requeue", "task", rc.task.Ref().String(),
			"stage", se.stage, "source", source, "signature", d.Signature, "retries", next)
		return dispStop
	}

	details := fmt.Sprintf("%s timeout during %s (signature %s)", source, se.stage, d.Signature)
	if d.EarlyTerminated {
		details += "; retry cut short: the session was repeating itself"
	}
	if escErr := w.escalateTask(ctx, rc, "watchdog", details); escErr != nil {
		return dispAbort
	}
	return dispStop
}
