package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/lanes"
	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/notify"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
)

// laneCITriage handles failed or timed-out CI checks. A fresh failure gets
// an agent pointed at it (new session, or the prior triage session when
// the failure changed); the same failure twice in a row quarantines the
// task instead of burning another attempt on the same wall.
func (w *Worker) laneCITriage(ctx context.Context, rc *runCtx, se *stageError) disposition {
	var prior markers.TriageState
	found, err := w.readCommentState(ctx, rc, markers.KindCITriage, &prior)
	if err != nil {
		w.log.Warn("triage comment unreadable", "task", rc.task.Ref().String(), "error", err)
	}
	if !found {
		prior = markers.TriageState{}
	}

	count, err := w.ports.Store.CountRunAttempts(ctx, rc.task.ID, state.AttemptCITriage)
	if err != nil {
		w.log.Error("triage attempt count unavailable", "task", rc.task.Ref().String(), "error", err)
		return dispAbort
	}
	latest, err := w.ports.Store.LatestRunOfKind(ctx, rc.task.ID, state.AttemptCITriage)
	if err != nil {
		w.log.Error("triage run lookup failed", "task", rc.task.Ref().String(), "error", err)
		return dispAbort
	}
	lastSession := ""
	if latest != nil {
		lastSession = latest.SessionID
	}

	d := lanes.DecideTriage(w.now(), lanes.TriageInput{
		TimedOut:       se.ciTimedOut,
		Failures:       se.checks,
		PriorSignature: prior.Signature,
		AttemptCount:   count,
		LastSessionID:  lastSession,
		MaxAttempts:    w.cfg.TriageMaxAttempts,
		ThrottleBase:   w.cfg.ThrottleBase,
		ThrottleMax:    w.cfg.ThrottleMax,
	})
	rc.pub.Lane("ci-triage", string(d.Action), d.Signature, d.State.Attempts)

	if _, cErr := w.ensureComment(ctx, rc, markers.KindCITriage, d.State, w.triageCommentText(se, d)); cErr != nil {
		w.log.Warn("triage comment failed", "task", rc.task.Ref().String(), "error", cErr)
	}

	switch d.Action {
	case lanes.TriageEscalate:
		details := fmt.Sprintf("CI failed %d times and the triage budget is spent.\n\n%s",
			d.State.Attempts, triageFailureSummary(se))
		if escErr := w.escalateTask(ctx, rc, "ci-failure", details); escErr != nil {
			return dispAbort
		}
		return dispStop
	case lanes.TriageQuarantine:
		return w.quarantineTask(ctx, rc, se, d)
	default:
		return w.runTriageAgent(ctx, rc, se, d, lastSession)
	}
}

// quarantineTask pauses the task for the decided backoff: soft-throttle
// snapshot, throttled run outcome, blocked status carrying the resume
// time, and at most one follow-up issue per failure signature.
func (w *Worker) quarantineTask(ctx context.Context, rc *runCtx, se *stageError, d lanes.TriageDecision) disposition {
	until := w.now().Add(d.ThrottleFor)
	resume := until.UTC().Format(time.RFC3339)
	reason := fmt.Sprintf("repeated CI failure (signature %s)", d.Signature)

	err := w.ports.Store.RecordThrottleSnapshot(ctx, state.ThrottleSoft,
		fmt.Sprintf("ci quarantine: %s", rc.task.Ref().String()), until.UnixMilli())
	if err != nil {
		w.log.Error("throttle snapshot not recorded", "task", rc.task.Ref().String(), "error", err)
		return dispAbort
	}

	w.fileFollowUpIssue(ctx, rc, se, d)

	if err := w.ports.Store.CompleteRun(ctx, rc.run.ID, state.RunCompletion{
		Outcome:   state.OutcomeThrottled,
		Details:   reason,
		SessionID: rc.sessionID,
	}); err != nil {
		return dispAbort
	}

	source := "quarantine"
	err = w.ports.Store.UpdateTaskStatus(ctx, rc.task.ID, state.TaskInProgress, state.TaskBlocked, &state.TaskPatch{
		BlockedSource: &source,
		BlockedReason: &reason,
		// The daemon revives quarantined tasks by parsing this timestamp.
		BlockedDetails: &resume,
	})
	if err != nil {
		return dispAbort
	}

	w.notify(ctx, rc, notify.KindQuarantine, "quarantined: repeated CI failure",
		fmt.Sprintf("%s\n\nWork resumes automatically after %s.", triageFailureSummary(se), resume))
	w.log.Warn("task quarantined", "task", rc.task.Ref().String(),
		"signature", d.Signature, "attempts", d.State.Attempts, "until", resume)
	return dispStop
}

// fileFollowUpIssue opens the quarantine's companion issue at most once
// per (task, signature): the keyed record makes crash-replayed
// quarantines skip the create instead of filing duplicates.
func (w *Worker) fileFollowUpIssue(ctx context.Context, rc *runCtx, se *stageError, d lanes.TriageDecision) {
	key := fmt.Sprintf("followup:%d:%s", rc.task.ID, d.Signature)
	err := w.ports.Store.RecordIdempotencyKey(ctx, key, "followup", d.Signature)
	if errors.Is(err, state.ErrKeyExists) {
		return
	}
	if err != nil {
		w.log.Warn("follow-up key not recorded", "task", rc.task.Ref().String(), "error", err)
		return
	}

	var body strings.Builder
	fmt.Fprintf(&body, "ralph quarantined its work on #%d after the same CI failure repeated.\n\n", rc.task.IssueNumber)
	fmt.Fprintf(&body, "Failure signature: `%s`\n\n", d.Signature)
	if summary := triageFailureSummary(se); summary != "" {
		body.WriteString(summary)
		body.WriteString("\n")
	}
	body.WriteString("\nThe task retries automatically after the quarantine window; fixing the underlying failure first saves the attempt.\n")

	issue, err := rc.host.CreateIssue(ctx, hosting.IssueCreateOptions{
		Title:  fmt.Sprintf("CI quarantine: %s keeps failing the same way", rc.task.Ref().String()),
		Body:   body.String(),
		Labels: []string{"ralph-quarantine"},
	})
	if err != nil {
		if rErr := w.ports.Store.ReleaseIdempotencyKey(ctx, key); rErr != nil {
			w.log.Warn("follow-up key not released", "task", rc.task.Ref().String(), "error", rErr)
		}
		w.log.Warn("follow-up issue not created", "task", rc.task.Ref().String(), "error", err)
		return
	}
	w.log.Info("filed follow-up issue", "task", rc.task.Ref().String(), "issue", issue.Number)
}

// runTriageAgent points a session at the failing checks and pushes what it
// fixed. The push restarts CI, so the pipeline rewinds to ci_wait.
func (w *Worker) runTriageAgent(ctx context.Context, rc *runCtx, se *stageError, d lanes.TriageDecision, lastSession string) disposition {
	if rc.wt == nil {
		w.log.Error("triage lane without a worktree", "task", rc.task.Ref().String())
		return dispAbort
	}

	lane := &state.Run{
		ID:          uuid.NewString(),
		TaskID:      rc.task.ID,
		AttemptKind: state.AttemptCITriage,
		IssueLink:   rc.task.Ref().String(),
		StartedAt:   w.now(),
	}
	if err := w.ports.Store.CreateRun(ctx, lane); err != nil {
		w.log.Error("triage run not created", "task", rc.task.Ref().String(), "error", err)
		return dispAbort
	}
	w.log.Info("triage agent", "task", rc.task.Ref().String(),
		"action", string(d.Action), "attempt", d.State.Attempts, "cap", w.cfg.TriageMaxAttempts)

	prompt := triagePrompt(rc, se.checks)
	var res *session.Result
	var serr *stageError
	if d.Action == lanes.TriageResume && lastSession != "" {
		res, serr = w.invoke(ctx, rc, "ci-triage", func(opts session.Options) (*session.Result, error) {
			return w.ports.Agent.ContinueSession(ctx, rc.wt.Path, lastSession, prompt, opts)
		})
	} else {
		res, serr = w.invoke(ctx, rc, "ci-triage", func(opts session.Options) (*session.Result, error) {
			return w.ports.Agent.RunAgent(ctx, rc.wt.Path, AgentBuild, prompt, opts)
		})
	}
	if serr != nil {
		// The failed session still counts as the latest triage session:
		// a later resume decision wants it.
		if serr.res != nil && serr.res.SessionID != "" {
			if err := w.ports.Store.SetRunSession(ctx, lane.ID, serr.res.SessionID); err != nil {
				w.log.Warn("triage session not recorded", "run", lane.ID, "error", err)
			}
		}
		w.completeLaneRun(ctx, lane.ID, state.OutcomeFailed, serr.Error())
		if rqErr := w.requeueTask(ctx, rc, fmt.Sprintf("ci triage failed: %v", serr.err), nil); rqErr != nil {
			return dispAbort
		}
		return dispStop
	}

	if res.SessionID != "" {
		if err := w.ports.Store.SetRunSession(ctx, lane.ID, res.SessionID); err != nil {
			w.log.Warn("triage session not recorded", "run", lane.ID, "error", err)
		}
	}
	w.completeLaneRun(ctx, lane.ID, state.OutcomeSuccess, "triage session completed")

	if err := rc.wt.Repo.Push(ctx, rc.wt.Path, rc.branch); err != nil {
		if rqErr := w.requeueTask(ctx, rc, state.TransientDetailsPrefix+fmt.Sprintf("push after triage: %v", err), nil); rqErr != nil {
			return dispAbort
		}
		return dispStop
	}
	w.log.Info("triage fixes pushed", "task", rc.task.Ref().String(), "branch", rc.branch)
	return dispRewindCI
}

// triageCommentText renders the visible half of the triage comment.
func (w *Worker) triageCommentText(se *stageError, d lanes.TriageDecision) string {
	summary := triageFailureSummary(se)
	switch d.Action {
	case lanes.TriageQuarantine:
		return fmt.Sprintf("ralph paused this task: the same CI failure repeated (attempt %d/%d). Work resumes automatically in %s.\n\n%s",
			d.State.Attempts, w.cfg.TriageMaxAttempts, d.ThrottleFor, summary)
	case lanes.TriageEscalate:
		return fmt.Sprintf("ralph is handing repeated CI failures to a human after %d attempts.\n\n%s",
			d.State.Attempts, summary)
	default:
		return fmt.Sprintf("ralph is triaging failing CI checks (attempt %d/%d).\n\n%s",
			d.State.Attempts, w.cfg.TriageMaxAttempts, summary)
	}
}

// triageFailureSummary is the short failure description shared by
// comments, the follow-up issue, and escalation details.
func triageFailureSummary(se *stageError) string {
	if se.ciTimedOut {
		return "CI checks did not finish before the wait deadline."
	}
	if len(se.checks) == 0 {
		return ""
	}
	names := make([]string, 0, len(se.checks))
	for _, f := range se.checks {
		names = append(names, f.Name)
	}
	return "Failing checks: " + strings.Join(names, ", ")
}

// renderCheckFailures flattens failing checks into excerpt-ready text.
func renderCheckFailures(failures []markers.CheckFailure) string {
	if len(failures) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range failures {
		sb.WriteString("check ")
		sb.WriteString(f.Name)
		if f.Excerpt != "" {
			sb.WriteString(":\n")
			sb.WriteString(f.Excerpt)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
