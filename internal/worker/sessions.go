package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/lanes"
	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
)

// failKind classifies a stage failure for dispatch.
type failKind int

const (
	failAgent      failKind = iota // session ran and reported failure
	failWatchdog                   // watchdog, stall, or loop monitor tripped
	failContext                    // context window exhausted, compact failed too
	failReview                     // review gate failed or its marker stayed unusable
	failCI                         // CI checks failed or timed out
	failMergeDirty                 // PR no longer merges cleanly
	failTransient                  // provider hiccup worth a plain requeue
	failPermission                 // provider rejected us outright
	failPolicy                     // merge or capability policy refused the action
	failInfra                      // our own plumbing broke
)

// stageError carries a classified stage failure into dispatch. Stage
// functions never write terminal state themselves; they return one of
// these and dispatch decides.
type stageError struct {
	stage string
	kind  failKind
	err   error

	// res is the session result behind agent/watchdog/context failures.
	res *session.Result

	// output is the failure text an excerpt is cut from.
	output string

	// checks carries the failing CI checks for failCI.
	checks     []markers.CheckFailure
	ciTimedOut bool

	// blockSource/blockReason override the dispatch defaults for
	// failPermission and failPolicy.
	blockSource string
	blockReason string
}

func (e *stageError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.stage, e.err)
	}
	return e.stage + ": stage failed"
}

func (e *stageError) Unwrap() error { return e.err }

func stageFailure(stage string, kind failKind, err error) *stageError {
	return &stageError{stage: stage, kind: kind, err: err}
}

// sessionOptions builds the per-invocation options: monitors, stage
// label, isolated XDG dirs keyed by task, and the fingerprint collector
// feeding loop detection.
func (w *Worker) sessionOptions(rc *runCtx, step string) session.Options {
	xdg := session.IsolatedXDG(w.cfg.SessionsRoot, rc.task.Repo, rc.task.Ref().String())
	return session.Options{
		Thresholds: w.cfg.Thresholds,
		Step:       step,
		Timeout:    w.cfg.StageTimeout,
		XDG:        &xdg,
		RunKey:     rc.task.Ref().String(),
		OnEvent: func(ev session.Event) {
			if ev.Kind != session.KindToolStart {
				return
			}
			fp := ev.Tool + "|" + ev.ArgsPreview
			rc.fingerprints = append(rc.fingerprints, fp)
			if len(rc.fingerprints) > 50 {
				rc.fingerprints = rc.fingerprints[len(rc.fingerprints)-50:]
			}
		},
	}
}

// storeNudges adapts the state store's queue to the session drain.
type storeNudges struct {
	st *state.Store
}

func (q storeNudges) Peek(ctx context.Context, sessionID string) (*session.Nudge, bool, error) {
	item, err := q.st.PeekNudge(ctx, sessionID)
	if err != nil || item == nil {
		return nil, false, err
	}
	return &session.Nudge{ID: item.ID, Message: item.Message, FailedAttempts: item.FailedAttempts}, true, nil
}

func (q storeNudges) Pop(ctx context.Context, id int64) error { return q.st.DeleteNudge(ctx, id) }

func (q storeNudges) Fail(ctx context.Context, id int64) (int, error) {
	return q.st.BumpNudgeFailure(ctx, id)
}

// drainNudges delivers any operator messages queued for the builder
// session before the next stage resumes it. Delivery is strictly FIFO; a
// failed or blocked head only logs — nudges are advisory and never wedge
// the pipeline.
func (w *Worker) drainNudges(ctx context.Context, rc *runCtx) {
	if rc.sessionID == "" || rc.wt == nil {
		return
	}
	delivered, err := session.DrainNudges(ctx, storeNudges{w.ports.Store}, rc.sessionID, nudgeMaxAttempts,
		func(ctx context.Context, message string) error {
			res, derr := w.ports.Agent.ContinueSession(ctx, rc.wt.Path, rc.sessionID,
				"Operator note:\n\n"+message+"\n\nTake this into account and continue.",
				w.sessionOptions(rc, "nudge"))
			if derr != nil {
				return derr
			}
			w.recordTokens(ctx, rc, res)
			if !res.Success {
				return fmt.Errorf("nudge session failed (exit %d)", res.ExitCode)
			}
			return nil
		})
	if delivered > 0 {
		w.log.Info("nudges delivered", "task", rc.task.Ref().String(), "session", rc.sessionID, "count", delivered)
	}
	if err != nil {
		w.log.Warn("nudge drain stopped", "task", rc.task.Ref().String(), "session", rc.sessionID, "error", err)
	}
}

// nudgeMaxAttempts is how often a head-of-line nudge may fail before the
// drain stops retrying it and a human has to clear the queue.
const nudgeMaxAttempts = 3

// invoke runs one agent call, records its tokens, and converts failures
// into classified stage errors. Context exhaustion is handled inline by
// the compact lane; when the lane succeeds the resumed result is
// returned as if the original call had succeeded.
func (w *Worker) invoke(ctx context.Context, rc *runCtx, step string, call func(session.Options) (*session.Result, error)) (*session.Result, *stageError) {
	res, err := call(w.sessionOptions(rc, step))
	if err != nil {
		return nil, stageFailure(step, failInfra, err)
	}
	w.recordTokens(ctx, rc, res)
	rc.pub.Tokens(res.SessionID, res.Tokens, res.TokenQuality)

	if res.Success {
		return res, nil
	}

	if lanes.CompactEligible(step, res.ErrorCode) {
		if resumed, ok := w.compactAndResume(ctx, rc, step, res); ok {
			return resumed, nil
		}
		// The original exhaustion stands; compact gets no second try.
		se := stageFailure(step, failContext, fmt.Errorf("agent session: %s", res.ErrorCode))
		se.res = res
		se.output = res.Output
		return nil, se
	}

	kind := failAgent
	if res.TimedOut() || res.LoopTrip != nil {
		kind = failWatchdog
	}
	se := stageFailure(step, kind, fmt.Errorf("agent session failed (exit %d)", res.ExitCode))
	if res.ErrorCode != "" {
		se.err = fmt.Errorf("agent session: %s", res.ErrorCode)
	}
	se.res = res
	se.output = res.Output
	return nil, se
}

// recordTokens stores the invocation's token total. Best-effort; a
// bookkeeping miss never fails the stage.
func (w *Worker) recordTokens(ctx context.Context, rc *runCtx, res *session.Result) {
	if res.SessionID == "" || res.Tokens <= 0 {
		return
	}
	if err := w.ports.Store.RecordTokenTotal(ctx, rc.run.ID, res.SessionID, res.Tokens, res.TokenQuality); err != nil {
		w.log.Warn("token total not recorded", "run", rc.run.ID, "session", res.SessionID, "error", err)
	}
}

// compactAndResume runs the context-compact lane: at most once per
// (task, step), compact the exhausted session and resume it with a
// reconstituted prompt. Returns the resumed result when the whole chain
// succeeds; any other path reports false and the caller surfaces the
// ORIGINAL exhaustion.
func (w *Worker) compactAndResume(ctx context.Context, rc *runCtx, step string, failed *session.Result) (*session.Result, bool) {
	sessionID := failed.SessionID
	if sessionID == "" {
		sessionID = rc.sessionID
	}
	if sessionID == "" || rc.wt == nil {
		return nil, false
	}

	key := lanes.CompactKey(rc.task.ID, step)
	err := w.ports.Store.RecordIdempotencyKey(ctx, key, "context-compact", fmt.Sprintf(`{"run":%q}`, rc.run.ID))
	if err != nil {
		// Already attempted for this (task, step) — exhaustion stands.
		w.log.Warn("compact already attempted", "task", rc.task.Ref().String(), "step", step, "error", err)
		return nil, false
	}

	lane := &state.Run{
		ID:          uuid.NewString(),
		TaskID:      rc.task.ID,
		AttemptKind: state.AttemptContextCompact,
		SessionID:   sessionID,
		StartedAt:   w.now(),
	}
	if err := w.ports.Store.CreateRun(ctx, lane); err != nil {
		return nil, false
	}
	rc.pub.Lane("context-compact", "spawn", "", 0)
	w.log.Info("compacting exhausted session", "task", rc.task.Ref().String(), "step", step, "session", sessionID)

	opts := w.sessionOptions(rc, lanes.CompactStep)
	cres, err := w.ports.Agent.ContinueCommand(ctx, rc.wt.Path, sessionID, "/compact", nil, opts)
	if err != nil || !cres.Success {
		w.completeLaneRun(ctx, lane.ID, state.OutcomeFailed, "compact command failed")
		return nil, false
	}
	w.recordTokens(ctx, rc, cres)

	plan := ""
	if b, err := os.ReadFile(filepath.Join(rc.wt.Path, planRelPath)); err == nil {
		plan = string(b)
	}
	porcelain, err := rc.wt.Repo.StatusPorcelain(ctx, rc.wt.Path)
	if err != nil {
		porcelain = ""
	}

	resumed, err := w.ports.Agent.ContinueSession(ctx, rc.wt.Path, sessionID, lanes.ResumePrompt(step, plan, porcelain), w.sessionOptions(rc, step))
	if err != nil {
		w.completeLaneRun(ctx, lane.ID, state.OutcomeFailed, "resume after compact failed")
		return nil, false
	}
	w.recordTokens(ctx, rc, resumed)
	rc.pub.Tokens(resumed.SessionID, resumed.Tokens, resumed.TokenQuality)
	if !resumed.Success {
		w.completeLaneRun(ctx, lane.ID, state.OutcomeFailed, "resumed session failed")
		return nil, false
	}

	w.completeLaneRun(ctx, lane.ID, state.OutcomeSuccess, "session compacted and resumed")
	return resumed, true
}

// completeLaneRun closes a lane's child run row. Best-effort: lane runs
// are bookkeeping, not control flow.
func (w *Worker) completeLaneRun(ctx context.Context, runID string, outcome state.RunOutcome, details string) {
	if err := w.ports.Store.CompleteRun(ctx, runID, state.RunCompletion{Outcome: outcome, Details: details}); err != nil {
		w.log.Warn("lane run completion not recorded", "run", runID, "error", err)
	}
}

// adoptBuilderSession records a newly created builder session on the run
// and the task, so a requeued task resumes instead of starting over.
func (w *Worker) adoptBuilderSession(ctx context.Context, rc *runCtx, sessionID string) {
	if sessionID == "" || sessionID == rc.sessionID {
		return
	}
	rc.sessionID = sessionID
	if err := w.ports.Store.SetRunSession(ctx, rc.run.ID, sessionID); err != nil {
		w.log.Warn("run session not recorded", "run", rc.run.ID, "error", err)
	}
	if err := w.ports.Store.PatchTask(ctx, rc.task.ID, &state.TaskPatch{SessionID: &sessionID}); err != nil {
		w.log.Warn("task session not recorded", "task", rc.task.ID, "error", err)
	}
}
