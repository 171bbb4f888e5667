package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/lanes"
	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/notify"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
)

func ciFailure(names ...string) *stageError {
	se := stageFailure(StageCIWait, failCI, fmt.Errorf("%d checks failed", len(names)))
	for _, n := range names {
		se.checks = append(se.checks, markers.CheckFailure{Name: n, Excerpt: "FAIL: " + n})
	}
	se.output = renderCheckFailures(se.checks)
	return se
}

func readTriage(t *testing.T, e *testEnv, issue int) (markers.TriageState, bool) {
	t.Helper()
	var st markers.TriageState
	for _, body := range e.host.commentBodies(issue) {
		found, err := markers.ExtractState(body, markers.KindCITriage, &st)
		if err != nil {
			t.Fatalf("decode triage state: %v", err)
		}
		if found {
			return st, true
		}
	}
	return st, false
}

func TestCITriageSpawnsAgentAndRewinds(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	e.agent.script(&session.Result{SessionID: "ses_triage_1", Success: true, Output: "fixed the test"}, nil)

	d := e.w.dispatch(ctx, rc, StageCIWait, ciFailure("go-test"))
	if d != dispRewindCI {
		t.Fatalf("disposition = %v, want dispRewindCI", d)
	}

	call := e.agent.lastCall(t)
	if call.mode != "run" || call.agent != AgentBuild {
		t.Errorf("agent call = %s/%s, want run/%s", call.mode, call.agent, AgentBuild)
	}
	if !strings.Contains(call.prompt, "go-test") {
		t.Errorf("triage prompt %q does not name the failing check", call.prompt)
	}

	lane, err := e.store.LatestRunOfKind(ctx, rc.task.ID, state.AttemptCITriage)
	if err != nil {
		t.Fatalf("latest triage run: %v", err)
	}
	if lane == nil {
		t.Fatal("no triage lane run recorded")
	}
	if lane.SessionID != "ses_triage_1" || lane.Outcome != state.OutcomeSuccess {
		t.Errorf("lane run = %s/%s, want ses_triage_1/success", lane.SessionID, lane.Outcome)
	}

	if !e.runner.called("git push origin " + rc.branch) {
		t.Error("triage fixes were not pushed")
	}

	st, found := readTriage(t, e, 7)
	if !found {
		t.Fatal("triage comment not posted")
	}
	if st.Attempts != 1 || st.LastAction != "spawn" {
		t.Errorf("triage state = %+v, want attempts 1 action spawn", st)
	}

	// The parent run stays open: the pipeline rewinds within it.
	if run := e.run(t, rc.run.ID); run.CompletedAt != nil {
		t.Error("process run was completed by a rewinding lane")
	}
	if task := e.task(t, rc.task.ID); task.Status != state.TaskInProgress {
		t.Errorf("task status = %s, want in-progress", task.Status)
	}
}

func TestCITriageResumesOnChangedFailure(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	e.agent.script(&session.Result{SessionID: "ses_triage_1", Success: true}, nil)
	e.agent.script(&session.Result{SessionID: "ses_triage_1", Success: true}, nil)

	if d := e.w.dispatch(ctx, rc, StageCIWait, ciFailure("go-test")); d != dispRewindCI {
		t.Fatalf("first failure: disposition = %v", d)
	}
	// A different check fails next: same session keeps its context.
	if d := e.w.dispatch(ctx, rc, StageCIWait, ciFailure("lint")); d != dispRewindCI {
		t.Fatalf("second failure: disposition = %v", d)
	}

	call := e.agent.lastCall(t)
	if call.mode != "continue" || call.sessionID != "ses_triage_1" {
		t.Errorf("second call = %s/%s, want continue/ses_triage_1", call.mode, call.sessionID)
	}
	st, _ := readTriage(t, e, 7)
	if st.Attempts != 2 || st.LastAction != "resume" {
		t.Errorf("triage state = %+v, want attempts 2 action resume", st)
	}
}

func TestCITriageRepeatedSignatureQuarantines(t *testing.T) {
	e := newTestEnv(t, Config{ThrottleBase: 2 * time.Minute})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	rc.sessionID = "ses_build_1"
	e.agent.script(&session.Result{SessionID: "ses_triage_1", Success: true}, nil)

	if d := e.w.dispatch(ctx, rc, StageCIWait, ciFailure("go-test")); d != dispRewindCI {
		t.Fatalf("first failure: disposition = %v", d)
	}
	// The identical failure again: the wall did not move.
	if d := e.w.dispatch(ctx, rc, StageCIWait, ciFailure("go-test")); d != dispStop {
		t.Fatalf("repeat failure: disposition = %v, want dispStop", d)
	}

	task := e.task(t, rc.task.ID)
	if task.Status != state.TaskBlocked || task.BlockedSource != "quarantine" {
		t.Fatalf("task = %s/%s, want blocked/quarantine", task.Status, task.BlockedSource)
	}
	resume, err := time.Parse(time.RFC3339, task.BlockedDetails)
	if err != nil {
		t.Fatalf("blocked details %q is not an RFC3339 resume time: %v", task.BlockedDetails, err)
	}
	if !resume.After(time.Now()) {
		t.Errorf("resume time %s is not in the future", resume)
	}

	run := e.run(t, rc.run.ID)
	if run.Outcome != state.OutcomeThrottled {
		t.Fatalf("run outcome = %s, want throttled", run.Outcome)
	}
	if !strings.Contains(run.Details, "repeated CI failure (signature ") {
		t.Errorf("run details = %q", run.Details)
	}

	throttle, err := e.store.LatestThrottle(ctx)
	if err != nil {
		t.Fatalf("latest throttle: %v", err)
	}
	if throttle == nil || throttle.Gate != state.ThrottleSoft {
		t.Fatalf("throttle = %+v, want a soft snapshot", throttle)
	}
	if !strings.Contains(throttle.Reason, "ci quarantine: acme/widgets#7") {
		t.Errorf("throttle reason = %q", throttle.Reason)
	}
	if throttle.UntilMs <= time.Now().UnixMilli() {
		t.Errorf("throttle until = %d, want a future timestamp", throttle.UntilMs)
	}

	if len(e.host.createdIssues) != 1 {
		t.Fatalf("follow-up issues = %d, want 1", len(e.host.createdIssues))
	}
	follow := e.host.createdIssues[0]
	if follow.Title != "CI quarantine: acme/widgets#7 keeps failing the same way" {
		t.Errorf("follow-up title = %q", follow.Title)
	}
	if len(follow.Labels) != 1 || follow.Labels[0] != "ralph-quarantine" {
		t.Errorf("follow-up labels = %v", follow.Labels)
	}

	// A replayed quarantine skips the create: the key already exists.
	sig := markers.FailureSignature(false, []markers.CheckFailure{{Name: "go-test", Excerpt: "FAIL: go-test"}})
	e.w.fileFollowUpIssue(ctx, rc, ciFailure("go-test"), lanes.TriageDecision{Signature: sig})
	if len(e.host.createdIssues) != 1 {
		t.Errorf("follow-up issues after replay = %d, want still 1", len(e.host.createdIssues))
	}

	var sawQuarantine bool
	for _, k := range e.notifier.kinds() {
		if k == notify.KindQuarantine {
			sawQuarantine = true
		}
	}
	if !sawQuarantine {
		t.Error("no quarantine notification delivered")
	}
}

func TestCITriageEscalatesAtAttemptCap(t *testing.T) {
	e := newTestEnv(t, Config{TriageMaxAttempts: 3})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)

	for i := 0; i < 3; i++ {
		lane := &state.Run{
			ID:          uuid.NewString(),
			TaskID:      rc.task.ID,
			AttemptKind: state.AttemptCITriage,
			IssueLink:   rc.task.Ref().String(),
			StartedAt:   time.Now().Add(time.Duration(i-3) * time.Minute),
		}
		if err := e.store.CreateRun(ctx, lane); err != nil {
			t.Fatalf("seed lane run: %v", err)
		}
		if err := e.store.CompleteRun(ctx, lane.ID, state.RunCompletion{
			Outcome: state.OutcomeFailed,
			Details: "triage attempt spent",
		}); err != nil {
			t.Fatalf("complete lane run: %v", err)
		}
	}

	if d := e.w.dispatch(ctx, rc, StageCIWait, ciFailure("go-test")); d != dispStop {
		t.Fatalf("disposition = %v, want dispStop", d)
	}
	task := e.task(t, rc.task.ID)
	if task.Status != state.TaskEscalated {
		t.Fatalf("task status = %s, want escalated", task.Status)
	}
	run := e.run(t, rc.run.ID)
	if !strings.Contains(run.Details, "triage budget is spent") {
		t.Errorf("run details = %q", run.Details)
	}
	if !e.host.hasComment(7, "handing repeated CI failures to a human") {
		t.Error("escalating triage comment missing")
	}
	if e.agent.callCount() != 0 {
		t.Errorf("agent was invoked %d times past the cap", e.agent.callCount())
	}
}

func TestCITriageAgentFailureRequeuesCharged(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	e.agent.script(&session.Result{SessionID: "ses_triage_1", Success: false, ExitCode: 1, Output: "panic"}, nil)

	if d := e.w.dispatch(ctx, rc, StageCIWait, ciFailure("go-test")); d != dispStop {
		t.Fatalf("disposition = %v, want dispStop", d)
	}
	task := e.task(t, rc.task.ID)
	if task.Status != state.TaskQueued {
		t.Fatalf("task status = %s, want queued", task.Status)
	}
	run := e.run(t, rc.run.ID)
	if !strings.Contains(run.Details, "ci triage failed") {
		t.Errorf("run details = %q", run.Details)
	}
	if strings.HasPrefix(run.Details, state.TransientDetailsPrefix) {
		t.Error("a triage agent failure must charge the attempt budget")
	}

	// The failed session is still the latest: the next triage resumes it.
	lane, err := e.store.LatestRunOfKind(ctx, rc.task.ID, state.AttemptCITriage)
	if err != nil {
		t.Fatalf("latest triage run: %v", err)
	}
	if lane == nil || lane.SessionID != "ses_triage_1" {
		t.Fatalf("lane run = %+v, want session ses_triage_1 recorded", lane)
	}
	if lane.Outcome != state.OutcomeFailed {
		t.Errorf("lane outcome = %s, want failed", lane.Outcome)
	}
}

func TestCITriageTimeoutSummary(t *testing.T) {
	se := stageFailure(StageCIWait, failCI, fmt.Errorf("checks still pending after 45m"))
	se.ciTimedOut = true
	if got := triageFailureSummary(se); got != "CI checks did not finish before the wait deadline." {
		t.Errorf("summary = %q", got)
	}

	se = ciFailure("go-test", "lint")
	if got := triageFailureSummary(se); got != "Failing checks: go-test, lint" {
		t.Errorf("summary = %q", got)
	}
}
