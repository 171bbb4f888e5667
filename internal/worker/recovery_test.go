package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/notify"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
)

func watchdogTrip(sessionID string) *stageError {
	se := stageFailure(StageBuild, failWatchdog, errors.New("agent session failed (exit 124)"))
	se.res = &session.Result{
		SessionID: sessionID,
		ExitCode:  session.ExitTimeout,
		WatchdogTimeout: &session.WatchdogTimeout{
			Source:      "tool-watchdog",
			Tool:        "bash",
			ArgsPreview: "go test ./...",
			Elapsed:     20 * time.Minute,
		},
	}
	return se
}

func stallTrip(sessionID string) *stageError {
	se := stageFailure(StageBuild, failWatchdog, errors.New("agent session failed (exit 124)"))
	se.res = &session.Result{
		SessionID:    sessionID,
		ExitCode:     session.ExitTimeout,
		StallTimeout: &session.StallTimeout{Source: "stall-monitor", Idle: 10 * time.Minute},
	}
	return se
}

func readStuck(t *testing.T, e *testEnv, issue int) (stuckState, bool) {
	t.Helper()
	var st stuckState
	for _, body := range e.host.commentBodies(issue) {
		found, err := markers.ExtractState(body, markers.KindStuck, &st)
		if err != nil {
			t.Fatalf("decode stuck state: %v", err)
		}
		if found {
			return st, true
		}
	}
	return st, false
}

func TestWatchdogTwoStrikes(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	rc.sessionID = "ses_build_1"

	// First strike: requeue with the retry counter bumped and a stuck
	// comment recording the signature.
	if d := e.w.dispatch(ctx, rc, StageBuild, watchdogTrip("ses_build_1")); d != dispStop {
		t.Fatalf("first strike: disposition = %v, want dispStop", d)
	}
	task := e.task(t, rc.task.ID)
	if task.Status != state.TaskQueued {
		t.Fatalf("first strike: task status = %s, want queued", task.Status)
	}
	if task.WatchdogRetries != 1 || task.StallRetries != 0 {
		t.Fatalf("retries = %d/%d, want 1/0", task.WatchdogRetries, task.StallRetries)
	}
	if run := e.run(t, rc.run.ID); run.Details != "tool-watchdog timeout during build" {
		t.Errorf("run details = %q", run.Details)
	}
	st, found := readStuck(t, e, 7)
	if !found {
		t.Fatal("stuck comment not posted")
	}
	if st.SessionID != "ses_build_1" || st.Retries != 1 {
		t.Errorf("stuck state = %+v, want session ses_build_1 retries 1", st)
	}
	if st.Signature == "" {
		t.Error("stuck state carries no signature")
	}

	// Second strike: escalate.
	rc = e.freshRun(t, rc)
	if d := e.w.dispatch(ctx, rc, StageBuild, watchdogTrip("ses_build_1")); d != dispStop {
		t.Fatalf("second strike: disposition = %v, want dispStop", d)
	}
	task = e.task(t, rc.task.ID)
	if task.Status != state.TaskEscalated {
		t.Fatalf("second strike: task status = %s, want escalated", task.Status)
	}
	run := e.run(t, rc.run.ID)
	if run.Outcome != state.OutcomeEscalated {
		t.Fatalf("run outcome = %s, want escalated", run.Outcome)
	}
	if !strings.Contains(run.Details, "timeout during build (signature ") {
		t.Errorf("run details = %q, want signature detail", run.Details)
	}
	if strings.Contains(run.Details, "repeating itself") {
		t.Errorf("run details = %q claim an early termination on a plain second strike", run.Details)
	}

	kinds := e.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != notify.KindEscalation {
		t.Errorf("notifications = %v, want one escalation", kinds)
	}
}

func TestWatchdogLoopingSessionEscalatesEarly(t *testing.T) {
	e := newTestEnv(t, Config{})
	rc := e.newRunCtx(t, 7)
	rc.sessionID = "ses_build_1"
	rc.fingerprints = []string{
		"bash|go test ./...",
		"bash|go test ./...",
		"bash|go test ./...",
	}

	if d := e.w.dispatch(context.Background(), rc, StageBuild, watchdogTrip("ses_build_1")); d != dispStop {
		t.Fatalf("disposition = %v, want dispStop", d)
	}
	task := e.task(t, rc.task.ID)
	if task.Status != state.TaskEscalated {
		t.Fatalf("task status = %s, want escalated at retry zero", task.Status)
	}
	if task.WatchdogRetries != 0 {
		t.Errorf("watchdog retries = %d, want 0 (no requeue happened)", task.WatchdogRetries)
	}
	run := e.run(t, rc.run.ID)
	if !strings.Contains(run.Details, "repeating itself") {
		t.Errorf("run details = %q, want the early-termination note", run.Details)
	}
	if _, found := readStuck(t, e, 7); found {
		t.Error("stuck comment posted on an escalation")
	}
}

func TestWatchdogRepeatSignatureSameSessionEscalates(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	rc.sessionID = "ses_build_1"

	// A stuck comment from a crashed predecessor: same session, same
	// signature, but the retry bump never landed.
	sig := markers.WatchdogSignature(StageBuild, "tool-watchdog", "bash", "go test ./...")
	seed := stuckState{Signature: sig, SessionID: "ses_build_1", Retries: 1, UpdatedAt: "2026-08-25T10:00:00Z"}
	if _, err := e.w.ensureComment(ctx, rc, markers.KindStuck, seed, "ralph's agent looked stuck during build."); err != nil {
		t.Fatalf("seed stuck comment: %v", err)
	}

	if d := e.w.dispatch(ctx, rc, StageBuild, watchdogTrip("ses_build_1")); d != dispStop {
		t.Fatalf("disposition = %v, want dispStop", d)
	}
	task := e.task(t, rc.task.ID)
	if task.Status != state.TaskEscalated {
		t.Fatalf("task status = %s, want escalated on a repeated signature", task.Status)
	}
	if run := e.run(t, rc.run.ID); !strings.Contains(run.Details, "repeating itself") {
		t.Errorf("run details = %q, want the early-termination note", run.Details)
	}
}

func TestWatchdogPriorSignatureOtherSessionIgnored(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	rc.sessionID = "ses_build_2"

	// The same signature recorded by a different session is history, not
	// a loop: the fresh session gets its own first strike.
	sig := markers.WatchdogSignature(StageBuild, "tool-watchdog", "bash", "go test ./...")
	seed := stuckState{Signature: sig, SessionID: "ses_build_1", Retries: 1, UpdatedAt: "2026-08-25T10:00:00Z"}
	if _, err := e.w.ensureComment(ctx, rc, markers.KindStuck, seed, "ralph's agent looked stuck during build."); err != nil {
		t.Fatalf("seed stuck comment: %v", err)
	}

	if d := e.w.dispatch(ctx, rc, StageBuild, watchdogTrip("ses_build_2")); d != dispStop {
		t.Fatalf("disposition = %v, want dispStop", d)
	}
	task := e.task(t, rc.task.ID)
	if task.Status != state.TaskQueued {
		t.Fatalf("task status = %s, want queued (prior art from another session)", task.Status)
	}
	st, found := readStuck(t, e, 7)
	if !found {
		t.Fatal("stuck comment missing")
	}
	if st.SessionID != "ses_build_2" {
		t.Errorf("stuck comment session = %s, want the new session", st.SessionID)
	}
}

func TestStallRetriesCountSeparately(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	rc.sessionID = "ses_build_1"

	// A watchdog strike spends the watchdog counter only.
	if d := e.w.dispatch(ctx, rc, StageBuild, watchdogTrip("ses_build_1")); d != dispStop {
		t.Fatalf("watchdog strike: disposition = %v", d)
	}

	// A stall still has its own first strike left.
	rc = e.freshRun(t, rc)
	if d := e.w.dispatch(ctx, rc, StageBuild, stallTrip("ses_build_1")); d != dispStop {
		t.Fatalf("stall strike: disposition = %v", d)
	}
	task := e.task(t, rc.task.ID)
	if task.Status != state.TaskQueued {
		t.Fatalf("task status = %s, want queued (first stall)", task.Status)
	}
	if task.WatchdogRetries != 1 || task.StallRetries != 1 {
		t.Fatalf("retries = %d/%d, want 1/1", task.WatchdogRetries, task.StallRetries)
	}
	if run := e.run(t, rc.run.ID); run.Details != "stall-monitor timeout during build" {
		t.Errorf("run details = %q", run.Details)
	}

	// The second stall escalates.
	rc = e.freshRun(t, rc)
	if d := e.w.dispatch(ctx, rc, StageBuild, stallTrip("ses_build_1")); d != dispStop {
		t.Fatalf("second stall: disposition = %v", d)
	}
	if task := e.task(t, rc.task.ID); task.Status != state.TaskEscalated {
		t.Fatalf("task status = %s, want escalated", task.Status)
	}
}
