package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/randalmurphal/ralph/internal/session"
)

func TestDrainNudgesDeliversInOrder(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{})
	rc := e.newRunCtx(t, 12)
	rc.sessionID = "ses_builder"
	ctx := context.Background()

	if err := e.store.PushNudge(ctx, "ses_builder", "first note"); err != nil {
		t.Fatalf("push nudge: %v", err)
	}
	if err := e.store.PushNudge(ctx, "ses_builder", "second note"); err != nil {
		t.Fatalf("push nudge: %v", err)
	}

	e.w.drainNudges(ctx, rc)

	if got := e.agent.callCount(); got != 2 {
		t.Fatalf("agent calls = %d, want 2", got)
	}
	e.agent.mu.Lock()
	first, second := e.agent.calls[0], e.agent.calls[1]
	e.agent.mu.Unlock()
	if first.mode != "continue" || !strings.Contains(first.prompt, "first note") {
		t.Errorf("first delivery = %+v, want continue with first note", first)
	}
	if !strings.Contains(second.prompt, "second note") {
		t.Errorf("second delivery = %+v, want second note", second)
	}

	n, err := e.store.CountNudges(ctx, "ses_builder")
	if err != nil {
		t.Fatalf("count nudges: %v", err)
	}
	if n != 0 {
		t.Errorf("queue length after drain = %d, want 0", n)
	}
}

func TestDrainNudgesFailedHeadBlocksTheLine(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{})
	rc := e.newRunCtx(t, 13)
	rc.sessionID = "ses_builder"
	ctx := context.Background()

	if err := e.store.PushNudge(ctx, "ses_builder", "flaky head"); err != nil {
		t.Fatalf("push nudge: %v", err)
	}
	if err := e.store.PushNudge(ctx, "ses_builder", "stuck behind"); err != nil {
		t.Fatalf("push nudge: %v", err)
	}
	e.agent.script(&session.Result{SessionID: "ses_builder", Success: false, ExitCode: 1, Output: "delivery refused"}, nil)

	e.w.drainNudges(ctx, rc)

	// Only the head was attempted; it stays queued with a bumped counter
	// and the second item was never touched.
	if got := e.agent.callCount(); got != 1 {
		t.Fatalf("agent calls = %d, want 1", got)
	}
	head, err := e.store.PeekNudge(ctx, "ses_builder")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if head == nil || head.Message != "flaky head" {
		t.Fatalf("head = %+v, want the failed nudge still queued", head)
	}
	if head.FailedAttempts != 1 {
		t.Errorf("head failed_attempts = %d, want 1", head.FailedAttempts)
	}
	n, _ := e.store.CountNudges(ctx, "ses_builder")
	if n != 2 {
		t.Errorf("queue length = %d, want 2", n)
	}
}

func TestDrainNudgesNoSessionIsNoop(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{})
	rc := e.newRunCtx(t, 14)
	rc.sessionID = ""
	ctx := context.Background()

	if err := e.store.PushNudge(ctx, "ses_other", "for someone else"); err != nil {
		t.Fatalf("push nudge: %v", err)
	}

	e.w.drainNudges(ctx, rc)

	if got := e.agent.callCount(); got != 0 {
		t.Errorf("agent calls = %d, want 0", got)
	}
	n, _ := e.store.CountNudges(ctx, "ses_other")
	if n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}
