package cli

// NOTE: Tests in this file use os.Chdir() which is process-wide and not goroutine-safe.
// These tests MUST NOT use t.Parallel() and run sequentially within this package.

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/state"
)

func TestTasksListCmd_Flags(t *testing.T) {
	cmd := newTasksListCmd()

	if cmd.Use != "list" {
		t.Errorf("command Use = %q, want %q", cmd.Use, "list")
	}
	if len(cmd.Aliases) != 1 || cmd.Aliases[0] != "ls" {
		t.Errorf("command Aliases = %v, want [ls]", cmd.Aliases)
	}
	for _, flag := range []string{"repo", "status", "limit"} {
		if cmd.Flag(flag) == nil {
			t.Errorf("missing --%s flag", flag)
		}
	}
}

func TestTasksListCmd_StatusFilter(t *testing.T) {
	tmpDir := withProjectDir(t)
	ctx := context.Background()

	st := openProjectStore(t, tmpDir)
	if _, _, err := st.EnsureTask(ctx, "acme/widgets", 1, "Queued work", 2); err != nil {
		t.Fatalf("ensure task 1: %v", err)
	}
	blocked, _, err := st.EnsureTask(ctx, "acme/widgets", 2, "Blocked work", 2)
	if err != nil {
		t.Fatalf("ensure task 2: %v", err)
	}
	src := "merge-conflict"
	if err := st.UpdateTaskStatus(ctx, blocked.ID, state.TaskQueued, state.TaskBlocked,
		&state.TaskPatch{BlockedSource: &src}); err != nil {
		t.Fatalf("block task 2: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	cmd := newTasksListCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--status", "blocked"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute command: %v", err)
	}

	output := out.String()
	if !strings.Contains(output, "acme/widgets#2") {
		t.Error("output should contain the blocked task")
	}
	if strings.Contains(output, "acme/widgets#1") {
		t.Error("output should NOT contain the queued task")
	}
}

func TestTasksListCmd_Empty(t *testing.T) {
	withProjectDir(t)

	cmd := newTasksListCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute command: %v", err)
	}

	if !strings.Contains(out.String(), "No tasks found") {
		t.Errorf("expected empty hint, got:\n%s", out.String())
	}
}

func TestTasksShowCmd_Detail(t *testing.T) {
	tmpDir := withProjectDir(t)
	ctx := context.Background()

	st := openProjectStore(t, tmpDir)
	task, _, err := st.EnsureTask(ctx, "acme/widgets", 7, "Ship dark mode", 1)
	if err != nil {
		t.Fatalf("ensure task: %v", err)
	}

	runID := uuid.NewString()
	if err := st.CreateRun(ctx, &state.Run{
		ID:        runID,
		TaskID:    task.ID,
		IssueLink: "acme/widgets#7",
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := st.CompleteRun(ctx, runID, state.RunCompletion{
		Outcome:        state.OutcomeSuccess,
		PRUrl:          "https://github.com/acme/widgets/pull/88",
		CompletionKind: state.CompletionPR,
	}); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if err := st.UpsertPRSnapshot(ctx, &state.PRSnapshot{
		Repo:        "acme/widgets",
		IssueNumber: 7,
		PRNumber:    88,
		URL:         "https://github.com/acme/widgets/pull/88",
		State:       "OPEN",
		HeadBranch:  "ralph/7-ship-dark-mode",
	}); err != nil {
		t.Fatalf("upsert pr: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	cmd := newTasksShowCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"acme/widgets#7"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute command: %v", err)
	}

	output := out.String()
	for _, want := range []string{
		"acme/widgets#7",
		"Ship dark mode",
		"https://github.com/acme/widgets/pull/88 (OPEN)",
		runID,
		"ralph runs show",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q, got:\n%s", want, output)
		}
	}
}

func TestTasksShowCmd_UnknownTask(t *testing.T) {
	withProjectDir(t)

	cmd := newTasksShowCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"acme/widgets#404"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "task acme/widgets#404 not found") {
		t.Errorf("expected no-task error, got %v", err)
	}
}

func TestTasksShowCmd_BadRef(t *testing.T) {
	withProjectDir(t)

	cmd := newTasksShowCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"not-a-ref"})

	if err := cmd.Execute(); err == nil {
		t.Error("expected parse error for malformed ref")
	}
}

func TestTasksNudgeCmd_QueuesForLiveSession(t *testing.T) {
	tmpDir := withProjectDir(t)
	ctx := context.Background()

	st := openProjectStore(t, tmpDir)
	task, _, err := st.EnsureTask(ctx, "acme/widgets", 7, "Refit widget flanges", 2)
	if err != nil {
		t.Fatalf("ensure task: %v", err)
	}
	sid := "ses_live"
	if err := st.PatchTask(ctx, task.ID, &state.TaskPatch{SessionID: &sid}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	cmd := newTasksNudgeCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"acme/widgets#7", "prefer the v2 API"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute command: %v", err)
	}
	if !strings.Contains(out.String(), "Nudge queued for acme/widgets#7") {
		t.Errorf("unexpected output: %q", out.String())
	}

	st = openProjectStore(t, tmpDir)
	defer func() { _ = st.Close() }()
	head, err := st.PeekNudge(ctx, "ses_live")
	if err != nil {
		t.Fatalf("peek nudge: %v", err)
	}
	if head == nil || head.Message != "prefer the v2 API" {
		t.Errorf("queued nudge = %+v, want the operator message", head)
	}
}

func TestTasksNudgeCmd_NoSessionFails(t *testing.T) {
	tmpDir := withProjectDir(t)
	ctx := context.Background()

	st := openProjectStore(t, tmpDir)
	if _, _, err := st.EnsureTask(ctx, "acme/widgets", 8, "Queued work", 2); err != nil {
		t.Fatalf("ensure task: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	cmd := newTasksNudgeCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"acme/widgets#8", "too early"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "no agent session") {
		t.Errorf("expected no-session error, got %v", err)
	}
}

func TestTasksRetryCmd_RequeuesBlockedTask(t *testing.T) {
	tmpDir := withProjectDir(t)
	ctx := context.Background()

	st := openProjectStore(t, tmpDir)
	task, _, err := st.EnsureTask(ctx, "acme/widgets", 9, "Stuck work", 2)
	if err != nil {
		t.Fatalf("ensure task: %v", err)
	}
	src, reason := "ci", "checks failed twice"
	if err := st.UpdateTaskStatus(ctx, task.ID, state.TaskQueued, state.TaskBlocked,
		&state.TaskPatch{BlockedSource: &src, BlockedReason: &reason}); err != nil {
		t.Fatalf("block task: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	cmd := newTasksRetryCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"acme/widgets#9"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute command: %v", err)
	}
	if !strings.Contains(out.String(), "Task acme/widgets#9 requeued (was blocked)") {
		t.Errorf("unexpected output: %q", out.String())
	}

	st = openProjectStore(t, tmpDir)
	defer func() { _ = st.Close() }()
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != state.TaskQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if got.BlockedSource != "" || got.BlockedReason != "" {
		t.Errorf("blocked fields survived retry: %q %q", got.BlockedSource, got.BlockedReason)
	}
}

func TestTasksRetryCmd_RejectsRunningTask(t *testing.T) {
	tmpDir := withProjectDir(t)
	ctx := context.Background()

	st := openProjectStore(t, tmpDir)
	task, _, err := st.EnsureTask(ctx, "acme/widgets", 10, "Live work", 2)
	if err != nil {
		t.Fatalf("ensure task: %v", err)
	}
	if err := st.ClaimTask(ctx, task.ID, "d-test", time.Now()); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	cmd := newTasksRetryCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"acme/widgets#10"})
	err = cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "only blocked, escalated, or completed") {
		t.Errorf("expected status rejection, got %v", err)
	}
}
