package cli

// NOTE: Tests in this file use os.Chdir() which is process-wide and not goroutine-safe.
// These tests MUST NOT use t.Parallel() and run sequentially within this package.

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/state"
)

// seedRun creates a task with one completed run carrying a gate result,
// an artifact, and a token total. Returns the run ID.
func seedRun(t *testing.T, tmpDir string) string {
	t.Helper()
	ctx := context.Background()

	st := openProjectStore(t, tmpDir)
	task, _, err := st.EnsureTask(ctx, "acme/widgets", 12, "Refactor exporter", 2)
	if err != nil {
		t.Fatalf("ensure task: %v", err)
	}

	runID := uuid.NewString()
	if err := st.CreateRun(ctx, &state.Run{
		ID:        runID,
		TaskID:    task.ID,
		IssueLink: "acme/widgets#12",
		SessionID: "sess-1",
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := st.UpsertGateResult(ctx, &state.GateResult{
		RunID:  runID,
		Gate:   "plan_review",
		Status: state.GatePass,
		Reason: "plan approved",
	}); err != nil {
		t.Fatalf("upsert gate: %v", err)
	}
	if err := st.RecordGateArtifact(ctx, runID, "plan_review", state.ArtifactNote,
		"reviewed the plan\nno blockers found"); err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	if err := st.RecordTokenTotal(ctx, runID, "sess-1", 4200, state.TokenQualityMeasured); err != nil {
		t.Fatalf("record tokens: %v", err)
	}

	if err := st.CompleteRun(ctx, runID, state.RunCompletion{
		Outcome:        state.OutcomeSuccess,
		PRUrl:          "https://github.com/acme/widgets/pull/90",
		CompletionKind: state.CompletionPR,
	}); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	return runID
}

func TestRunsListCmd_Table(t *testing.T) {
	tmpDir := withProjectDir(t)
	runID := seedRun(t, tmpDir)

	cmd := newRunsListCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"acme/widgets#12"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute command: %v", err)
	}

	output := out.String()
	for _, want := range []string{"RUN", "KIND", "OUTCOME", runID, "process", "success", "pull/90"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q, got:\n%s", want, output)
		}
	}
}

func TestRunsShowCmd_Detail(t *testing.T) {
	tmpDir := withProjectDir(t)
	runID := seedRun(t, tmpDir)

	cmd := newRunsShowCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{runID})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute command: %v", err)
	}

	output := out.String()
	for _, want := range []string{
		runID,
		"acme/widgets#12",
		"success",
		"https://github.com/acme/widgets/pull/90",
		"plan_review",
		"plan approved",
		"[note]",
		"reviewed the plan",
		"4200",
		"measured",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q, got:\n%s", want, output)
		}
	}
	if strings.Contains(output, "no blockers found") {
		t.Error("artifact body should be truncated to its first line without --artifacts")
	}
}

func TestRunsShowCmd_Artifacts(t *testing.T) {
	tmpDir := withProjectDir(t)
	runID := seedRun(t, tmpDir)

	cmd := newRunsShowCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{runID, "--artifacts"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute command: %v", err)
	}

	if !strings.Contains(out.String(), "no blockers found") {
		t.Errorf("expected full artifact body, got:\n%s", out.String())
	}
}

func TestRunsShowCmd_MissingID(t *testing.T) {
	withProjectDir(t)

	cmd := newRunsShowCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "run id required") {
		t.Errorf("expected missing-id error, got %v", err)
	}
}

func TestRunsShowCmd_UnknownRun(t *testing.T) {
	withProjectDir(t)

	cmd := newRunsShowCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"no-such-run"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), `no run "no-such-run"`) {
		t.Errorf("expected unknown-run error, got %v", err)
	}
}
