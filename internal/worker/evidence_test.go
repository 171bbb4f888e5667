package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/randalmurphal/ralph/internal/state"
)

func evidenceArtifacts(t *testing.T, e *testEnv, runID string) []state.GateArtifact {
	t.Helper()
	arts, err := e.store.ListGateArtifacts(context.Background(), runID, state.GatePREvidence)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	return arts
}

func TestEvidencePassesWithPRUrl(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	rc.prNumber = 101
	rc.prURL = "https://github.test/acme/widgets/pull/101"
	rc.completionKind = state.CompletionPR

	res, err := e.w.prEvidence(ctx, rc)
	if err != nil {
		t.Fatalf("prEvidence: %v", err)
	}
	if res != stageAdvance {
		t.Fatalf("result = %v, want stageAdvance", res)
	}

	gr, err := e.store.GetGateResult(ctx, rc.run.ID, state.GatePREvidence)
	if err != nil {
		t.Fatalf("get gate result: %v", err)
	}
	if gr == nil || gr.Status != state.GatePass {
		t.Fatalf("gate result = %+v, want pass", gr)
	}
	if gr.PRUrl != rc.prURL || gr.PRNumber != 101 {
		t.Errorf("gate evidence = %q/%d, want the PR", gr.PRUrl, gr.PRNumber)
	}
	if arts := evidenceArtifacts(t, e, rc.run.ID); len(arts) != 0 {
		t.Errorf("artifacts = %d, want none on a pass", len(arts))
	}
}

func TestEvidenceFailsClosedWithoutPR(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)

	res, err := e.w.prEvidence(ctx, rc)
	if err != nil {
		t.Fatalf("prEvidence: %v", err)
	}
	if res != stageDone {
		t.Fatalf("result = %v, want stageDone", res)
	}

	task := e.task(t, rc.task.ID)
	if task.Status != state.TaskEscalated {
		t.Fatalf("task status = %s, want escalated", task.Status)
	}
	run := e.run(t, rc.run.ID)
	if run.Outcome != state.OutcomeEscalated {
		t.Fatalf("run outcome = %s, want escalated", run.Outcome)
	}

	gr, err := e.store.GetGateResult(ctx, rc.run.ID, state.GatePREvidence)
	if err != nil {
		t.Fatalf("get gate result: %v", err)
	}
	if gr == nil || gr.Status != state.GateFail {
		t.Fatalf("gate result = %+v, want fail", gr)
	}
	if gr.Reason != "missing_pr_url" {
		t.Errorf("gate reason = %q", gr.Reason)
	}

	arts := evidenceArtifacts(t, e, rc.run.ID)
	if len(arts) != 1 {
		t.Fatalf("artifacts = %d, want the cause-code line", len(arts))
	}
	if arts[0].Content != "PR_EVIDENCE_CAUSE_CODE=UNKNOWN" {
		t.Errorf("artifact = %q", arts[0].Content)
	}
}

func TestEvidenceCauseCodes(t *testing.T) {
	cases := []struct {
		name  string
		setup func(rc *runCtx)
		want  string
	}{
		{
			name:  "policy denial wins",
			setup: func(rc *runCtx) { rc.policyDenied = true; rc.leaseStale = true },
			want:  "PR_EVIDENCE_CAUSE_CODE=POLICY_DENIED",
		},
		{
			name:  "stale lease",
			setup: func(rc *runCtx) { rc.leaseStale = true },
			want:  "PR_EVIDENCE_CAUSE_CODE=LEASE_STALE",
		},
		{
			name:  "missing worktree",
			setup: func(rc *runCtx) { rc.wt = nil },
			want:  "PR_EVIDENCE_CAUSE_CODE=NO_WORKTREE_BRANCH",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, Config{})
			rc := e.newRunCtx(t, 7)
			tc.setup(rc)

			res, err := e.w.prEvidence(context.Background(), rc)
			if err != nil {
				t.Fatalf("prEvidence: %v", err)
			}
			if res != stageDone {
				t.Fatalf("result = %v, want stageDone", res)
			}
			arts := evidenceArtifacts(t, e, rc.run.ID)
			if len(arts) != 1 || arts[0].Content != tc.want {
				t.Fatalf("artifacts = %+v, want %q", arts, tc.want)
			}
		})
	}
}

func TestEvidenceVerifiedParentSkips(t *testing.T) {
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	rc := e.newRunCtx(t, 7)
	rc.completionKind = state.CompletionVerified
	rc.noPRReason = state.NoPRParentVerification

	res, err := e.w.prEvidence(ctx, rc)
	if err != nil {
		t.Fatalf("prEvidence: %v", err)
	}
	if res != stageAdvance {
		t.Fatalf("result = %v, want stageAdvance", res)
	}

	gr, err := e.store.GetGateResult(ctx, rc.run.ID, state.GatePREvidence)
	if err != nil {
		t.Fatalf("get gate result: %v", err)
	}
	if gr == nil || gr.Status != state.GateSkipped {
		t.Fatalf("gate result = %+v, want skipped", gr)
	}
	if gr.SkipReason != strings.ToLower(state.NoPRParentVerification) {
		t.Errorf("skip reason = %q", gr.SkipReason)
	}
	if task := e.task(t, rc.task.ID); task.Status != state.TaskInProgress {
		t.Errorf("task status = %s, want untouched in-progress", task.Status)
	}
}
