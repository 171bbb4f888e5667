package state

import (
	"context"
	"testing"
)

func TestUpsertIssue_ReplacesLabels(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	issue := &Issue{
		Repo:        "acme/widgets",
		Number:      1,
		Title:       "Fix the flange",
		State:       "open",
		GHUpdatedAt: "2026-08-20T10:00:00Z",
		Labels:      []string{"ralph", "bug"},
	}
	if err := s.UpsertIssue(ctx, issue); err != nil {
		t.Fatalf("UpsertIssue failed: %v", err)
	}

	got, err := s.GetIssue(ctx, "acme/widgets", 1)
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetIssue returned nil")
	}
	if len(got.Labels) != 2 || got.Labels[0] != "bug" || got.Labels[1] != "ralph" {
		t.Errorf("Labels = %v", got.Labels)
	}

	// A later sync replaces the label set entirely.
	issue.Labels = []string{"ralph:priority-high"}
	issue.State = "closed"
	if err := s.UpsertIssue(ctx, issue); err != nil {
		t.Fatalf("second UpsertIssue failed: %v", err)
	}
	got, _ = s.GetIssue(ctx, "acme/widgets", 1)
	if len(got.Labels) != 1 || got.Labels[0] != "ralph:priority-high" {
		t.Errorf("Labels after resync = %v", got.Labels)
	}
	if got.State != "closed" {
		t.Errorf("State = %q", got.State)
	}
}

func TestGetIssue_Missing(t *testing.T) {
	s := NewTestStore(t)

	got, err := s.GetIssue(context.Background(), "acme/widgets", 404)
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if got != nil {
		t.Errorf("want nil, got %+v", got)
	}
}

func TestListOpenIssuesWithLabel(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	seed := []*Issue{
		{Repo: "acme/widgets", Number: 3, State: "open", Labels: []string{"ralph"}},
		{Repo: "acme/widgets", Number: 1, State: "open", Labels: []string{"ralph", "bug"}},
		{Repo: "acme/widgets", Number: 2, State: "closed", Labels: []string{"ralph"}},
		{Repo: "acme/widgets", Number: 4, State: "open", Labels: []string{"bug"}},
		{Repo: "acme/gadgets", Number: 1, State: "open", Labels: []string{"ralph"}},
	}
	for _, issue := range seed {
		if err := s.UpsertIssue(ctx, issue); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListOpenIssuesWithLabel(ctx, "acme/widgets", "ralph")
	if err != nil {
		t.Fatalf("ListOpenIssuesWithLabel failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Number != 1 || got[1].Number != 3 {
		t.Errorf("numbers = [%d %d], want [1 3]", got[0].Number, got[1].Number)
	}
}

func TestListOpenIssues(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	seed := []*Issue{
		{Repo: "acme/widgets", Number: 7, State: "open"},
		{Repo: "acme/widgets", Number: 2, State: "open", Labels: []string{"ralph"}},
		{Repo: "acme/widgets", Number: 5, State: "closed"},
		{Repo: "acme/gadgets", Number: 1, State: "open"},
	}
	for _, issue := range seed {
		if err := s.UpsertIssue(ctx, issue); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListOpenIssues(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("ListOpenIssues failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Number != 2 || got[1].Number != 7 {
		t.Errorf("numbers = [%d %d], want [2 7]", got[0].Number, got[1].Number)
	}
	if len(got[0].Labels) != 1 || got[0].Labels[0] != "ralph" {
		t.Errorf("labels on #2 = %v", got[0].Labels)
	}
}

func TestListChildIssues(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	for _, issue := range []*Issue{
		{Repo: "acme/widgets", Number: 10, State: "open"},
		{Repo: "acme/widgets", Number: 11, State: "closed", ParentNumber: 10},
		{Repo: "acme/widgets", Number: 12, State: "open", ParentNumber: 10},
		{Repo: "acme/widgets", Number: 13, State: "open", ParentNumber: 99},
	} {
		if err := s.UpsertIssue(ctx, issue); err != nil {
			t.Fatal(err)
		}
	}

	children, err := s.ListChildIssues(ctx, "acme/widgets", 10)
	if err != nil {
		t.Fatalf("ListChildIssues failed: %v", err)
	}
	if len(children) != 2 || children[0].Number != 11 || children[1].Number != 12 {
		t.Errorf("children = %+v", children)
	}
}

func TestRepoSyncBookkeeping(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	// Never synced.
	rs, err := s.GetRepoSync(ctx, "acme/widgets")
	if err != nil {
		t.Fatal(err)
	}
	if rs != nil {
		t.Errorf("want nil, got %+v", rs)
	}

	// Failures accumulate and set the backoff deadline.
	if err := s.RecordRepoSyncFailure(ctx, "acme/widgets", 5000); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRepoSyncFailure(ctx, "acme/widgets", 9000); err != nil {
		t.Fatal(err)
	}
	rs, _ = s.GetRepoSync(ctx, "acme/widgets")
	if rs.Failures != 2 || rs.BackoffUntilMs != 9000 {
		t.Errorf("after failures: %+v", rs)
	}

	// Success clears everything.
	if err := s.RecordRepoSyncSuccess(ctx, "acme/widgets"); err != nil {
		t.Fatal(err)
	}
	rs, _ = s.GetRepoSync(ctx, "acme/widgets")
	if rs.Failures != 0 || rs.BackoffUntilMs != 0 || rs.LastSyncAt == nil {
		t.Errorf("after success: %+v", rs)
	}
}
