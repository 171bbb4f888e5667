package state

import (
	"context"
	"errors"
	"testing"
)

func TestRecordIdempotencyKey(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	key := "comment:claim:acme/widgets#7"
	if err := s.RecordIdempotencyKey(ctx, key, "claim-comment", `{"issue":7}`); err != nil {
		t.Fatalf("first record failed: %v", err)
	}

	// The second claimant loses; the side effect must not repeat.
	err := s.RecordIdempotencyKey(ctx, key, "claim-comment", `{"issue":7}`)
	if !errors.Is(err, ErrKeyExists) {
		t.Fatalf("want ErrKeyExists, got %v", err)
	}

	rec, err := s.GetIdempotencyRecord(ctx, key)
	if err != nil {
		t.Fatalf("GetIdempotencyRecord failed: %v", err)
	}
	if rec == nil || rec.Scope != "claim-comment" || rec.Payload != `{"issue":7}` {
		t.Errorf("record = %+v", rec)
	}
}

func TestReleaseIdempotencyKey(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	key := "pr:create:acme/widgets#7"
	if err := s.RecordIdempotencyKey(ctx, key, "pr-create", ""); err != nil {
		t.Fatal(err)
	}

	// After release (effect definitively did not happen) the key is free again.
	if err := s.ReleaseIdempotencyKey(ctx, key); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := s.RecordIdempotencyKey(ctx, key, "pr-create", ""); err != nil {
		t.Fatalf("re-record after release failed: %v", err)
	}

	// Releasing an unheld key is a no-op.
	if err := s.ReleaseIdempotencyKey(ctx, "never-held"); err != nil {
		t.Errorf("release of unheld key errored: %v", err)
	}
}

func TestGetIdempotencyRecord_Missing(t *testing.T) {
	s := NewTestStore(t)

	rec, err := s.GetIdempotencyRecord(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetIdempotencyRecord failed: %v", err)
	}
	if rec != nil {
		t.Errorf("want nil, got %+v", rec)
	}
}

func TestListIdempotencyKeys(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	if err := s.RecordIdempotencyKey(ctx, "a", "merge", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordIdempotencyKey(ctx, "b", "merge", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordIdempotencyKey(ctx, "c", "comment", ""); err != nil {
		t.Fatal(err)
	}

	merges, err := s.ListIdempotencyKeys(ctx, "merge")
	if err != nil {
		t.Fatalf("ListIdempotencyKeys failed: %v", err)
	}
	if len(merges) != 2 {
		t.Errorf("merge keys = %d, want 2", len(merges))
	}

	all, err := s.ListIdempotencyKeys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all keys = %d, want 3", len(all))
	}
}
