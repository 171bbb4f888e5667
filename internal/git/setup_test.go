package git

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCommandsHash(t *testing.T) {
	a := CommandsHash([]string{"npm ci", "go mod download"})
	b := CommandsHash([]string{"npm ci", "go mod download"})
	if a != b {
		t.Error("hash not deterministic")
	}

	// Order matters.
	c := CommandsHash([]string{"go mod download", "npm ci"})
	if a == c {
		t.Error("reordered commands produced the same hash")
	}

	// Joining ambiguity must not collide.
	d := CommandsHash([]string{"npm ci\ngo mod download"})
	if a == d {
		t.Error("single joined command collided with two commands")
	}
}

func TestLockfileSignature(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("go.sum", "modA v1.0.0 h1:aaa\n")
	write("web/package-lock.json", `{"lockfileVersion": 3}`)

	sig1, err := LockfileSignature(dir, nil)
	if err != nil {
		t.Fatalf("LockfileSignature failed: %v", err)
	}
	sig2, err := LockfileSignature(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sig1 != sig2 {
		t.Error("signature not deterministic")
	}

	// Editing a lockfile changes the signature.
	write("go.sum", "modA v1.1.0 h1:bbb\n")
	sig3, err := LockfileSignature(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sig3 == sig1 {
		t.Error("edit did not change signature")
	}

	// Adding a lockfile changes it too.
	write("Cargo.lock", "[[package]]\n")
	sig4, _ := LockfileSignature(dir, nil)
	if sig4 == sig3 {
		t.Error("new lockfile did not change signature")
	}

	// Vendored trees are ignored.
	write("node_modules/dep/package-lock.json", `{"x": 1}`)
	sig5, _ := LockfileSignature(dir, nil)
	if sig5 != sig4 {
		t.Error("node_modules lockfile affected signature")
	}
}

func TestSetupState_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	// Missing marker reads as nil.
	st, err := ReadSetupState(dir)
	if err != nil {
		t.Fatalf("ReadSetupState failed: %v", err)
	}
	if st != nil {
		t.Errorf("want nil, got %+v", st)
	}

	want := &SetupState{
		CommandsHash:      CommandsHash([]string{"npm ci"}),
		LockfileSignature: "abc123",
		Commands:          []string{"npm ci"},
		CompletedAt:       time.Now().UTC().Truncate(time.Second),
	}
	if err := WriteSetupState(dir, want); err != nil {
		t.Fatalf("WriteSetupState failed: %v", err)
	}

	got, err := ReadSetupState(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("marker not written")
	}
	if got.CommandsHash != want.CommandsHash || got.LockfileSignature != want.LockfileSignature {
		t.Errorf("got %+v", got)
	}

	if !got.Matches(want.CommandsHash, "abc123") {
		t.Error("Matches should hold for identical inputs")
	}
	if got.Matches(want.CommandsHash, "different") {
		t.Error("Matches should fail on lockfile drift")
	}
	if got.Matches("other", "abc123") {
		t.Error("Matches should fail on command drift")
	}
}

func TestReadSetupState_Corrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SetupStateFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Corrupt marker means "run setup again", not an error.
	st, err := ReadSetupState(dir)
	if err != nil {
		t.Fatalf("ReadSetupState failed: %v", err)
	}
	if st != nil {
		t.Errorf("want nil for corrupt marker, got %+v", st)
	}
}
