package git

import (
	"context"
	"errors"
	"testing"
)

func TestExecRunner_Run(t *testing.T) {
	r := NewExecRunner()

	out, err := r.Run(context.Background(), t.TempDir(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q, want hello", out)
	}
}

func TestExecRunner_CommandError(t *testing.T) {
	r := NewExecRunner()

	_, err := r.Run(context.Background(), t.TempDir(), "git", "not-a-real-subcommand")
	if err == nil {
		t.Fatal("expected error")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("want *CommandError, got %T", err)
	}
	if cmdErr.Command != "git" {
		t.Errorf("Command = %q", cmdErr.Command)
	}
	if cmdErr.Error() == "" {
		t.Error("empty error message")
	}
	if cmdErr.Unwrap() == nil {
		t.Error("Unwrap returned nil")
	}
}
