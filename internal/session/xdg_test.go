package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsolatedXDG(t *testing.T) {
	t.Parallel()

	a := IsolatedXDG("/var/ralph/sessions", "acme/widgets", "task-42")
	b := IsolatedXDG("/var/ralph/sessions", "acme/widgets", "task-42")
	if a != b {
		t.Errorf("same inputs produced different layouts: %+v vs %+v", a, b)
	}

	other := IsolatedXDG("/var/ralph/sessions", "acme/widgets", "task-43")
	if a.DataDir == other.DataDir {
		t.Error("different cache keys share a data dir")
	}

	if strings.Contains(a.DataDir, "acme/widgets") {
		t.Errorf("repo separator leaked into the path: %s", a.DataDir)
	}
	if !strings.HasSuffix(a.DataDir, "data") || !strings.HasSuffix(a.CacheDir, "cache") || !strings.HasSuffix(a.StateDir, "state") {
		t.Errorf("unexpected layout: %+v", a)
	}

	empty := IsolatedXDG("/var/ralph/sessions", "", "")
	if !strings.Contains(empty.DataDir, "default") {
		t.Errorf("empty components not defaulted: %s", empty.DataDir)
	}
}

func TestXDGEnv(t *testing.T) {
	t.Parallel()

	xdg := XDG{DataDir: "/d", CacheDir: "/c", StateDir: "/s"}
	env := xdg.Env()
	want := []string{"XDG_DATA_HOME=/d", "XDG_CACHE_HOME=/c", "XDG_STATE_HOME=/s"}
	if len(env) != len(want) {
		t.Fatalf("Env() = %v, want %v", env, want)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("Env()[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}

func TestXDGEnsure(t *testing.T) {
	t.Parallel()

	xdg := IsolatedXDG(t.TempDir(), "acme/widgets", "task-42")
	if err := xdg.Ensure(); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	for _, dir := range []string{xdg.DataDir, xdg.CacheDir, xdg.StateDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	// Idempotent.
	if err := xdg.Ensure(); err != nil {
		t.Errorf("second Ensure() failed: %v", err)
	}
}

func TestSanitizePathComponent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"acme/widgets", "acme-widgets"},
		{"plain", "plain"},
		{"", "default"},
		{"a/b/c", "a-b-c"},
	}
	for _, tt := range tests {
		if got := sanitizePathComponent(tt.in); got != tt.want {
			t.Errorf("sanitizePathComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	got := sanitizePathComponent("x" + string(filepath.Separator) + "y")
	if got != "x-y" {
		t.Errorf("separator not sanitized: %q", got)
	}
}
