package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeRunner returns canned output per command line and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	respond func(workDir, line string) (string, error)
}

func (f *fakeRunner) Run(_ context.Context, workDir, name string, args ...string) (string, error) {
	line := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(workDir, line)
	}
	return "", nil
}

func (f *fakeRunner) called(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func TestClassifyPath(t *testing.T) {
	root := "/var/ralph/worktrees"

	tests := []struct {
		path string
		want WorktreeKey
		ok   bool
	}{
		{"/var/ralph/worktrees/acme-widgets/7/12", WorktreeKey{RepoDir: "acme-widgets", Slot: -1, Issue: 7, Task: "12"}, true},
		{"/var/ralph/worktrees/acme-widgets/slot-2/7/12", WorktreeKey{RepoDir: "acme-widgets", Slot: 2, Issue: 7, Task: "12"}, true},
		{"/var/ralph/worktrees/acme-widgets/7", WorktreeKey{}, false},              // too shallow
		{"/var/ralph/worktrees/acme-widgets/7/12/sub", WorktreeKey{}, false},       // too deep
		{"/var/ralph/worktrees/.repos/acme-widgets/7", WorktreeKey{}, false},       // base clones
		{"/var/ralph/worktrees/acme-widgets/nan/12", WorktreeKey{}, false},         // issue not numeric
		{"/var/ralph/worktrees/acme-widgets/0/12", WorktreeKey{}, false},           // issue not positive
		{"/var/ralph/worktrees/acme-widgets/7/task", WorktreeKey{}, false},         // task not numeric
		{"/var/ralph/worktrees/acme-widgets/slot-x/7/12", WorktreeKey{}, false},    // bad slot
		{"/var/ralph/worktrees/noslash/7/12", WorktreeKey{}, false},                // repo dir has no dash
		{"/home/user/project/src/7/12", WorktreeKey{}, false},                      // outside root
		{"/var/ralph/worktrees", WorktreeKey{}, false},                             // the root itself
	}

	for _, tt := range tests {
		got, ok := ClassifyPath(root, tt.path)
		if ok != tt.ok {
			t.Errorf("ClassifyPath(%q) ok = %v, want %v", tt.path, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("ClassifyPath(%q) = %+v, want %+v", tt.path, got, tt.want)
		}
	}
}

func TestWorktreePath(t *testing.T) {
	m := NewManager("/var/ralph/worktrees")

	got := m.WorktreePath("acme/widgets", -1, 7, 12)
	want := filepath.Join("/var/ralph/worktrees", "acme-widgets", "7", "12")
	if got != want {
		t.Errorf("unslotted = %q, want %q", got, want)
	}

	got = m.WorktreePath("acme/widgets", 3, 7, 12)
	want = filepath.Join("/var/ralph/worktrees", "acme-widgets", "slot-3", "7", "12")
	if got != want {
		t.Errorf("slotted = %q, want %q", got, want)
	}

	// Every generated path must classify as managed.
	for _, p := range []string{
		m.WorktreePath("acme/widgets", -1, 7, 12),
		m.WorktreePath("acme/widgets", 0, 1, 1),
	} {
		if _, ok := ClassifyPath(m.Root(), p); !ok {
			t.Errorf("generated path %q does not classify as managed", p)
		}
	}
}

func TestRepoDir(t *testing.T) {
	m := NewManager("/var/ralph/worktrees")
	got := m.RepoDir("acme/widgets")
	want := filepath.Join("/var/ralph/worktrees", ".repos", "acme-widgets")
	if got != want {
		t.Errorf("RepoDir = %q, want %q", got, want)
	}
}

func TestCleanupOrphans(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	// Base clone marker so the manager trusts this repo dir.
	baseClone := filepath.Join(root, ".repos", "acme-widgets")
	if err := os.MkdirAll(filepath.Join(baseClone, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	liveTree := filepath.Join(root, "acme-widgets", "7", "1")
	orphanUnregistered := filepath.Join(root, "acme-widgets", "8", "2")
	notManaged := filepath.Join(root, "acme-widgets", "notes")
	registeredGone := filepath.Join(root, "acme-widgets", "9", "3")
	for _, dir := range []string{liveTree, orphanUnregistered, notManaged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	inventory := fmt.Sprintf(
		"worktree %s\nHEAD aaaa\nbranch refs/heads/main\n\nworktree %s\nHEAD bbbb\nbranch refs/heads/ralph/7-1\n\nworktree %s\nHEAD cccc\nbranch refs/heads/ralph/9-3\nprunable gitdir file points to non-existent location\n",
		baseClone, liveTree, registeredGone)

	runner := &fakeRunner{
		respond: func(_, line string) (string, error) {
			if strings.HasPrefix(line, "git worktree list") {
				return inventory, nil
			}
			return "", nil
		},
	}
	m := NewManager(root, WithManagerRunner(runner))

	removed, err := m.CleanupOrphans(ctx, func(path string) bool {
		return path == liveTree
	})
	if err != nil {
		t.Fatalf("CleanupOrphans failed: %v", err)
	}

	// The unregistered managed path is deleted from disk.
	if _, err := os.Stat(orphanUnregistered); !os.IsNotExist(err) {
		t.Error("unregistered orphan not removed")
	}
	// The registered-but-gone path is removed via git.
	if !runner.called("worktree remove --force " + registeredGone) {
		t.Error("registered unhealthy worktree not removed via git")
	}
	// Live and unmanaged paths survive.
	if _, err := os.Stat(liveTree); err != nil {
		t.Error("live worktree was removed")
	}
	if _, err := os.Stat(notManaged); err != nil {
		t.Error("non-managed path was removed")
	}

	if len(removed) != 2 {
		t.Errorf("removed = %v, want 2 entries", removed)
	}
}

func TestCleanupOrphans_SkipsWhenInventoryFails(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	baseClone := filepath.Join(root, ".repos", "acme-widgets")
	if err := os.MkdirAll(filepath.Join(baseClone, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(root, "acme-widgets", "8", "2")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{
		respond: func(_, line string) (string, error) {
			if strings.HasPrefix(line, "git worktree list") {
				return "", &CommandError{Command: "git", Output: "fatal: not a git repository"}
			}
			return "", nil
		},
	}
	m := NewManager(root, WithManagerRunner(runner))

	removed, err := m.CleanupOrphans(ctx, func(string) bool { return false })
	if err != nil {
		t.Fatalf("CleanupOrphans failed: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("removed = %v, want none when inventory fails", removed)
	}
	if _, err := os.Stat(orphan); err != nil {
		t.Error("orphan deleted despite failed inventory")
	}
}

func TestCleanupOrphans_SkipsRepoWithoutBaseClone(t *testing.T) {
	root := t.TempDir()

	orphan := filepath.Join(root, "acme-widgets", "8", "2")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewManager(root, WithManagerRunner(&fakeRunner{}))
	removed, err := m.CleanupOrphans(context.Background(), func(string) bool { return false })
	if err != nil {
		t.Fatalf("CleanupOrphans failed: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("removed = %v, want none without a base clone", removed)
	}
}
