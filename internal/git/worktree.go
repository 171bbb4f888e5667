package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// WorktreeInfo is one entry from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	HeadSHA  string
	Branch   string // short name, empty when detached
	Bare     bool
	Prunable bool
}

var worktreeMu sync.Mutex

// WorktreeList returns the repository's registered worktrees, including the
// main checkout. Orphan cleanup must not run when this fails.
func (r *Repo) WorktreeList(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := r.Git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []WorktreeInfo {
	var infos []WorktreeInfo
	var cur *WorktreeInfo
	flush := func() {
		if cur != nil {
			infos = append(infos, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
			// Stray attribute without a worktree header; skip.
		case strings.HasPrefix(line, "HEAD "):
			cur.HeadSHA = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			cur.Bare = true
		case strings.HasPrefix(line, "prunable"):
			cur.Prunable = true
		}
	}
	flush()
	return infos
}

// AddWorktree creates a worktree at path on a new branch cut from base.
// If the branch already exists it is checked out instead. Stale worktree
// registrations (directory gone, git still tracking it) are pruned and the
// add retried; the whole compound operation holds a process-wide mutex so
// concurrent adds do not prune underneath each other.
func (r *Repo) AddWorktree(ctx context.Context, path, branch, base string) error {
	worktreeMu.Lock()
	defer worktreeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}

	if _, err := r.Git(ctx, "worktree", "add", "-b", branch, path, "origin/"+base); err == nil {
		return nil
	}
	if _, err := r.Git(ctx, "worktree", "add", path, branch); err == nil {
		return nil
	}

	_, _ = r.Git(ctx, "worktree", "prune")

	if _, err := r.Git(ctx, "worktree", "add", "-b", branch, path, "origin/"+base); err == nil {
		return nil
	}
	if _, err := r.Git(ctx, "worktree", "add", path, branch); err != nil {
		return fmt.Errorf("add worktree %s on %s: %w", path, branch, err)
	}
	return nil
}

// RemoveWorktree removes a worktree registration and its directory.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	worktreeMu.Lock()
	defer worktreeMu.Unlock()

	if _, err := r.Git(ctx, "worktree", "remove", "--force", path); err != nil {
		// The directory may already be gone; prune clears the registration.
		_, _ = r.Git(ctx, "worktree", "prune")
		if _, statErr := os.Stat(path); statErr == nil {
			return fmt.Errorf("remove worktree %s: %w", path, err)
		}
	}
	return nil
}

// PruneWorktrees drops registrations whose directories no longer exist.
func (r *Repo) PruneWorktrees(ctx context.Context) error {
	worktreeMu.Lock()
	defer worktreeMu.Unlock()

	if _, err := r.Git(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("worktree prune: %w", err)
	}
	return nil
}
