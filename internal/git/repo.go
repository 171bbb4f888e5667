// Package git wraps the git CLI for repository and worktree management.
// Every operation takes an explicit working directory so the same Repo can
// drive the base clone and any of its worktrees.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotGitRepo is returned when a path is not inside a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// Repo manages git operations for one repository clone.
type Repo struct {
	path   string
	runner CommandRunner
}

// Option configures a Repo.
type Option func(*Repo)

// WithRunner sets a custom command runner, primarily for tests.
func WithRunner(runner CommandRunner) Option {
	return func(r *Repo) {
		r.runner = runner
	}
}

// Open opens an existing repository, verifying the path is a git repo.
func Open(ctx context.Context, path string, opts ...Option) (*Repo, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	r := &Repo{path: absPath, runner: NewExecRunner()}
	for _, opt := range opts {
		opt(r)
	}

	if _, err := r.runner.Run(ctx, absPath, "git", "rev-parse", "--git-dir"); err != nil {
		return nil, ErrNotGitRepo
	}
	return r, nil
}

// Clone clones url into dest and returns the opened repository.
func Clone(ctx context.Context, url, dest string, opts ...Option) (*Repo, error) {
	r := &Repo{path: dest, runner: NewExecRunner()}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create clone parent: %w", err)
	}
	if _, err := r.runner.Run(ctx, filepath.Dir(dest), "git", "clone", url, dest); err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}
	return r, nil
}

// Path returns the repository root.
func (r *Repo) Path() string {
	return r.path
}

// Git runs a git command at the repository root.
func (r *Repo) Git(ctx context.Context, args ...string) (string, error) {
	return r.runner.Run(ctx, r.path, "git", args...)
}

// GitIn runs a git command in an arbitrary working directory, usually one of
// the repository's worktrees.
func (r *Repo) GitIn(ctx context.Context, dir string, args ...string) (string, error) {
	return r.runner.Run(ctx, dir, "git", args...)
}

// Fetch fetches a ref from origin. An empty ref fetches everything.
func (r *Repo) Fetch(ctx context.Context, ref string) error {
	args := []string{"fetch", "origin"}
	if ref != "" {
		args = append(args, ref)
	}
	if _, err := r.Git(ctx, args...); err != nil {
		return fmt.Errorf("fetch origin %s: %w", ref, err)
	}
	return nil
}

// DefaultBranch returns the remote HEAD branch name (main, master, ...).
func (r *Repo) DefaultBranch(ctx context.Context) (string, error) {
	out, err := r.Git(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		// Remote HEAD may be unset on a fresh clone; ask the remote.
		if _, err := r.Git(ctx, "remote", "set-head", "origin", "--auto"); err != nil {
			return "", fmt.Errorf("resolve default branch: %w", err)
		}
		out, err = r.Git(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
		if err != nil {
			return "", fmt.Errorf("resolve default branch: %w", err)
		}
	}
	return strings.TrimPrefix(out, "refs/remotes/origin/"), nil
}

// CurrentBranch returns the branch checked out in dir.
func (r *Repo) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := r.GitIn(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// HeadSHA returns the commit hash of HEAD in dir.
func (r *Repo) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := r.GitIn(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head sha: %w", err)
	}
	return out, nil
}

// RemoteSHA returns the commit a remote branch points at, or "" when the
// branch does not exist on the remote.
func (r *Repo) RemoteSHA(ctx context.Context, branch string) (string, error) {
	out, err := r.Git(ctx, "ls-remote", "origin", "refs/heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("ls-remote %s: %w", branch, err)
	}
	if out == "" {
		return "", nil
	}
	fields := strings.Fields(out)
	return fields[0], nil
}

// StatusPorcelain returns `git status --porcelain` output for dir.
func (r *Repo) StatusPorcelain(ctx context.Context, dir string) (string, error) {
	out, err := r.GitIn(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	return out, nil
}

// IsClean reports whether dir has no uncommitted changes.
func (r *Repo) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := r.StatusPorcelain(ctx, dir)
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// Diff runs `git diff --no-color` with extra arguments in dir.
func (r *Repo) Diff(ctx context.Context, dir string, extra ...string) (string, error) {
	args := append([]string{"diff", "--no-color"}, extra...)
	out, err := r.GitIn(ctx, dir, args...)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	return out, nil
}

// DiffNameOnly returns the files changed in a range, one per line.
func (r *Repo) DiffNameOnly(ctx context.Context, dir, rangeSpec string) ([]string, error) {
	out, err := r.GitIn(ctx, dir, "diff", "--no-color", "--name-only", rangeSpec)
	if err != nil {
		return nil, fmt.Errorf("diff --name-only %s: %w", rangeSpec, err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Checkout checks out a ref in dir.
func (r *Repo) Checkout(ctx context.Context, dir, ref string) error {
	if _, err := r.GitIn(ctx, dir, "checkout", ref); err != nil {
		return fmt.Errorf("checkout %s: %w", ref, err)
	}
	return nil
}

// MergeNoEdit merges origin/<base> into the branch checked out in dir.
func (r *Repo) MergeNoEdit(ctx context.Context, dir, base string) error {
	if _, err := r.GitIn(ctx, dir, "merge", "--no-edit", "origin/"+base); err != nil {
		return fmt.Errorf("merge origin/%s: %w", base, err)
	}
	return nil
}

// Push pushes a ref to origin from dir.
func (r *Repo) Push(ctx context.Context, dir, ref string) error {
	if _, err := r.GitIn(ctx, dir, "push", "origin", ref); err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	return nil
}

// DeleteRemoteBranch deletes a branch on origin.
func (r *Repo) DeleteRemoteBranch(ctx context.Context, branch string) error {
	if _, err := r.Git(ctx, "push", "origin", "--delete", branch); err != nil {
		return fmt.Errorf("delete remote branch %s: %w", branch, err)
	}
	return nil
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.Git(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// ExcludeFile returns the path of the repository's info/exclude file as
// resolved for dir, creating parent directories if needed.
func (r *Repo) ExcludeFile(ctx context.Context, dir string) (string, error) {
	out, err := r.GitIn(ctx, dir, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return "", fmt.Errorf("resolve info/exclude: %w", err)
	}
	path := out
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create info dir: %w", err)
	}
	return path, nil
}

// EnsureExcluded appends patterns to info/exclude unless already present.
// Scratch files the agent writes (plans, setup markers) stay out of diffs
// this way without touching the tracked .gitignore.
func (r *Repo) EnsureExcluded(ctx context.Context, dir string, patterns ...string) error {
	path, err := r.ExcludeFile(ctx, dir)
	if err != nil {
		return err
	}

	existing := map[string]bool{}
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			existing[strings.TrimSpace(line)] = true
		}
	}

	var missing []string
	for _, p := range patterns {
		if !existing[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open info/exclude: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(strings.Join(missing, "\n") + "\n"); err != nil {
		return fmt.Errorf("append info/exclude: %w", err)
	}
	return nil
}
