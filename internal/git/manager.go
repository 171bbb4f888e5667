package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// reposDirName is where base clones live under the managed root. The dot
// prefix keeps it invisible to the worktree layout classifier.
const reposDirName = ".repos"

var slotDirPattern = regexp.MustCompile(`^slot-[0-9]+$`)

// Manager owns the managed worktree root: base clones, per-task worktrees in
// the canonical layout, and orphan cleanup.
//
// Layout under the root:
//
//	.repos/<owner>-<repo>                    base clone
//	<owner>-<repo>/<issue>/<task>            worktree
//	<owner>-<repo>/slot-<N>/<issue>/<task>   worktree (slot-pooled)
type Manager struct {
	root      string
	runner    CommandRunner
	remoteURL func(repo string) string

	mu    sync.Mutex
	repos map[string]*Repo
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerRunner sets the command runner used for clones and worktree
// operations.
func WithManagerRunner(runner CommandRunner) ManagerOption {
	return func(m *Manager) {
		m.runner = runner
	}
}

// WithRemoteURL overrides how "owner/name" maps to a clone URL.
func WithRemoteURL(fn func(repo string) string) ManagerOption {
	return func(m *Manager) {
		m.remoteURL = fn
	}
}

// NewManager creates a Manager rooted at root.
func NewManager(root string, opts ...ManagerOption) *Manager {
	m := &Manager{
		root:   root,
		runner: NewExecRunner(),
		remoteURL: func(repo string) string {
			return "https://github.com/" + repo + ".git"
		},
		repos: make(map[string]*Repo),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the managed root path.
func (m *Manager) Root() string {
	return m.root
}

// RepoDir returns the base clone path for "owner/name".
func (m *Manager) RepoDir(repo string) string {
	return filepath.Join(m.root, reposDirName, RepoDirName(repo))
}

// WorktreePath returns the canonical worktree path for a task. Slot < 0
// selects the unslotted layout.
func (m *Manager) WorktreePath(repo string, slot, issueNumber int, taskID int64) string {
	parts := []string{m.root, RepoDirName(repo)}
	if slot >= 0 {
		parts = append(parts, fmt.Sprintf("slot-%d", slot))
	}
	parts = append(parts, strconv.Itoa(issueNumber), strconv.FormatInt(taskID, 10))
	return filepath.Join(parts...)
}

// EnsureRepo opens the base clone for a repo, cloning it first if missing.
// Opened repos are cached for the manager's lifetime.
func (m *Manager) EnsureRepo(ctx context.Context, repo string) (*Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.repos[repo]; ok {
		return r, nil
	}

	dir := m.RepoDir(repo)
	var r *Repo
	var err error
	if _, statErr := os.Stat(filepath.Join(dir, ".git")); statErr == nil {
		r, err = Open(ctx, dir, WithRunner(m.runner))
	} else {
		r, err = Clone(ctx, m.remoteURL(repo), dir, WithRunner(m.runner))
	}
	if err != nil {
		return nil, fmt.Errorf("ensure repo %s: %w", repo, err)
	}

	m.repos[repo] = r
	return r, nil
}

// WorktreeRequest names the worktree a task needs.
type WorktreeRequest struct {
	Repo        string // owner/name
	IssueNumber int
	TaskID      int64
	Slot        int    // -1 for the unslotted layout
	BaseBranch  string // defaults to the remote default branch
	Branch      string // defaults to BranchName(issue, task)
}

// Worktree is an acquired working copy.
type Worktree struct {
	Path   string
	Branch string
	Base   string
	Repo   *Repo
}

// AcquireWorktree creates or reuses the task's worktree under the managed
// root, fetching the base branch first. Reuse keeps whatever work the
// previous run left behind; recovery lanes depend on that.
func (m *Manager) AcquireWorktree(ctx context.Context, req WorktreeRequest) (*Worktree, error) {
	repo, err := m.EnsureRepo(ctx, req.Repo)
	if err != nil {
		return nil, err
	}

	base := req.BaseBranch
	if base == "" {
		base, err = repo.DefaultBranch(ctx)
		if err != nil {
			return nil, err
		}
	}
	branch := req.Branch
	if branch == "" {
		branch = BranchName(req.IssueNumber, req.TaskID)
	}

	path := m.WorktreePath(req.Repo, req.Slot, req.IssueNumber, req.TaskID)
	wt := &Worktree{Path: path, Branch: branch, Base: base, Repo: repo}

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return wt, nil
	}

	if err := repo.Fetch(ctx, base); err != nil {
		return nil, err
	}
	if err := repo.AddWorktree(ctx, path, branch, base); err != nil {
		return nil, err
	}
	if err := repo.EnsureExcluded(ctx, path, ".ralph/"); err != nil {
		return nil, err
	}
	return wt, nil
}

// RemoveWorktree removes a task's worktree and its registration.
func (m *Manager) RemoveWorktree(ctx context.Context, repoName, path string) error {
	repo, err := m.EnsureRepo(ctx, repoName)
	if err != nil {
		return err
	}
	return repo.RemoveWorktree(ctx, path)
}

// WorktreeKey identifies a path's place in the canonical layout.
type WorktreeKey struct {
	RepoDir string
	Slot    int // -1 when unslotted
	Issue   int
	Task    string
}

// ClassifyPath decides whether path is a managed worktree under root and, if
// so, returns its layout key. This is the only authority on what counts as
// managed: cleanup must never delete a path this function rejects.
func ClassifyPath(root, path string) (WorktreeKey, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return WorktreeKey{}, false
	}

	segs := strings.Split(filepath.ToSlash(rel), "/")
	key := WorktreeKey{Slot: -1}

	switch len(segs) {
	case 3:
		if !validRepoDir(segs[0]) || !allDigits(segs[2]) {
			return WorktreeKey{}, false
		}
		n, ok := parsePositive(segs[1])
		if !ok {
			return WorktreeKey{}, false
		}
		key.RepoDir, key.Issue, key.Task = segs[0], n, segs[2]
	case 4:
		if !validRepoDir(segs[0]) || !slotDirPattern.MatchString(segs[1]) || !allDigits(segs[3]) {
			return WorktreeKey{}, false
		}
		n, ok := parsePositive(segs[2])
		if !ok {
			return WorktreeKey{}, false
		}
		slot, _ := strconv.Atoi(strings.TrimPrefix(segs[1], "slot-"))
		key.RepoDir, key.Slot, key.Issue, key.Task = segs[0], slot, n, segs[3]
	default:
		return WorktreeKey{}, false
	}

	return key, true
}

func validRepoDir(s string) bool {
	return s != "" && !strings.HasPrefix(s, ".") && strings.Contains(s, "-")
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func parsePositive(s string) (int, bool) {
	if !allDigits(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// CleanupOrphans removes abandoned worktrees under the managed root. live
// reports whether a path still belongs to an active task.
//
// A repo's worktrees are only considered when its `git worktree list`
// inventory succeeds. A path is removed when it is registered but unhealthy
// (directory gone or git marks it prunable), or when it matches the
// canonical layout but git does not know it. Paths the classifier rejects
// are never touched.
func (m *Manager) CleanupOrphans(ctx context.Context, live func(path string) bool) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read managed root: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		repoDir := entry.Name()

		baseClone := filepath.Join(m.root, reposDirName, repoDir)
		if _, err := os.Stat(filepath.Join(baseClone, ".git")); err != nil {
			// No base clone to ask; leave this repo's trees alone.
			continue
		}
		repo, err := Open(ctx, baseClone, WithRunner(m.runner))
		if err != nil {
			continue
		}
		inventory, err := repo.WorktreeList(ctx)
		if err != nil {
			// Inventory failed; cleaning now could destroy live state.
			continue
		}

		registered := make(map[string]WorktreeInfo, len(inventory))
		for _, info := range inventory {
			registered[filepath.Clean(info.Path)] = info
		}

		// Registered but unhealthy.
		for path, info := range registered {
			key, ok := ClassifyPath(m.root, path)
			if !ok || key.RepoDir != repoDir || live(path) {
				continue
			}
			_, statErr := os.Stat(path)
			if info.Prunable || os.IsNotExist(statErr) {
				if err := repo.RemoveWorktree(ctx, path); err == nil {
					removed = append(removed, path)
				}
			}
		}

		// Matching layout but unregistered.
		for _, path := range m.layoutCandidates(repoDir) {
			if _, ok := registered[path]; ok {
				continue
			}
			if _, ok := ClassifyPath(m.root, path); !ok {
				continue
			}
			if live(path) {
				continue
			}
			if err := os.RemoveAll(path); err == nil {
				removed = append(removed, path)
			}
		}

		_ = repo.PruneWorktrees(ctx)
	}

	sort.Strings(removed)
	return removed, nil
}

// layoutCandidates lists directories under one repo dir that sit at a
// canonical worktree depth. The classifier still has final say.
func (m *Manager) layoutCandidates(repoDir string) []string {
	var candidates []string
	base := filepath.Join(m.root, repoDir)

	level1, err := os.ReadDir(base)
	if err != nil {
		return nil
	}
	for _, e1 := range level1 {
		if !e1.IsDir() {
			continue
		}
		if slotDirPattern.MatchString(e1.Name()) {
			slotDir := filepath.Join(base, e1.Name())
			issues, err := os.ReadDir(slotDir)
			if err != nil {
				continue
			}
			for _, issue := range issues {
				if !issue.IsDir() {
					continue
				}
				tasks, err := os.ReadDir(filepath.Join(slotDir, issue.Name()))
				if err != nil {
					continue
				}
				for _, task := range tasks {
					if task.IsDir() {
						candidates = append(candidates, filepath.Join(slotDir, issue.Name(), task.Name()))
					}
				}
			}
			continue
		}
		tasks, err := os.ReadDir(filepath.Join(base, e1.Name()))
		if err != nil {
			continue
		}
		for _, task := range tasks {
			if task.IsDir() {
				candidates = append(candidates, filepath.Join(base, e1.Name(), task.Name()))
			}
		}
	}
	return candidates
}
