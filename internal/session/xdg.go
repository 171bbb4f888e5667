package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// XDG is an isolated set of agent data/cache/state directories. Concurrent
// agent processes that share XDG homes corrupt each other's on-disk package
// caches mid-import, so every run gets a per-(repo, cacheKey) set.
type XDG struct {
	DataDir  string
	CacheDir string
	StateDir string
}

// IsolatedXDG computes the directory set for (repo, cacheKey) under the
// sessions root. The same pair always maps to the same directories, so
// sequential runs of one task reuse their warm cache while runs of
// different repos never collide.
func IsolatedXDG(sessionsRoot, repo, cacheKey string) XDG {
	base := filepath.Join(sessionsRoot, "xdg", sanitizePathComponent(repo), sanitizePathComponent(cacheKey))
	return XDG{
		DataDir:  filepath.Join(base, "data"),
		CacheDir: filepath.Join(base, "cache"),
		StateDir: filepath.Join(base, "state"),
	}
}

// Env renders the override variables for the agent subprocess.
func (x XDG) Env() []string {
	return []string{
		"XDG_DATA_HOME=" + x.DataDir,
		"XDG_CACHE_HOME=" + x.CacheDir,
		"XDG_STATE_HOME=" + x.StateDir,
	}
}

// Ensure creates the directories.
func (x XDG) Ensure() error {
	for _, dir := range []string{x.DataDir, x.CacheDir, x.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, string(filepath.Separator), "-")
	if s == "" {
		return "default"
	}
	return s
}
