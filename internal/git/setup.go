package git

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// SetupStateFile is the per-worktree marker recording the last successful
// environment setup. It lives under .ralph/, which is excluded from git.
const SetupStateFile = ".ralph/setup-state.yaml"

// DefaultLockfileGlobs are the dependency lockfiles whose content feeds the
// setup signature. A change in any of them invalidates the cached setup.
var DefaultLockfileGlobs = []string{
	"**/go.sum",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/Cargo.lock",
	"**/poetry.lock",
	"**/uv.lock",
	"**/Gemfile.lock",
	"**/composer.lock",
}

// SetupState records one successful setup run in a worktree.
type SetupState struct {
	CommandsHash      string    `yaml:"commands_hash"`
	LockfileSignature string    `yaml:"lockfile_signature"`
	Commands          []string  `yaml:"commands"`
	CompletedAt       time.Time `yaml:"completed_at"`
}

// Matches reports whether a cached setup is still valid for the given
// commands and lockfile signature. Setup is skipped only on an exact match
// of both.
func (s *SetupState) Matches(commandsHash, lockfileSignature string) bool {
	return s != nil &&
		s.CommandsHash == commandsHash &&
		s.LockfileSignature == lockfileSignature
}

// ReadSetupState reads the setup marker from a worktree. Returns (nil, nil)
// when no marker exists; a corrupt marker is also (nil, nil) since the safe
// response either way is to run setup again.
func ReadSetupState(worktree string) (*SetupState, error) {
	data, err := os.ReadFile(filepath.Join(worktree, SetupStateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read setup state: %w", err)
	}
	var st SetupState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, nil
	}
	return &st, nil
}

// WriteSetupState writes the setup marker atomically (temp file + rename).
func WriteSetupState(worktree string, st *SetupState) error {
	path := filepath.Join(worktree, SetupStateFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create setup state dir: %w", err)
	}

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal setup state: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write setup state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename setup state: %w", err)
	}
	return nil
}

// CommandsHash hashes an ordered command list. Order matters: the same
// commands in a different order are a different setup. Each command is
// length-prefixed so list boundaries can't collide with embedded newlines.
func CommandsHash(commands []string) string {
	h := sha256.New()
	for _, c := range commands {
		fmt.Fprintf(h, "%d:", len(c))
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LockfileSignature hashes the content of every lockfile in the worktree
// matching the globs. The digest covers relative paths and file contents,
// so both edits and added/removed lockfiles change it. Vendored trees under
// node_modules and .git are skipped.
func LockfileSignature(worktree string, globs []string) (string, error) {
	if len(globs) == 0 {
		globs = DefaultLockfileGlobs
	}

	fsys := os.DirFS(worktree)
	seen := make(map[string]bool)
	var matches []string
	for _, glob := range globs {
		found, err := doublestar.Glob(fsys, glob)
		if err != nil {
			return "", fmt.Errorf("glob %q: %w", glob, err)
		}
		for _, match := range found {
			if skipSignaturePath(match) || seen[match] {
				continue
			}
			seen[match] = true
			matches = append(matches, match)
		}
	}
	sort.Strings(matches)

	h := sha256.New()
	for _, match := range matches {
		f, err := os.Open(filepath.Join(worktree, filepath.FromSlash(match)))
		if err != nil {
			// Raced with a delete; treat as absent.
			continue
		}
		h.Write([]byte(match))
		h.Write([]byte{0})
		_, copyErr := io.Copy(h, f)
		_ = f.Close()
		if copyErr != nil {
			return "", fmt.Errorf("hash %s: %w", match, copyErr)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func skipSignaturePath(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == "node_modules" || seg == ".git" || seg == "vendor" {
			return true
		}
	}
	return false
}
