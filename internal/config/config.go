// Package config provides configuration management for ralph.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	ralpherr "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/hosting"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// RalphDir is the ralph configuration directory
	RalphDir = ".ralph"
)

// Profile selects the daemon's blast radius.
type Profile string

const (
	// ProfileProd runs the configured worker caps (default).
	ProfileProd Profile = "prod"
	// ProfileSandbox narrows to one worker at a time for trial runs
	// against repos you do not fully trust the agent with yet.
	ProfileSandbox Profile = "sandbox"
)

// RepoConfig describes one repository the daemon watches.
type RepoConfig struct {
	// Name is the repository in "owner/name" form.
	Name string `yaml:"name"`

	// Hosting selects and tunes the provider for this repo.
	Hosting hosting.Config `yaml:"hosting,omitempty"`

	// Label overrides the automation label for this repo. Empty means
	// the top-level label.
	Label string `yaml:"label,omitempty"`

	// Priority is the scheduling band for this repo's tasks (1 = most
	// urgent). Zero means the default band.
	Priority int `yaml:"priority,omitempty"`

	// BaseBranch overrides the branch work merges into. Empty means
	// the remote default branch.
	BaseBranch string `yaml:"base_branch,omitempty"`

	// SetupCommands run once per fresh worktree, skipped when the
	// commands hash and lockfile signature match the prior success.
	SetupCommands []string `yaml:"setup_commands,omitempty"`

	// LockfileGlobs feed the setup-state lockfile signature.
	LockfileGlobs []string `yaml:"lockfile_globs,omitempty"`
}

// DaemonConfig holds the tick loop and dispatcher settings.
type DaemonConfig struct {
	// TickInterval is the pause between scheduler passes.
	TickInterval time.Duration `yaml:"tick_interval"`

	// GlobalLimit caps concurrently running workers across all repos.
	GlobalLimit int `yaml:"global_limit"`

	// RepoLimit caps concurrently running workers per repository.
	RepoLimit int `yaml:"repo_limit"`

	// BandBudget is the base drain budget for the top priority band.
	BandBudget int `yaml:"band_budget"`

	// Listen is the address of the read-only websocket event feed.
	// Empty disables the feed.
	Listen string `yaml:"listen,omitempty"`

	// ShutdownGrace is the window between SIGTERM and SIGKILL for
	// registered agent runs at daemon shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// SyncMinInterval is the minimum cadence for blocked-state revival
	// sweeps.
	SyncMinInterval time.Duration `yaml:"sync_min_interval"`
}

// WorkerConfig exposes the pipeline tunables operators actually adjust.
// Everything else stays at the worker package defaults.
type WorkerConfig struct {
	MergeMethod        string        `yaml:"merge_method"`
	AllowMainLabel     string        `yaml:"allow_main_label"`
	CILabel            string        `yaml:"ci_label"`
	StageTimeout       time.Duration `yaml:"stage_timeout"`
	CITimeout          time.Duration `yaml:"ci_timeout"`
	ProcessMaxAttempts int           `yaml:"process_max_attempts"`
	TriageMaxAttempts  int           `yaml:"triage_max_attempts"`
}

// ThresholdConfig holds the agent watchdog settings.
type ThresholdConfig struct {
	WatchdogSoft time.Duration `yaml:"watchdog_soft"`
	WatchdogHard time.Duration `yaml:"watchdog_hard"`
	Stall        time.Duration `yaml:"stall"`
	LoopWindow   int           `yaml:"loop_window"`
}

// JiraConfig configures the optional Jira escalation notifier. The API
// token itself comes from the environment, never the file.
type JiraConfig struct {
	BaseURL     string `yaml:"base_url,omitempty"`
	Email       string `yaml:"email,omitempty"`
	TokenEnvVar string `yaml:"token_env_var,omitempty"`
	ProjectKey  string `yaml:"project_key,omitempty"`
	IssueType   string `yaml:"issue_type,omitempty"`
}

// Enabled reports whether the Jira notifier is configured at all.
func (j JiraConfig) Enabled() bool {
	return j.BaseURL != "" && j.ProjectKey != ""
}

// NotifyConfig selects escalation sinks.
type NotifyConfig struct {
	Jira JiraConfig `yaml:"jira,omitempty"`
}

// Config represents the ralph configuration.
type Config struct {
	// Version is the config file version
	Version int `yaml:"version"`

	// Profile (prod, sandbox)
	Profile Profile `yaml:"profile"`

	// StateDB is the store location: a file path for SQLite or a
	// postgres:// DSN.
	StateDB string `yaml:"state_db"`

	// SessionsDir is the root for session artifacts and isolated
	// agent XDG directories.
	SessionsDir string `yaml:"sessions_dir"`

	// WorktreeRoot is the managed root all clones and worktrees live
	// under. Nothing outside it is ever deleted.
	WorktreeRoot string `yaml:"worktree_root"`

	// Agent process settings
	AgentBin      string `yaml:"agent_bin"`
	AgentServeURL string `yaml:"agent_serve_url,omitempty"`
	Transport     string `yaml:"transport"` // cli, sdk, sdk-preferred

	// Label marks issues for automation; DoneLabel marks completion.
	Label     string `yaml:"label"`
	DoneLabel string `yaml:"done_label"`

	// Repos the daemon watches.
	Repos []RepoConfig `yaml:"repos,omitempty"`

	Daemon     DaemonConfig    `yaml:"daemon"`
	Worker     WorkerConfig    `yaml:"worker"`
	Thresholds ThresholdConfig `yaml:"thresholds"`
	Notify     NotifyConfig    `yaml:"notify,omitempty"`
}

// Repo returns the config block for a repository, or nil when the repo
// is not configured.
func (c *Config) Repo(name string) *RepoConfig {
	for i := range c.Repos {
		if c.Repos[i].Name == name {
			return &c.Repos[i]
		}
	}
	return nil
}

// RepoLabel returns the effective automation label for a repository.
func (c *Config) RepoLabel(name string) string {
	if rc := c.Repo(name); rc != nil && rc.Label != "" {
		return rc.Label
	}
	return c.Label
}

// RepoPriority returns the effective scheduling band for a repository.
func (c *Config) RepoPriority(name string) int {
	if rc := c.Repo(name); rc != nil && rc.Priority > 0 {
		return rc.Priority
	}
	return 2
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version:      1,
		Profile:      ProfileProd,
		StateDB:      filepath.Join(RalphDir, "state.db"),
		SessionsDir:  filepath.Join(RalphDir, "sessions"),
		WorktreeRoot: filepath.Join(RalphDir, "worktrees"),
		AgentBin:     "agent",
		Transport:    "cli",
		Label:        "ralph",
		DoneLabel:    "ralph-done",
		Daemon: DaemonConfig{
			TickInterval:    15 * time.Second,
			GlobalLimit:     4,
			RepoLimit:       2,
			BandBudget:      4,
			ShutdownGrace:   5 * time.Second,
			SyncMinInterval: 30 * time.Second,
		},
		Worker: WorkerConfig{
			MergeMethod:        "squash",
			AllowMainLabel:     "allow-main",
			CILabel:            "ci",
			StageTimeout:       45 * time.Minute,
			CITimeout:          45 * time.Minute,
			ProcessMaxAttempts: 3,
			TriageMaxAttempts:  3,
		},
		Thresholds: ThresholdConfig{
			WatchdogSoft: 2 * time.Minute,
			WatchdogHard: 10 * time.Minute,
			Stall:        5 * time.Minute,
			LoopWindow:   3,
		},
	}
}

// ProfilePresets returns the daemon caps for a given profile.
func ProfilePresets(profile Profile) DaemonConfig {
	d := Default().Daemon
	if profile == ProfileSandbox {
		// Sandbox: one worker at a time, everything else default.
		d.GlobalLimit = 1
		d.RepoLimit = 1
	}
	return d
}

// ApplyProfile applies a preset profile to the configuration.
func (c *Config) ApplyProfile(profile Profile) {
	preset := ProfilePresets(profile)
	c.Profile = profile
	c.Daemon.GlobalLimit = preset.GlobalLimit
	c.Daemon.RepoLimit = preset.RepoLimit
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Profile {
	case ProfileProd, ProfileSandbox:
	default:
		return ralpherr.ErrConfigInvalid("profile", fmt.Sprintf("unknown profile %q (want prod or sandbox)", c.Profile))
	}
	switch c.Transport {
	case "cli", "sdk", "sdk-preferred":
	default:
		return ralpherr.ErrConfigInvalid("transport", fmt.Sprintf("unknown transport %q (want cli, sdk, or sdk-preferred)", c.Transport))
	}
	if c.Label == "" {
		return ralpherr.ErrConfigMissing("label")
	}
	if c.Daemon.GlobalLimit < 1 {
		return ralpherr.ErrConfigInvalid("daemon.global_limit", "must be at least 1")
	}
	if c.Daemon.RepoLimit < 1 {
		return ralpherr.ErrConfigInvalid("daemon.repo_limit", "must be at least 1")
	}
	seen := map[string]bool{}
	for _, rc := range c.Repos {
		if rc.Name == "" {
			return ralpherr.ErrConfigInvalid("repos", "repo with empty name")
		}
		if seen[rc.Name] {
			return ralpherr.ErrConfigInvalid("repos", fmt.Sprintf("repo %q configured twice", rc.Name))
		}
		seen[rc.Name] = true
	}
	return nil
}

// Load loads the config from the default location.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(RalphDir, ConfigFileName))
}

// LoadFrom loads the config from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default() // Start with defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the config to the default location.
func (c *Config) Save() error {
	return c.SaveTo(filepath.Join(RalphDir, ConfigFileName))
}

// SaveTo saves the config to a specific path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Init initializes the ralph directory structure.
func Init(force bool) error {
	// Check if already initialized
	if !force {
		if _, err := os.Stat(RalphDir); err == nil {
			return ralpherr.ErrAlreadyInitialized(RalphDir)
		}
	}

	dirs := []string{
		RalphDir,
		filepath.Join(RalphDir, "sessions"),
		filepath.Join(RalphDir, "worktrees"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// Write default config
	cfg := Default()
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// IsInitialized returns true if ralph is initialized in the current directory.
func IsInitialized() bool {
	_, err := os.Stat(RalphDir)
	return err == nil
}

// RequireInit returns an error if ralph is not initialized.
func RequireInit() error {
	if !IsInitialized() {
		return ralpherr.ErrNotInitialized()
	}
	return nil
}
