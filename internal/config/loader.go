package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadWithSources loads configuration with source tracking.
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. System config (/etc/ralph/config.yaml) - optional
//  3. User config (~/.ralph/config.yaml) - optional
//  4. Project config (.ralph/config.yaml)
//  5. Environment variables (RALPH_*)
func LoadWithSources() (*TrackedConfig, error) {
	return LoadWithSourcesFrom(filepath.Join(RalphDir, ConfigFileName))
}

// LoadWithSourcesFrom is LoadWithSources with an explicit project config
// path, used when the CLI passes --config.
func LoadWithSourcesFrom(projectPath string) (*TrackedConfig, error) {
	tc := NewTrackedConfig()

	// Mark all defaults with SourceDefault
	markDefaults(tc)

	// 2. System config (/etc/ralph/config.yaml)
	systemPath := "/etc/ralph/config.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		if err := mergeFromFile(tc, systemPath, SourceSystem); err != nil {
			slog.Warn("failed to load system config", "path", systemPath, "error", err)
		}
	}

	// 3. User config (~/.ralph/config.yaml)
	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, RalphDir, ConfigFileName)
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(tc, userPath, SourceUser); err != nil {
				slog.Warn("failed to load user config", "path", userPath, "error", err)
			}
		}
	}

	// 4. Project config (.ralph/config.yaml)
	if _, err := os.Stat(projectPath); err == nil {
		if err := mergeFromFile(tc, projectPath, SourceProject); err != nil {
			return nil, err // Project config errors are fatal
		}
	}

	// 5. Environment variables
	ApplyEnvVars(tc)

	return tc, nil
}

// mergeFromFile merges configuration from a file into tc.
func mergeFromFile(tc *TrackedConfig, path string, source ConfigSource) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	// Parse YAML into a map to track which fields are set
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	// Parse into Config
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	// Merge set values and track sources
	mergeConfig(tc, &fileCfg, raw, source, path)

	return nil
}

// mergeConfig merges fileCfg into tc.Config, tracking sources. Only keys
// present in raw are applied, so zero values in the file still override.
func mergeConfig(tc *TrackedConfig, fileCfg *Config, raw map[string]interface{}, source ConfigSource, filePath string) {
	cfg := tc.Config
	set := func(path string) {
		tc.SetSourceWithPath(path, source, filePath)
	}

	// Top-level fields
	if _, ok := raw["version"]; ok {
		cfg.Version = fileCfg.Version
		set("version")
	}
	if _, ok := raw["profile"]; ok {
		cfg.Profile = fileCfg.Profile
		set("profile")
	}
	if _, ok := raw["state_db"]; ok {
		cfg.StateDB = fileCfg.StateDB
		set("state_db")
	}
	if _, ok := raw["sessions_dir"]; ok {
		cfg.SessionsDir = fileCfg.SessionsDir
		set("sessions_dir")
	}
	if _, ok := raw["worktree_root"]; ok {
		cfg.WorktreeRoot = fileCfg.WorktreeRoot
		set("worktree_root")
	}
	if _, ok := raw["agent_bin"]; ok {
		cfg.AgentBin = fileCfg.AgentBin
		set("agent_bin")
	}
	if _, ok := raw["agent_serve_url"]; ok {
		cfg.AgentServeURL = fileCfg.AgentServeURL
		set("agent_serve_url")
	}
	if _, ok := raw["transport"]; ok {
		cfg.Transport = fileCfg.Transport
		set("transport")
	}
	if _, ok := raw["label"]; ok {
		cfg.Label = fileCfg.Label
		set("label")
	}
	if _, ok := raw["done_label"]; ok {
		cfg.DoneLabel = fileCfg.DoneLabel
		set("done_label")
	}

	// Repos replace wholesale: per-repo merging across layers would
	// splice lists from different owners.
	if _, ok := raw["repos"]; ok {
		cfg.Repos = fileCfg.Repos
		set("repos")
	}

	// Nested configs
	if rawDaemon, ok := raw["daemon"].(map[string]interface{}); ok {
		mergeDaemonConfig(cfg, fileCfg, rawDaemon, set)
	}
	if rawWorker, ok := raw["worker"].(map[string]interface{}); ok {
		mergeWorkerConfig(cfg, fileCfg, rawWorker, set)
	}
	if rawThresholds, ok := raw["thresholds"].(map[string]interface{}); ok {
		mergeThresholdConfig(cfg, fileCfg, rawThresholds, set)
	}
	if rawNotify, ok := raw["notify"].(map[string]interface{}); ok {
		if rawJira, ok := rawNotify["jira"].(map[string]interface{}); ok {
			mergeJiraConfig(cfg, fileCfg, rawJira, set)
		}
	}
}

func mergeDaemonConfig(cfg *Config, fileCfg *Config, raw map[string]interface{}, set func(string)) {
	if _, ok := raw["tick_interval"]; ok {
		cfg.Daemon.TickInterval = fileCfg.Daemon.TickInterval
		set("daemon.tick_interval")
	}
	if _, ok := raw["global_limit"]; ok {
		cfg.Daemon.GlobalLimit = fileCfg.Daemon.GlobalLimit
		set("daemon.global_limit")
	}
	if _, ok := raw["repo_limit"]; ok {
		cfg.Daemon.RepoLimit = fileCfg.Daemon.RepoLimit
		set("daemon.repo_limit")
	}
	if _, ok := raw["band_budget"]; ok {
		cfg.Daemon.BandBudget = fileCfg.Daemon.BandBudget
		set("daemon.band_budget")
	}
	if _, ok := raw["listen"]; ok {
		cfg.Daemon.Listen = fileCfg.Daemon.Listen
		set("daemon.listen")
	}
	if _, ok := raw["shutdown_grace"]; ok {
		cfg.Daemon.ShutdownGrace = fileCfg.Daemon.ShutdownGrace
		set("daemon.shutdown_grace")
	}
	if _, ok := raw["sync_min_interval"]; ok {
		cfg.Daemon.SyncMinInterval = fileCfg.Daemon.SyncMinInterval
		set("daemon.sync_min_interval")
	}
}

func mergeWorkerConfig(cfg *Config, fileCfg *Config, raw map[string]interface{}, set func(string)) {
	if _, ok := raw["merge_method"]; ok {
		cfg.Worker.MergeMethod = fileCfg.Worker.MergeMethod
		set("worker.merge_method")
	}
	if _, ok := raw["allow_main_label"]; ok {
		cfg.Worker.AllowMainLabel = fileCfg.Worker.AllowMainLabel
		set("worker.allow_main_label")
	}
	if _, ok := raw["ci_label"]; ok {
		cfg.Worker.CILabel = fileCfg.Worker.CILabel
		set("worker.ci_label")
	}
	if _, ok := raw["stage_timeout"]; ok {
		cfg.Worker.StageTimeout = fileCfg.Worker.StageTimeout
		set("worker.stage_timeout")
	}
	if _, ok := raw["ci_timeout"]; ok {
		cfg.Worker.CITimeout = fileCfg.Worker.CITimeout
		set("worker.ci_timeout")
	}
	if _, ok := raw["process_max_attempts"]; ok {
		cfg.Worker.ProcessMaxAttempts = fileCfg.Worker.ProcessMaxAttempts
		set("worker.process_max_attempts")
	}
	if _, ok := raw["triage_max_attempts"]; ok {
		cfg.Worker.TriageMaxAttempts = fileCfg.Worker.TriageMaxAttempts
		set("worker.triage_max_attempts")
	}
}

func mergeThresholdConfig(cfg *Config, fileCfg *Config, raw map[string]interface{}, set func(string)) {
	if _, ok := raw["watchdog_soft"]; ok {
		cfg.Thresholds.WatchdogSoft = fileCfg.Thresholds.WatchdogSoft
		set("thresholds.watchdog_soft")
	}
	if _, ok := raw["watchdog_hard"]; ok {
		cfg.Thresholds.WatchdogHard = fileCfg.Thresholds.WatchdogHard
		set("thresholds.watchdog_hard")
	}
	if _, ok := raw["stall"]; ok {
		cfg.Thresholds.Stall = fileCfg.Thresholds.Stall
		set("thresholds.stall")
	}
	if _, ok := raw["loop_window"]; ok {
		cfg.Thresholds.LoopWindow = fileCfg.Thresholds.LoopWindow
		set("thresholds.loop_window")
	}
}

func mergeJiraConfig(cfg *Config, fileCfg *Config, raw map[string]interface{}, set func(string)) {
	if _, ok := raw["base_url"]; ok {
		cfg.Notify.Jira.BaseURL = fileCfg.Notify.Jira.BaseURL
		set("notify.jira.base_url")
	}
	if _, ok := raw["email"]; ok {
		cfg.Notify.Jira.Email = fileCfg.Notify.Jira.Email
		set("notify.jira.email")
	}
	if _, ok := raw["token_env_var"]; ok {
		cfg.Notify.Jira.TokenEnvVar = fileCfg.Notify.Jira.TokenEnvVar
		set("notify.jira.token_env_var")
	}
	if _, ok := raw["project_key"]; ok {
		cfg.Notify.Jira.ProjectKey = fileCfg.Notify.Jira.ProjectKey
		set("notify.jira.project_key")
	}
	if _, ok := raw["issue_type"]; ok {
		cfg.Notify.Jira.IssueType = fileCfg.Notify.Jira.IssueType
		set("notify.jira.issue_type")
	}
}

// pathOrder lists every tracked config path in display order. Both
// markDefaults and `config show` iterate it so output stays stable.
var pathOrder = []string{
	"version", "profile", "state_db", "sessions_dir", "worktree_root",
	"agent_bin", "agent_serve_url", "transport", "label", "done_label",
	"repos",
	"daemon.tick_interval", "daemon.global_limit", "daemon.repo_limit",
	"daemon.band_budget", "daemon.listen", "daemon.shutdown_grace",
	"daemon.sync_min_interval",
	"worker.merge_method", "worker.allow_main_label", "worker.ci_label",
	"worker.stage_timeout", "worker.ci_timeout",
	"worker.process_max_attempts", "worker.triage_max_attempts",
	"thresholds.watchdog_soft", "thresholds.watchdog_hard",
	"thresholds.stall", "thresholds.loop_window",
	"notify.jira.base_url", "notify.jira.email",
	"notify.jira.token_env_var", "notify.jira.project_key",
	"notify.jira.issue_type",
}

// markDefaults marks all config paths as having SourceDefault.
func markDefaults(tc *TrackedConfig) {
	for _, path := range pathOrder {
		tc.SetSource(path, SourceDefault)
	}
}

// Paths returns every tracked config path in display order.
func Paths() []string {
	out := make([]string, len(pathOrder))
	copy(out, pathOrder)
	return out
}

// ValueAt renders the config value at a tracked path. `config show
// --source` pairs it with GetTrackedSource.
func (c *Config) ValueAt(path string) string {
	switch path {
	case "version":
		return strconv.Itoa(c.Version)
	case "profile":
		return string(c.Profile)
	case "state_db":
		return c.StateDB
	case "sessions_dir":
		return c.SessionsDir
	case "worktree_root":
		return c.WorktreeRoot
	case "agent_bin":
		return c.AgentBin
	case "agent_serve_url":
		return c.AgentServeURL
	case "transport":
		return c.Transport
	case "label":
		return c.Label
	case "done_label":
		return c.DoneLabel
	case "repos":
		names := make([]string, len(c.Repos))
		for i, rc := range c.Repos {
			names[i] = rc.Name
		}
		return strings.Join(names, ", ")
	case "daemon.tick_interval":
		return c.Daemon.TickInterval.String()
	case "daemon.global_limit":
		return strconv.Itoa(c.Daemon.GlobalLimit)
	case "daemon.repo_limit":
		return strconv.Itoa(c.Daemon.RepoLimit)
	case "daemon.band_budget":
		return strconv.Itoa(c.Daemon.BandBudget)
	case "daemon.listen":
		return c.Daemon.Listen
	case "daemon.shutdown_grace":
		return c.Daemon.ShutdownGrace.String()
	case "daemon.sync_min_interval":
		return c.Daemon.SyncMinInterval.String()
	case "worker.merge_method":
		return c.Worker.MergeMethod
	case "worker.allow_main_label":
		return c.Worker.AllowMainLabel
	case "worker.ci_label":
		return c.Worker.CILabel
	case "worker.stage_timeout":
		return c.Worker.StageTimeout.String()
	case "worker.ci_timeout":
		return c.Worker.CITimeout.String()
	case "worker.process_max_attempts":
		return strconv.Itoa(c.Worker.ProcessMaxAttempts)
	case "worker.triage_max_attempts":
		return strconv.Itoa(c.Worker.TriageMaxAttempts)
	case "thresholds.watchdog_soft":
		return c.Thresholds.WatchdogSoft.String()
	case "thresholds.watchdog_hard":
		return c.Thresholds.WatchdogHard.String()
	case "thresholds.stall":
		return c.Thresholds.Stall.String()
	case "thresholds.loop_window":
		return strconv.Itoa(c.Thresholds.LoopWindow)
	case "notify.jira.base_url":
		return c.Notify.Jira.BaseURL
	case "notify.jira.email":
		return c.Notify.Jira.Email
	case "notify.jira.token_env_var":
		return c.Notify.Jira.TokenEnvVar
	case "notify.jira.project_key":
		return c.Notify.Jira.ProjectKey
	case "notify.jira.issue_type":
		return c.Notify.Jira.IssueType
	}
	return ""
}
