package config

import (
	"os"
	"strconv"
	"time"
)

// EnvVarMapping defines the mapping between environment variables and config paths.
var EnvVarMapping = map[string]string{
	"RALPH_PROFILE":            "profile",
	"RALPH_STATE_DB_PATH":      "state_db",
	"RALPH_SESSIONS_DIR":       "sessions_dir",
	"RALPH_WORKTREE_ROOT":      "worktree_root",
	"RALPH_AGENT_BIN":          "agent_bin",
	"RALPH_AGENT_SERVE_URL":    "agent_serve_url",
	"RALPH_OPENCODE_TRANSPORT": "transport",
	"RALPH_LABEL":              "label",
	"RALPH_DONE_LABEL":         "done_label",
	// Daemon settings
	"RALPH_TICK_INTERVAL":  "daemon.tick_interval",
	"RALPH_GLOBAL_LIMIT":   "daemon.global_limit",
	"RALPH_REPO_LIMIT":     "daemon.repo_limit",
	"RALPH_BAND_BUDGET":    "daemon.band_budget",
	"RALPH_LISTEN":         "daemon.listen",
	"RALPH_SHUTDOWN_GRACE": "daemon.shutdown_grace",
	// Worker settings
	"RALPH_MERGE_METHOD":         "worker.merge_method",
	"RALPH_ALLOW_MAIN_LABEL":     "worker.allow_main_label",
	"RALPH_CI_LABEL":             "worker.ci_label",
	"RALPH_STAGE_TIMEOUT":        "worker.stage_timeout",
	"RALPH_CI_TIMEOUT":           "worker.ci_timeout",
	"RALPH_PROCESS_MAX_ATTEMPTS": "worker.process_max_attempts",
	"RALPH_TRIAGE_MAX_ATTEMPTS":  "worker.triage_max_attempts",
	// Watchdog thresholds
	"RALPH_WATCHDOG_SOFT": "thresholds.watchdog_soft",
	"RALPH_WATCHDOG_HARD": "thresholds.watchdog_hard",
	"RALPH_STALL":         "thresholds.stall",
	"RALPH_LOOP_WINDOW":   "thresholds.loop_window",
	// Jira notifier
	"RALPH_JIRA_BASE_URL":    "notify.jira.base_url",
	"RALPH_JIRA_EMAIL":       "notify.jira.email",
	"RALPH_JIRA_PROJECT_KEY": "notify.jira.project_key",
	"RALPH_JIRA_ISSUE_TYPE":  "notify.jira.issue_type",
}

// ApplyEnvVars applies environment variable overrides to a TrackedConfig.
// Returns a list of paths that were overridden.
func ApplyEnvVars(tc *TrackedConfig) []string {
	var overridden []string

	for envVar, configPath := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}

		if applyEnvVar(tc.Config, configPath, value) {
			tc.SetSource(configPath, SourceEnv)
			overridden = append(overridden, configPath)
		}
	}

	return overridden
}

// applyEnvVar applies a single environment variable to the config.
// Returns true if the value was applied.
func applyEnvVar(cfg *Config, path string, value string) bool {
	switch path {
	case "profile":
		cfg.Profile = Profile(value)
	case "state_db":
		cfg.StateDB = value
	case "sessions_dir":
		cfg.SessionsDir = value
	case "worktree_root":
		cfg.WorktreeRoot = value
	case "agent_bin":
		cfg.AgentBin = value
	case "agent_serve_url":
		cfg.AgentServeURL = value
	case "transport":
		cfg.Transport = value
	case "label":
		cfg.Label = value
	case "done_label":
		cfg.DoneLabel = value
	case "daemon.tick_interval":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Daemon.TickInterval = d
		}
	case "daemon.global_limit":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Daemon.GlobalLimit = v
		}
	case "daemon.repo_limit":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Daemon.RepoLimit = v
		}
	case "daemon.band_budget":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Daemon.BandBudget = v
		}
	case "daemon.listen":
		cfg.Daemon.Listen = value
	case "daemon.shutdown_grace":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Daemon.ShutdownGrace = d
		}
	case "worker.merge_method":
		cfg.Worker.MergeMethod = value
	case "worker.allow_main_label":
		cfg.Worker.AllowMainLabel = value
	case "worker.ci_label":
		cfg.Worker.CILabel = value
	case "worker.stage_timeout":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Worker.StageTimeout = d
		}
	case "worker.ci_timeout":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Worker.CITimeout = d
		}
	case "worker.process_max_attempts":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Worker.ProcessMaxAttempts = v
		}
	case "worker.triage_max_attempts":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Worker.TriageMaxAttempts = v
		}
	case "thresholds.watchdog_soft":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Thresholds.WatchdogSoft = d
		}
	case "thresholds.watchdog_hard":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Thresholds.WatchdogHard = d
		}
	case "thresholds.stall":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Thresholds.Stall = d
		}
	case "thresholds.loop_window":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Thresholds.LoopWindow = v
		}
	case "notify.jira.base_url":
		cfg.Notify.Jira.BaseURL = value
	case "notify.jira.email":
		cfg.Notify.Jira.Email = value
	case "notify.jira.project_key":
		cfg.Notify.Jira.ProjectKey = value
	case "notify.jira.issue_type":
		cfg.Notify.Jira.IssueType = value
	default:
		return false
	}
	return true
}
