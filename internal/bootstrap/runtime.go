// Package bootstrap assembles the shared runtime every command builds on:
// effective configuration, state store, git manager, agent adapter, hosting
// providers, event bus, and notification sinks. Commands construct one
// Runtime, use it for their lifetime, and Close it on the way out.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/git"
	"github.com/randalmurphal/ralph/internal/hosting"

	// Provider packages register themselves with the hosting factory.
	_ "github.com/randalmurphal/ralph/internal/hosting/github"
	_ "github.com/randalmurphal/ralph/internal/hosting/gitlab"

	"github.com/randalmurphal/ralph/internal/notify"
	"github.com/randalmurphal/ralph/internal/scheduler"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
	"github.com/randalmurphal/ralph/internal/worker"
)

// Options configures runtime assembly. Zero values mean "derive it".
type Options struct {
	// WorkDir is the project root. Empty means the current directory.
	WorkDir string

	// ConfigPath overrides the config file location. Empty means
	// .ralph/config.yaml under WorkDir.
	ConfigPath string

	// Profile overrides the configured profile when non-empty.
	Profile string

	// DaemonID pins the daemon identity. Empty generates one.
	DaemonID string

	// JSONLog selects the JSON log handler instead of text.
	JSONLog bool

	// Verbose lowers the log level to debug and mirrors pipeline events
	// into the process log.
	Verbose bool
}

// Runtime is the assembled process state shared by the daemon and the
// inspection commands.
type Runtime struct {
	Config   *config.Config
	Tracked  *config.TrackedConfig
	Store    *state.Store
	Git      *git.Manager
	Agent    *session.Adapter
	Events   events.Publisher
	Notifier notify.Notifier
	Logger   *slog.Logger

	// DaemonID identifies this process in task claims and heartbeats.
	DaemonID string

	// WorkDir is the resolved project root; SessionsDir and WorktreeRoot
	// are resolved against it when the config paths are relative.
	WorkDir      string
	SessionsDir  string
	WorktreeRoot string

	mu        sync.Mutex
	providers map[string]hosting.Provider
}

// New loads configuration and wires the runtime. The returned Runtime owns
// the state store; callers must Close it.
func New(opts Options) (*Runtime, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		workDir = wd
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(workDir, config.RalphDir, config.ConfigFileName)
	}
	tracked, err := config.LoadWithSourcesFrom(configPath)
	if err != nil {
		return nil, err
	}
	cfg := tracked.Config
	if opts.Profile != "" {
		cfg.ApplyProfile(config.Profile(opts.Profile))
		tracked.SetSource("profile", config.SourceFlag)
		tracked.SetSource("daemon.global_limit", config.SourceFlag)
		tracked.SetSource("daemon.repo_limit", config.SourceFlag)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(opts)

	store, err := state.Open(storeDSN(workDir, cfg.StateDB))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	worktreeRoot := absUnder(workDir, cfg.WorktreeRoot)
	sessionsDir := absUnder(workDir, cfg.SessionsDir)

	gitMgr := git.NewManager(worktreeRoot, git.WithRemoteURL(func(repo string) string {
		return cloneURL(cfg, repo)
	}))

	sessOpts := []session.AdapterOption{session.WithLogger(logger)}
	if cfg.Transport != "" {
		sessOpts = append(sessOpts, session.WithTransport(cfg.Transport))
	}
	if cfg.AgentBin != "" {
		sessOpts = append(sessOpts, session.WithAgentBin(cfg.AgentBin))
	}
	if cfg.AgentServeURL != "" {
		sessOpts = append(sessOpts, session.WithServeURL(cfg.AgentServeURL))
	}

	var pub events.Publisher
	if cfg.Daemon.Listen != "" {
		// Websocket subscribers drain slower than in-process consumers.
		pub = events.NewMemoryPublisher(events.WithBufferSize(256))
	} else {
		pub = events.NewMemoryPublisher()
	}
	if opts.Verbose {
		pub = events.NewLogPublisher(pub, logger)
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	daemonID := opts.DaemonID
	if daemonID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "ralph"
		}
		daemonID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	return &Runtime{
		Config:       cfg,
		Tracked:      tracked,
		Store:        store,
		Git:          gitMgr,
		Agent:        session.New(sessOpts...),
		Events:       pub,
		Notifier:     notifier,
		Logger:       logger,
		DaemonID:     daemonID,
		WorkDir:      workDir,
		SessionsDir:  sessionsDir,
		WorktreeRoot: worktreeRoot,
		providers:    make(map[string]hosting.Provider),
	}, nil
}

// Provider returns the hosting provider bound to a configured repository,
// constructing and caching it on first use. The method value satisfies
// worker.ProviderLookup.
func (r *Runtime) Provider(repo string) (hosting.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[repo]; ok {
		return p, nil
	}
	rc := r.Config.Repo(repo)
	if rc == nil {
		return nil, fmt.Errorf("repository %q is not configured", repo)
	}
	p, err := hosting.NewProvider(repo, rc.Hosting)
	if err != nil {
		return nil, err
	}
	r.providers[repo] = p
	return p, nil
}

// Ports returns the worker collaborator record backed by this runtime.
func (r *Runtime) Ports() worker.Ports {
	return worker.Ports{
		Store:    r.Store,
		Hosts:    r.Provider,
		Agent:    r.Agent,
		Git:      r.Git,
		Events:   r.Events,
		Notifier: r.Notifier,
		Logger:   r.Logger,
	}
}

// WorkerConfig maps the operator-facing configuration onto the pipeline
// tunables for one repository. Per-repo setup commands and lockfile globs
// come from the repo block; everything else is global.
func (r *Runtime) WorkerConfig(repo string) worker.Config {
	wc := worker.Config{
		DaemonID:           r.DaemonID,
		SessionsRoot:       r.SessionsDir,
		MergeMethod:        r.Config.Worker.MergeMethod,
		AllowMainLabel:     r.Config.Worker.AllowMainLabel,
		CILabel:            r.Config.Worker.CILabel,
		DoneLabel:          r.Config.DoneLabel,
		StageTimeout:       r.Config.Worker.StageTimeout,
		CITimeout:          r.Config.Worker.CITimeout,
		ProcessMaxAttempts: r.Config.Worker.ProcessMaxAttempts,
		TriageMaxAttempts:  r.Config.Worker.TriageMaxAttempts,
		Thresholds: session.Thresholds{
			WatchdogSoft: r.Config.Thresholds.WatchdogSoft,
			WatchdogHard: r.Config.Thresholds.WatchdogHard,
			Stall:        r.Config.Thresholds.Stall,
			LoopWindow:   r.Config.Thresholds.LoopWindow,
		},
	}
	if rc := r.Config.Repo(repo); rc != nil {
		wc.SetupCommands = rc.SetupCommands
		wc.LockfileGlobs = rc.LockfileGlobs
	}
	return wc
}

// SchedulerConfig maps the daemon caps onto the scheduler.
func (r *Runtime) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		GlobalLimit: r.Config.Daemon.GlobalLimit,
		RepoLimit:   r.Config.Daemon.RepoLimit,
		BandBudget:  r.Config.Daemon.BandBudget,
	}
}

// Close releases the event bus and the state store.
func (r *Runtime) Close() error {
	r.Events.Close()
	return r.Store.Close()
}

// storeDSN resolves the configured store location. Postgres DSNs pass
// through; relative SQLite paths anchor at the project root.
func storeDSN(workDir, stateDB string) string {
	if strings.HasPrefix(stateDB, "postgres://") || strings.HasPrefix(stateDB, "postgresql://") {
		return stateDB
	}
	return absUnder(workDir, stateDB)
}

func absUnder(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}

// cloneURL builds the HTTPS clone URL for a configured repository,
// honoring self-hosted base URLs.
func cloneURL(cfg *config.Config, repo string) string {
	base := "https://github.com"
	if rc := cfg.Repo(repo); rc != nil {
		if rc.Hosting.BaseURL != "" {
			base = strings.TrimSuffix(rc.Hosting.BaseURL, "/")
		} else if rc.Hosting.Provider == string(hosting.ProviderGitLab) {
			base = "https://gitlab.com"
		}
	}
	return base + "/" + repo + ".git"
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	sinks := notify.Fanout{notify.NewLogNotifier(logger)}
	if jc := cfg.Notify.Jira; jc.Enabled() {
		token := ""
		if jc.TokenEnvVar != "" {
			token = os.Getenv(jc.TokenEnvVar)
		}
		jira, err := notify.NewJiraNotifier(notify.JiraConfig{
			BaseURL:    jc.BaseURL,
			Email:      jc.Email,
			APIToken:   token,
			ProjectKey: jc.ProjectKey,
			IssueType:  jc.IssueType,
		})
		if err != nil {
			return nil, fmt.Errorf("jira notifier: %w", err)
		}
		sinks = append(sinks, jira)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func newLogger(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	ho := &slog.HandlerOptions{Level: level}
	if opts.JSONLog {
		return slog.New(slog.NewJSONHandler(os.Stderr, ho))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, ho))
}
