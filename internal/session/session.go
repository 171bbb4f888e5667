// Package session abstracts the coding-agent process. Workers start, resume,
// and command agent sessions through the Adapter and get back a Result that
// carries the session ID, the full output (the last line of which holds the
// stage's marker), and any watchdog, stall, or loop terminations.
//
// Two transports exist: cli spawns `agent run ... --format json` and reads
// line-delimited JSON events from stdout; sdk drives a long-lived
// `agent serve` HTTP endpoint and reads the same events from the response
// body. sdk-preferred tries sdk and falls back to cli exactly once per run
// key, then sticks to cli for that key.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Transport names. Selected by RALPH_OPENCODE_TRANSPORT or per-call via
// Options.Transport.
const (
	TransportCLI          = "cli"
	TransportSDK          = "sdk"
	TransportSDKPreferred = "sdk-preferred"
)

// TransportEnvVar selects the agent transport.
const TransportEnvVar = "RALPH_OPENCODE_TRANSPORT"

// AgentBinEnvVar overrides the agent binary name for the cli transport.
const AgentBinEnvVar = "RALPH_AGENT_BIN"

// ServeURLEnvVar overrides the `agent serve` base URL for the sdk transport.
const ServeURLEnvVar = "RALPH_AGENT_SERVE_URL"

// ErrorCodeContextLengthExceeded is the error code a session reports when
// the agent's context window is exhausted. The context-compact lane keys
// off it.
const ErrorCodeContextLengthExceeded = "context_length_exceeded"

// ExitTimeout is the exit code assigned when the absolute wall-clock
// timeout kills a run.
const ExitTimeout = 124

const (
	defaultAgentBin = "agent"
	defaultServeURL = "http://127.0.0.1:4096"

	// Fallback stickiness for sdk-preferred. Bounded so a long-lived
	// daemon cannot grow the map without limit.
	fallbackSize = 4096
	fallbackTTL  = 2 * time.Hour
)

// Thresholds carries the per-invocation monitor limits. Zero values
// disable the corresponding check.
type Thresholds struct {
	// WatchdogSoft logs a warning when a single tool call runs longer.
	WatchdogSoft time.Duration
	// WatchdogHard aborts the session when a single tool call runs longer.
	WatchdogHard time.Duration
	// Stall aborts the session when no event arrives for this long.
	Stall time.Duration
	// LoopWindow trips when this many consecutive tool calls are
	// identical (same tool, same args preview). Minimum effective value
	// is 2.
	LoopWindow int
}

// Options configures a single agent invocation.
type Options struct {
	// OnEvent receives every parsed event as it streams. May be nil.
	// Called from the reader goroutine; must not block.
	OnEvent func(Event)

	// Thresholds for the watchdog/stall/loop monitor.
	Thresholds Thresholds

	// Step labels the invocation in logs and watchdog signatures
	// (e.g. "build", "ci-triage").
	Step string

	// Timeout is the absolute wall-clock limit. Zero means none.
	Timeout time.Duration

	// XDG isolates the agent's data/cache/state directories. Nil runs
	// against the ambient environment.
	XDG *XDG

	// Transport overrides the adapter's transport for this call.
	Transport string

	// RunKey identifies the logical run for sdk-preferred fallback
	// stickiness. Defaults to the worktree path.
	RunKey string

	// Env appends extra environment variables (KEY=VALUE).
	Env []string
}

// WatchdogTimeout reports a per-tool watchdog termination.
type WatchdogTimeout struct {
	// Source records how the run was terminated: "session.abort",
	// "session.abort-failed->kill-fallback", or "tool-watchdog".
	Source      string
	Tool        string
	ArgsPreview string
	Elapsed     time.Duration
}

// StallTimeout reports an inactivity termination.
type StallTimeout struct {
	Source string
	Idle   time.Duration
}

// LoopTrip reports a repeated-tool-call termination.
type LoopTrip struct {
	Source      string
	Tool        string
	ArgsPreview string
	Count       int
}

// Result is the outcome of one agent invocation.
type Result struct {
	SessionID string
	Output    string
	Success   bool
	ExitCode  int

	WatchdogTimeout *WatchdogTimeout
	StallTimeout    *StallTimeout
	LoopTrip        *LoopTrip

	// ErrorCode is a machine-readable failure code reported by the
	// session (e.g. context_length_exceeded), empty otherwise.
	ErrorCode string

	// Tokens is the session's token usage; Quality records whether it
	// was measured from events, estimated from output size, or missing.
	Tokens       int64
	TokenQuality string

	Duration time.Duration
}

// TimedOut reports whether the run ended on any monitor or wall-clock
// termination.
func (r *Result) TimedOut() bool {
	return r.WatchdogTimeout != nil || r.StallTimeout != nil || r.ExitCode == ExitTimeout
}

// Adapter runs agent sessions over the configured transport.
type Adapter struct {
	log       *slog.Logger
	transport string
	agentBin  string
	serveURL  string
	httpc     *http.Client

	// fallback remembers run keys whose sdk transport already failed;
	// those keys go straight to cli.
	fallback *expirable.LRU[string, string]
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(log *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.log = log }
}

// WithTransport sets the default transport, overriding the environment.
func WithTransport(transport string) AdapterOption {
	return func(a *Adapter) { a.transport = transport }
}

// WithAgentBin sets the agent binary for the cli transport.
func WithAgentBin(bin string) AdapterOption {
	return func(a *Adapter) { a.agentBin = bin }
}

// WithServeURL sets the `agent serve` base URL for the sdk transport.
func WithServeURL(url string) AdapterOption {
	return func(a *Adapter) { a.serveURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient sets the HTTP client used by the sdk transport.
func WithHTTPClient(c *http.Client) AdapterOption {
	return func(a *Adapter) { a.httpc = c }
}

// New creates an Adapter. Environment variables provide defaults; options
// override them.
func New(opts ...AdapterOption) *Adapter {
	a := &Adapter{
		log:       slog.Default(),
		transport: TransportCLI,
		agentBin:  defaultAgentBin,
		serveURL:  defaultServeURL,
		httpc:     &http.Client{},
		fallback:  expirable.NewLRU[string, string](fallbackSize, nil, fallbackTTL),
	}
	if v := os.Getenv(TransportEnvVar); v != "" {
		a.transport = v
	}
	if v := os.Getenv(AgentBinEnvVar); v != "" {
		a.agentBin = v
	}
	if v := os.Getenv(ServeURLEnvVar); v != "" {
		a.serveURL = strings.TrimSuffix(v, "/")
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// invocation is the normalized form of the three entry points.
type invocation struct {
	worktree  string
	agent     string
	sessionID string
	prompt    string
	opts      Options
}

// RunAgent starts a fresh session in worktree and blocks until it ends.
func (a *Adapter) RunAgent(ctx context.Context, worktree, agentName, prompt string, opts Options) (*Result, error) {
	return a.run(ctx, invocation{
		worktree: worktree,
		agent:    agentName,
		prompt:   prompt,
		opts:     opts,
	})
}

// ContinueSession resumes an existing session with a new prompt.
func (a *Adapter) ContinueSession(ctx context.Context, worktree, sessionID, prompt string, opts Options) (*Result, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("continue session: empty session id")
	}
	return a.run(ctx, invocation{
		worktree:  worktree,
		sessionID: sessionID,
		prompt:    prompt,
		opts:      opts,
	})
}

// ContinueCommand sends a structured slash command on an existing session.
func (a *Adapter) ContinueCommand(ctx context.Context, worktree, sessionID, command string, args []string, opts Options) (*Result, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("continue command: empty session id")
	}
	return a.run(ctx, invocation{
		worktree:  worktree,
		sessionID: sessionID,
		prompt:    commandPrompt(command, args),
		opts:      opts,
	})
}

// commandPrompt renders a structured command as the slash-command message
// the agent understands.
func commandPrompt(command string, args []string) string {
	prompt := "/" + command
	if len(args) > 0 {
		prompt += " " + strings.Join(args, " ")
	}
	return prompt
}

func (a *Adapter) run(ctx context.Context, inv invocation) (*Result, error) {
	transport := a.transport
	if inv.opts.Transport != "" {
		transport = inv.opts.Transport
	}
	runKey := inv.opts.RunKey
	if runKey == "" {
		runKey = inv.worktree
	}

	switch transport {
	case TransportCLI:
		return a.runCLI(ctx, inv)
	case TransportSDK:
		return a.runSDK(ctx, inv)
	case TransportSDKPreferred:
		if _, stuck := a.fallback.Get(runKey); stuck {
			return a.runCLI(ctx, inv)
		}
		res, err := a.runSDK(ctx, inv)
		var terr *transportError
		if errors.As(err, &terr) {
			a.log.Warn("sdk transport failed, falling back to cli",
				"run_key", runKey,
				"step", inv.opts.Step,
				"error", terr.Unwrap())
			a.fallback.Add(runKey, TransportCLI)
			return a.runCLI(ctx, inv)
		}
		return res, err
	default:
		return nil, fmt.Errorf("unknown agent transport %q", transport)
	}
}

// buildEnv assembles the subprocess environment: ambient env, XDG
// isolation, then per-call extras.
func buildEnv(opts Options) []string {
	env := os.Environ()
	if opts.XDG != nil {
		env = append(env, opts.XDG.Env()...)
	}
	env = append(env, opts.Env...)
	return env
}
