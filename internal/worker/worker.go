// Package worker drives one claimed task through the build pipeline:
//
//	pre-flight → plan → plan_review → build → product_review →
//	devex_review → pr_create → ci_wait → merge → pr_evidence → done
//
// Each stage is a guarded transition; failures dispatch to a recovery
// lane which decides retry, requeue, block, or escalate. The worker owns
// every side effect — lane deciders in internal/lanes stay pure — and all
// cross-worker coordination goes through the state store, keyed leases,
// and deterministic comment markers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/git"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/markers"
	"github.com/randalmurphal/ralph/internal/notify"
	"github.com/randalmurphal/ralph/internal/session"
	"github.com/randalmurphal/ralph/internal/state"
)

// Stage names, in pipeline order.
const (
	StagePreflight     = "pre-flight"
	StagePlan          = "plan"
	StagePlanReview    = "plan_review"
	StageBuild         = "build"
	StageProductReview = "product_review"
	StageDevexReview   = "devex_review"
	StagePRCreate      = "pr_create"
	StageCIWait        = "ci_wait"
	StageMerge         = "merge"
	StagePREvidence    = "pr_evidence"
	StageDone          = "done"
)

// Agent names the pipeline invokes.
const (
	AgentPlan   = "ralph-plan"
	AgentBuild  = "ralph-build"
	AgentReview = "ralph-review"
	AgentVerify = "ralph-verify"
)

// Agent runs coding-agent sessions. *session.Adapter implements it.
type Agent interface {
	RunAgent(ctx context.Context, worktree, agentName, prompt string, opts session.Options) (*session.Result, error)
	ContinueSession(ctx context.Context, worktree, sessionID, prompt string, opts session.Options) (*session.Result, error)
	ContinueCommand(ctx context.Context, worktree, sessionID, command string, args []string, opts session.Options) (*session.Result, error)
}

// ProviderLookup returns the hosting provider bound to a repository.
type ProviderLookup func(repo string) (hosting.Provider, error)

// Ports is the collaborator record the worker (and through it, every
// recovery lane) operates on. Lanes never see anything wider.
type Ports struct {
	Store    *state.Store
	Hosts    ProviderLookup
	Agent    Agent
	Git      *git.Manager
	Events   events.Publisher
	Notifier notify.Notifier
	Logger   *slog.Logger

	// Runner executes setup commands inside worktrees. Nil means the
	// default exec-based runner.
	Runner git.CommandRunner

	// Clock is the time source; nil means time.Now. Tests pin it.
	Clock func() time.Time
}

// Config carries the pipeline's tunables. Zero values are filled from
// DefaultConfig by New.
type Config struct {
	// DaemonID identifies this process in task claims and heartbeats.
	DaemonID string

	// SessionsRoot is where per-task agent XDG directories live.
	SessionsRoot string

	// SetupCommands run once per worktree, skipped when the commands
	// hash and lockfile signature match the prior success.
	SetupCommands []string
	LockfileGlobs []string
	SetupLockTTL  time.Duration

	MergeMethod    string // "merge", "squash", or "rebase"
	AllowMainLabel string // issues allowed to merge into the default branch
	CILabel        string // issues allowed to ship CI-only diffs
	CIPathPrefixes []string

	// DoneLabel is added to the issue on completion. No comment is
	// posted; the label is the only completion writeback.
	DoneLabel string

	Thresholds   session.Thresholds
	StageTimeout time.Duration

	HeartbeatEvery time.Duration
	ClaimTTL       time.Duration

	// MarkerRepairAttempts bounds re-emission prompts after a marker
	// parse failure.
	MarkerRepairAttempts int

	// ProcessMaxAttempts bounds agent-failure requeues before the task
	// escalates.
	ProcessMaxAttempts int

	PRCreateMaxAttempts int
	PRCreateRetryBase   time.Duration
	PRCreateRetryMax    time.Duration
	LeaseWait           time.Duration
	LeasePollEvery      time.Duration

	CIPollBase time.Duration
	CIPollCap  time.Duration
	CITimeout  time.Duration

	TriageMaxAttempts int
	ThrottleBase      time.Duration
	ThrottleMax       time.Duration

	ConflictMaxRetries int

	ParentVerifyMaxAttempts int
	ParentVerifyBackoffBase time.Duration
	ParentVerifyBackoffMax  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SetupLockTTL:   10 * time.Minute,
		MergeMethod:    "squash",
		AllowMainLabel: "allow-main",
		CILabel:        "ci",
		CIPathPrefixes: []string{".github/workflows/", ".gitlab-ci"},
		DoneLabel:      "ralph-done",
		Thresholds: session.Thresholds{
			WatchdogSoft: 2 * time.Minute,
			WatchdogHard: 10 * time.Minute,
			Stall:        5 * time.Minute,
			LoopWindow:   3,
		},
		StageTimeout:            45 * time.Minute,
		HeartbeatEvery:          30 * time.Second,
		ClaimTTL:                10 * time.Minute,
		MarkerRepairAttempts:    2,
		ProcessMaxAttempts:      3,
		PRCreateMaxAttempts:     5,
		PRCreateRetryBase:       2 * time.Second,
		PRCreateRetryMax:        2 * time.Minute,
		LeaseWait:               30 * time.Second,
		LeasePollEvery:          3 * time.Second,
		CIPollBase:              5 * time.Second,
		CIPollCap:               120 * time.Second,
		CITimeout:               45 * time.Minute,
		TriageMaxAttempts:       3,
		ThrottleBase:            2 * time.Minute,
		ThrottleMax:             time.Hour,
		ConflictMaxRetries:      2,
		ParentVerifyMaxAttempts: 5,
		ParentVerifyBackoffBase: time.Minute,
		ParentVerifyBackoffMax:  30 * time.Minute,
	}
}

// Worker executes the pipeline for one task at a time. A single Worker is
// safe for sequential reuse; the daemon runs one goroutine per claimed
// task, each with its own Worker value sharing the same Ports.
type Worker struct {
	ports Ports
	cfg   Config
	log   *slog.Logger
}

// New creates a worker. Missing optional ports get safe defaults.
func New(ports Ports, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.SetupLockTTL == 0 {
		cfg.SetupLockTTL = def.SetupLockTTL
	}
	if cfg.MergeMethod == "" {
		cfg.MergeMethod = def.MergeMethod
	}
	if cfg.AllowMainLabel == "" {
		cfg.AllowMainLabel = def.AllowMainLabel
	}
	if cfg.CILabel == "" {
		cfg.CILabel = def.CILabel
	}
	if len(cfg.CIPathPrefixes) == 0 {
		cfg.CIPathPrefixes = def.CIPathPrefixes
	}
	if cfg.DoneLabel == "" {
		cfg.DoneLabel = def.DoneLabel
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.MarkerRepairAttempts == 0 {
		cfg.MarkerRepairAttempts = def.MarkerRepairAttempts
	}
	if cfg.ProcessMaxAttempts == 0 {
		cfg.ProcessMaxAttempts = def.ProcessMaxAttempts
	}
	if cfg.PRCreateMaxAttempts == 0 {
		cfg.PRCreateMaxAttempts = def.PRCreateMaxAttempts
	}
	if cfg.PRCreateRetryBase == 0 {
		cfg.PRCreateRetryBase = def.PRCreateRetryBase
	}
	if cfg.PRCreateRetryMax == 0 {
		cfg.PRCreateRetryMax = def.PRCreateRetryMax
	}
	if cfg.LeaseWait == 0 {
		cfg.LeaseWait = def.LeaseWait
	}
	if cfg.LeasePollEvery == 0 {
		cfg.LeasePollEvery = def.LeasePollEvery
	}
	if cfg.CIPollBase == 0 {
		cfg.CIPollBase = def.CIPollBase
	}
	if cfg.CIPollCap == 0 {
		cfg.CIPollCap = def.CIPollCap
	}
	if cfg.CITimeout == 0 {
		cfg.CITimeout = def.CITimeout
	}
	if cfg.TriageMaxAttempts == 0 {
		cfg.TriageMaxAttempts = def.TriageMaxAttempts
	}
	if cfg.ThrottleBase == 0 {
		cfg.ThrottleBase = def.ThrottleBase
	}
	if cfg.ThrottleMax == 0 {
		cfg.ThrottleMax = def.ThrottleMax
	}
	if cfg.ConflictMaxRetries == 0 {
		cfg.ConflictMaxRetries = def.ConflictMaxRetries
	}
	if cfg.ParentVerifyMaxAttempts == 0 {
		cfg.ParentVerifyMaxAttempts = def.ParentVerifyMaxAttempts
	}
	if cfg.ParentVerifyBackoffBase == 0 {
		cfg.ParentVerifyBackoffBase = def.ParentVerifyBackoffBase
	}
	if cfg.ParentVerifyBackoffMax == 0 {
		cfg.ParentVerifyBackoffMax = def.ParentVerifyBackoffMax
	}

	if ports.Logger == nil {
		ports.Logger = slog.Default()
	}
	if ports.Clock == nil {
		ports.Clock = time.Now
	}
	if ports.Notifier == nil {
		ports.Notifier = notify.NopNotifier{}
	}
	if ports.Runner == nil {
		ports.Runner = git.NewExecRunner()
	}
	return &Worker{ports: ports, cfg: cfg, log: ports.Logger}
}

func (w *Worker) now() time.Time { return w.ports.Clock() }

// jitterSeed mixes a stable key with the attempt number. Seeding by
// attempt alone would re-align every poller at the same attempt count;
// the key spreads tasks apart while keeping each schedule reproducible.
func jitterSeed(key string, attempt int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d", key, attempt)
	return int64(h.Sum64())
}

// runCtx is the mutable state of one worker invocation. It lives for one
// Run call and is never shared across goroutines except the heartbeat,
// which only reads the task ID.
type runCtx struct {
	task *state.Task
	run  *state.Run
	pub  *events.PublishHelper
	host hosting.Provider
	wt   *git.Worktree

	slot  int
	issue *hosting.Issue

	base   string // base branch
	branch string // bot branch carrying the work

	sessionID string // builder session, survives across stages
	planPath  string
	evidence  *markers.BuildEvidence

	prNumber       int
	prURL          string
	prCreatedAt    string
	mergedSHA      string
	headSHA        string
	resolvedMerged bool

	completionKind string
	noPRReason     string

	// mergeRewinds counts merge → ci_wait bounces so provider-refused
	// merges cannot ping-pong forever.
	mergeRewinds int

	// Cause hints for the fail-closed evidence gate.
	policyDenied bool
	leaseStale   bool

	recoveryInvoked bool

	// fingerprints is the recent tool-invocation window feeding the
	// watchdog lane's loop detection.
	fingerprints []string
}

// stageResult is the non-failure outcome of a stage.
type stageResult int

const (
	// stageAdvance moves to the next stage.
	stageAdvance stageResult = iota
	// stageDone ends the invocation: the stage already recorded the
	// terminal disposition (completed, requeued, blocked, escalated).
	stageDone
	// stageRewindCI jumps back to ci_wait (branch updated, checks
	// restarted).
	stageRewindCI
	// stageJumpEvidence skips forward to pr_evidence: the canonical PR
	// is already merged, only the terminal bookkeeping remains.
	stageJumpEvidence
)

// disposition is what the recovery dispatch decided. Terminal
// dispositions record all their side effects before returning.
type disposition int

const (
	// dispRetryStage re-runs the failed stage immediately.
	dispRetryStage disposition = iota
	// dispRewindCI resumes the pipeline at ci_wait.
	dispRewindCI
	// dispStop ends the invocation; the terminal state is recorded.
	dispStop
	// dispAbort ends the invocation on an infrastructure error.
	dispAbort
)

type stageFn struct {
	name string
	fn   func(context.Context, *runCtx) (stageResult, error)
}

// Run drives one task through the pipeline to a terminal state. A nil
// return means the worker recorded a terminal disposition (completed,
// queued again, blocked, or escalated); an error means infrastructure
// failed underneath the run and the task's claim is left to expire.
func (w *Worker) Run(ctx context.Context, taskID int64, slot int) error {
	staleBefore := w.now().Add(-w.cfg.ClaimTTL)
	if err := w.ports.Store.ClaimTask(ctx, taskID, w.cfg.DaemonID, staleBefore); err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	task, err := w.ports.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	host, err := w.ports.Hosts(task.Repo)
	if err != nil {
		return fmt.Errorf("hosting provider for %s: %w", task.Repo, err)
	}

	run := &state.Run{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		AttemptKind: state.AttemptProcess,
		IssueLink:   task.Ref().String(),
		StartedAt:   w.now(),
	}
	if err := w.ports.Store.CreateRun(ctx, run); err != nil {
		return err
	}

	rc := &runCtx{
		task: task,
		run:  run,
		host: host,
		slot: slot,
		pub:  events.NewPublishHelper(w.ports.Events, task.Ref().String()).WithRunID(run.ID),
	}

	runnable, cancel := context.WithCancel(ctx)
	defer cancel()
	if w.cfg.HeartbeatEvery > 0 {
		go w.heartbeat(runnable, task.ID, cancel)
	}

	return w.pipeline(runnable, rc)
}

func (w *Worker) pipeline(ctx context.Context, rc *runCtx) error {
	stages := []stageFn{
		{StagePreflight, w.preflight},
		{StagePlan, w.plan},
		{StagePlanReview, w.planReview},
		{StageBuild, w.build},
		{StageProductReview, w.productReview},
		{StageDevexReview, w.devexReview},
		{StagePRCreate, w.prCreate},
		{StageCIWait, w.ciWait},
		{StageMerge, w.merge},
		{StagePREvidence, w.prEvidence},
	}
	ciIndex, evidenceIndex := 0, 0
	for i, st := range stages {
		switch st.name {
		case StageCIWait:
			ciIndex = i
		case StagePREvidence:
			evidenceIndex = i
		}
	}

	for i := 0; i < len(stages); i++ {
		st := stages[i]
		if err := ctx.Err(); err != nil {
			return w.abortRun(rc, st.name, err)
		}

		rc.pub.StageStarted(st.name)
		w.log.Info("stage", "task", rc.task.Ref().String(), "run", rc.run.ID, "stage", st.name)

		// Queued operator notes reach the builder session before the
		// stage resumes it.
		w.drainNudges(ctx, rc)

		res, err := st.fn(ctx, rc)
		if err != nil {
			rc.pub.StageFailed(st.name, err)
			switch w.dispatch(ctx, rc, st.name, err) {
			case dispRetryStage:
				i--
				continue
			case dispRewindCI:
				i = ciIndex - 1
				continue
			case dispStop:
				return nil
			case dispAbort:
				return w.abortRun(rc, st.name, err)
			}
		}

		rc.pub.StageCompleted(st.name)
		switch res {
		case stageDone:
			return nil
		case stageRewindCI:
			i = ciIndex - 1
		case stageJumpEvidence:
			i = evidenceIndex - 1
		}
	}

	return w.finish(ctx, rc)
}

// abortRun best-effort records a failed outcome when infrastructure broke
// underneath the run, then surfaces the original error.
func (w *Worker) abortRun(rc *runCtx, stage string, err error) error {
	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.ports.Store.CompleteRun(bg, rc.run.ID, state.RunCompletion{
		Outcome:   state.OutcomeFailed,
		Details:   fmt.Sprintf("%s: %v", stage, err),
		SessionID: rc.sessionID,
	})
	return fmt.Errorf("%s: %w", stage, err)
}

// heartbeat renews the claim until the run context ends. Losing the claim
// cancels the run: another daemon has taken the task over.
func (w *Worker) heartbeat(ctx context.Context, taskID int64, cancel context.CancelFunc) {
	t := time.NewTicker(w.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.ports.Store.Heartbeat(ctx, taskID, w.cfg.DaemonID); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Warn("claim lost, cancelling run", "task", taskID, "error", err)
				cancel()
				return
			}
		}
	}
}

// finish is the done stage: record the successful outcome, clear the
// task's run-scoped fields, and best-effort delete a merged human branch.
func (w *Worker) finish(ctx context.Context, rc *runCtx) error {
	err := w.ports.Store.CompleteRun(ctx, rc.run.ID, state.RunCompletion{
		Outcome:        state.OutcomeSuccess,
		PRUrl:          rc.prURL,
		CompletionKind: rc.completionKind,
		Details:        "pipeline completed",
		SessionID:      rc.sessionID,
	})
	if err != nil {
		return err
	}

	now := w.now()
	empty := ""
	zero := 0
	err = w.ports.Store.UpdateTaskStatus(ctx, rc.task.ID, state.TaskInProgress, state.TaskCompleted, &state.TaskPatch{
		SessionID:       &empty,
		WorktreePath:    &empty,
		WatchdogRetries: &zero,
		StallRetries:    &zero,
		CompletedAt:     &now,
	})
	if err != nil {
		return err
	}

	w.labelCompleted(ctx, rc)
	w.deleteMergedBranch(ctx, rc)
	w.log.Info("task completed", "task", rc.task.Ref().String(), "run", rc.run.ID,
		"pr", rc.prURL, "recovered", rc.recoveryInvoked)
	return nil
}

// labelCompleted adds the done label to the issue. Completion posts no
// comment; the label is the whole writeback, and failure only logs.
func (w *Worker) labelCompleted(ctx context.Context, rc *runCtx) {
	if w.cfg.DoneLabel == "" {
		return
	}
	if err := rc.host.AddIssueLabels(ctx, rc.task.IssueNumber, []string{w.cfg.DoneLabel}); err != nil {
		w.log.Warn("done label failed", "task", rc.task.Ref().String(), "error", err)
	}
}

// finishVerified completes the run and task for a parent whose children
// already satisfied it: a success with no PR but a recognized reason.
func (w *Worker) finishVerified(ctx context.Context, rc *runCtx, reason, details string) (stageResult, error) {
	err := w.ports.Store.CompleteRun(ctx, rc.run.ID, state.RunCompletion{
		Outcome:            state.OutcomeSuccess,
		CompletionKind:     state.CompletionVerified,
		NoPRTerminalReason: reason,
		Details:            details,
		SessionID:          rc.sessionID,
	})
	if err != nil {
		return stageDone, err
	}

	now := w.now()
	empty := ""
	zero := 0
	err = w.ports.Store.UpdateTaskStatus(ctx, rc.task.ID, state.TaskInProgress, state.TaskCompleted, &state.TaskPatch{
		SessionID:       &empty,
		WorktreePath:    &empty,
		WatchdogRetries: &zero,
		StallRetries:    &zero,
		CompletedAt:     &now,
	})
	if err != nil {
		return stageDone, err
	}
	w.labelCompleted(ctx, rc)
	w.log.Info("task completed without PR", "task", rc.task.Ref().String(), "reason", reason)
	return stageDone, nil
}

// deleteMergedBranch removes the merged PR's head branch when it is safe:
// merged, same-repo, not a bot or default branch, and nobody pushed to it
// since the merge. Failures only log; the task is already complete.
func (w *Worker) deleteMergedBranch(ctx context.Context, rc *runCtx) {
	if rc.prNumber == 0 || rc.mergedSHA == "" || rc.wt == nil {
		return
	}
	pr, err := rc.host.GetPR(ctx, rc.prNumber)
	if err != nil || pr.State != "merged" || pr.CrossRepo {
		return
	}
	branch := pr.HeadBranch
	if branch == "" || git.IsBotBranch(branch) {
		return
	}
	def, err := rc.wt.Repo.DefaultBranch(ctx)
	if err != nil || branch == def {
		return
	}
	remote, err := rc.wt.Repo.RemoteSHA(ctx, branch)
	if err != nil || remote == "" || remote != rc.headSHA {
		return
	}
	if err := rc.host.DeleteBranch(ctx, branch); err != nil {
		w.log.Warn("merged branch delete failed", "task", rc.task.Ref().String(), "branch", branch, "error", err)
		return
	}
	w.log.Info("deleted merged branch", "task", rc.task.Ref().String(), "branch", branch)
}

// requeueTask returns the task to the queue after a failed but retriable
// run. The session and worktree stick around so the next run resumes.
func (w *Worker) requeueTask(ctx context.Context, rc *runCtx, details string, patch *state.TaskPatch) error {
	err := w.ports.Store.CompleteRun(ctx, rc.run.ID, state.RunCompletion{
		Outcome:   state.OutcomeFailed,
		Details:   details,
		SessionID: rc.sessionID,
	})
	if err != nil {
		return err
	}
	return w.ports.Store.UpdateTaskStatus(ctx, rc.task.ID, state.TaskInProgress, state.TaskQueued, patch)
}

// blockTask parks the task until its source clears. At most one blocked
// comment per source transition.
func (w *Worker) blockTask(ctx context.Context, rc *runCtx, source, reason string) error {
	type blockedState struct {
		Source string `json:"source"`
	}
	changed, err := w.ensureComment(ctx, rc, markers.KindBlocked, blockedState{Source: source},
		fmt.Sprintf("ralph blocked this task (source: %s).\n\n%s", source, reason))
	if err != nil {
		w.log.Warn("blocked comment failed", "task", rc.task.Ref().String(), "error", err)
	}

	if err := w.ports.Store.CompleteRun(ctx, rc.run.ID, state.RunCompletion{
		Outcome:   state.OutcomeFailed,
		Details:   fmt.Sprintf("blocked (%s): %s", source, reason),
		SessionID: rc.sessionID,
	}); err != nil {
		return err
	}

	err = w.ports.Store.UpdateTaskStatus(ctx, rc.task.ID, state.TaskInProgress, state.TaskBlocked, &state.TaskPatch{
		BlockedSource: &source,
		BlockedReason: &reason,
	})
	if err != nil {
		return err
	}

	if changed {
		w.notify(ctx, rc, notify.KindBlocked, fmt.Sprintf("blocked: %s", source), reason)
	}
	w.log.Warn("task blocked", "task", rc.task.Ref().String(), "source", source, "reason", reason)
	return nil
}

// escalateTask hands the task to a human: escalation comment (once per
// cause), escalated outcome and status, one notification.
func (w *Worker) escalateTask(ctx context.Context, rc *runCtx, cause, details string) error {
	type escalationState struct {
		Cause string `json:"cause"`
	}
	changed, err := w.ensureComment(ctx, rc, markers.KindEscalation, escalationState{Cause: cause},
		fmt.Sprintf("ralph escalated this task to a human (cause: %s).\n\n%s", cause, details))
	if err != nil {
		w.log.Warn("escalation comment failed", "task", rc.task.Ref().String(), "error", err)
	}

	if err := w.ports.Store.CompleteRun(ctx, rc.run.ID, state.RunCompletion{
		Outcome:   state.OutcomeEscalated,
		Details:   fmt.Sprintf("%s: %s", cause, details),
		SessionID: rc.sessionID,
	}); err != nil {
		return err
	}

	err = w.ports.Store.UpdateTaskStatus(ctx, rc.task.ID, state.TaskInProgress, state.TaskEscalated, &state.TaskPatch{
		BlockedSource: &cause,
		BlockedReason: &details,
	})
	if err != nil {
		return err
	}

	if changed {
		w.notify(ctx, rc, notify.KindEscalation, fmt.Sprintf("escalated: %s", cause), details)
	}
	w.log.Error("task escalated", "task", rc.task.Ref().String(), "cause", cause)
	return nil
}

func (w *Worker) notify(ctx context.Context, rc *runCtx, kind notify.Kind, title, body string) {
	url := rc.prURL
	if url == "" && rc.issue != nil {
		url = rc.issue.HTMLURL
	}
	err := w.ports.Notifier.Notify(ctx, notify.Notification{
		Kind:        kind,
		Repo:        rc.task.Repo,
		IssueNumber: rc.task.IssueNumber,
		TaskID:      rc.task.ID,
		RunID:       rc.run.ID,
		Title:       fmt.Sprintf("%s: %s", rc.task.Ref().String(), title),
		Body:        body,
		URL:         url,
	})
	if err != nil {
		w.log.Warn("notification delivery failed", "task", rc.task.Ref().String(), "kind", string(kind), "error", err)
	}
}

// errLostClaim distinguishes a stolen claim from other conflicts.
var errLostClaim = errors.New("task claim lost")
