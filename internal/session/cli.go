package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Watchdog source labels recorded on terminated results.
const (
	// SourceAbort means the cooperative abort landed and the agent wound
	// down on its own.
	SourceAbort = "session.abort"
	// SourceKillFallback means the cooperative abort did not land inside
	// the grace window and the process group was killed.
	SourceKillFallback = "session.abort-failed->kill-fallback"
	// SourceToolWatchdog means no cooperative abort was available and the
	// watchdog killed the group directly.
	SourceToolWatchdog = "tool-watchdog"
)

// abortGrace is how long a cooperative abort may take before the group is
// killed. Variable so tests can shorten it.
var abortGrace = 10 * time.Second

func cliArgs(inv invocation) []string {
	args := []string{"run"}
	if inv.agent != "" {
		args = append(args, "--agent", inv.agent)
	}
	if inv.sessionID != "" {
		args = append(args, "--continue", inv.sessionID)
	}
	return append(args, "--format", "json", inv.prompt)
}

// runCLI spawns the agent binary and supervises it until exit, monitor
// trip, wall-clock timeout, or context cancellation.
func (a *Adapter) runCLI(ctx context.Context, inv invocation) (*Result, error) {
	if inv.opts.XDG != nil {
		if err := inv.opts.XDG.Ensure(); err != nil {
			return nil, fmt.Errorf("isolate agent dirs: %w", err)
		}
	}

	cmd := exec.Command(a.agentBin, cliArgs(inv)...)
	cmd.Dir = inv.worktree
	cmd.Env = buildEnv(inv.opts)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	mon := newMonitor(inv.opts.Thresholds, inv.opts.Step, a.log)
	st := newStreamer(inv.opts.OnEvent, mon)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	a.log.Debug("agent started",
		"step", inv.opts.Step,
		"pid", cmd.Process.Pid,
		"continue", inv.sessionID != "")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		st.consume(stdout)
	}()
	go func() {
		defer readers.Done()
		st.consumeErr(stderr)
	}()

	monCtx, stopMon := context.WithCancel(context.Background())
	defer stopMon()
	go mon.run(monCtx)

	// Readers must drain before Wait closes the pipes.
	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if inv.opts.Timeout > 0 {
		timer := time.NewTimer(inv.opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	res := &Result{}
	var waitErr error

	select {
	case waitErr = <-waitCh:
	case tr := <-mon.trips():
		source := a.terminate(cmd, waitCh, &waitErr)
		applyTrip(res, tr, source)
		a.log.Warn("agent terminated by monitor",
			"step", inv.opts.Step,
			"source", source,
			"tool", tr.tool)
	case <-timeoutCh:
		a.log.Warn("agent hit wall-clock timeout",
			"step", inv.opts.Step,
			"timeout", inv.opts.Timeout)
		a.kill(cmd)
		waitErr = <-waitCh
		res.ExitCode = ExitTimeout
	case <-ctx.Done():
		// Shutdown ladder: cooperative interrupt first, group kill when
		// the grace elapses.
		_ = a.terminate(cmd, waitCh, &waitErr)
		return nil, ctx.Err()
	}

	res.Duration = time.Since(start)
	res.Output = st.output()
	st.fill(res)
	if res.SessionID == "" {
		res.SessionID = inv.sessionID
	}
	if res.ExitCode == 0 {
		res.ExitCode = exitCode(waitErr)
	}
	res.Success = waitErr == nil && res.ExitCode == 0 &&
		res.WatchdogTimeout == nil && res.StallTimeout == nil && res.LoopTrip == nil

	if !res.Success {
		a.log.Debug("agent run failed",
			"step", inv.opts.Step,
			"exit_code", res.ExitCode,
			"error_code", res.ErrorCode,
			"stderr_tail", tail(st.errTail(), 500))
	}
	return res, nil
}

// terminate aborts a running agent: cooperative interrupt of the process
// group first, hard kill if the group does not wind down inside the grace
// window. Returns the source label for the result.
func (a *Adapter) terminate(cmd *exec.Cmd, waitCh <-chan error, waitErr *error) string {
	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}

	if err := interruptGroup(pid); err == nil {
		select {
		case *waitErr = <-waitCh:
			return SourceAbort
		case <-time.After(abortGrace):
			a.kill(cmd)
			*waitErr = <-waitCh
			return SourceKillFallback
		}
	}

	a.kill(cmd)
	*waitErr = <-waitCh
	return SourceToolWatchdog
}

// kill takes the process group down, falling back to the direct child when
// group signalling is unavailable.
func (a *Adapter) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := killGroup(pid); err != nil {
		if killErr := cmd.Process.Kill(); killErr != nil {
			// ESRCH when the process already exited; nothing to clean.
			a.log.Debug("process cleanup", "pid", pid, "error", killErr)
		}
	}
}

func applyTrip(res *Result, tr trip, source string) {
	switch tr.kind {
	case tripWatchdog:
		res.WatchdogTimeout = &WatchdogTimeout{
			Source:      source,
			Tool:        tr.tool,
			ArgsPreview: tr.argsPreview,
			Elapsed:     tr.elapsed,
		}
	case tripStall:
		res.StallTimeout = &StallTimeout{Source: source, Idle: tr.idle}
	case tripLoop:
		res.LoopTrip = &LoopTrip{
			Source:      source,
			Tool:        tr.tool,
			ArgsPreview: tr.argsPreview,
			Count:       tr.count,
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
