package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// transportError marks a failure of the sdk transport itself (dial errors,
// bad status before the stream opens) as opposed to an agent-level failure.
// sdk-preferred falls back to cli on transport errors only; once a stream
// has opened the run may have side effects, so later failures never retry
// on another transport.
type transportError struct{ err error }

func (e *transportError) Error() string { return "agent transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// runSDK drives a long-lived `agent serve` endpoint. The response body
// streams the same line-delimited JSON events as the cli transport's
// stdout; abort is an HTTP call instead of a signal.
func (a *Adapter) runSDK(ctx context.Context, inv invocation) (*Result, error) {
	if inv.opts.XDG != nil {
		if err := inv.opts.XDG.Ensure(); err != nil {
			return nil, fmt.Errorf("isolate agent dirs: %w", err)
		}
	}

	sid := inv.sessionID
	if sid == "" {
		created, err := a.createSession(ctx, inv)
		if err != nil {
			return nil, err
		}
		sid = created
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	payload, err := json.Marshal(map[string]string{
		"text":  inv.prompt,
		"agent": inv.agent,
	})
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		a.serveURL+"/session/"+sid+"/message", bytes.NewReader(payload))
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("send prompt: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("send prompt: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &transportError{err: fmt.Errorf("send prompt: HTTP %d", resp.StatusCode)}
	}

	mon := newMonitor(inv.opts.Thresholds, inv.opts.Step, a.log)
	st := newStreamer(inv.opts.OnEvent, mon)

	monCtx, stopMon := context.WithCancel(context.Background())
	defer stopMon()
	go mon.run(monCtx)

	start := time.Now()
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		st.consume(resp.Body)
	}()

	var timeoutCh <-chan time.Time
	if inv.opts.Timeout > 0 {
		timer := time.NewTimer(inv.opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	res := &Result{SessionID: sid}

	select {
	case <-doneCh:
	case tr := <-mon.trips():
		source := a.abortSDK(sid)
		if source != SourceAbort {
			cancelStream()
		}
		select {
		case <-doneCh:
		case <-time.After(abortGrace):
			cancelStream()
			<-doneCh
			if source == SourceAbort {
				source = SourceKillFallback
			}
		}
		applyTrip(res, tr, source)
		a.log.Warn("agent terminated by monitor",
			"step", inv.opts.Step,
			"source", source,
			"tool", tr.tool)
	case <-timeoutCh:
		a.log.Warn("agent hit wall-clock timeout",
			"step", inv.opts.Step,
			"timeout", inv.opts.Timeout)
		_ = a.abortSDK(sid)
		cancelStream()
		<-doneCh
		res.ExitCode = ExitTimeout
	case <-ctx.Done():
		cancelStream()
		<-doneCh
		return nil, ctx.Err()
	}

	res.Duration = time.Since(start)
	res.Output = st.output()
	st.fill(res)

	res.Success = res.ExitCode == 0 && res.ErrorCode == "" &&
		res.WatchdogTimeout == nil && res.StallTimeout == nil && res.LoopTrip == nil
	if !res.Success && res.ExitCode == 0 {
		res.ExitCode = 1
	}
	return res, nil
}

func (a *Adapter) createSession(ctx context.Context, inv invocation) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"agent":     inv.agent,
		"directory": inv.worktree,
	})
	if err != nil {
		return "", fmt.Errorf("encode session request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.serveURL+"/session", bytes.NewReader(payload))
	if err != nil {
		return "", &transportError{err: fmt.Errorf("create session: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", &transportError{err: fmt.Errorf("create session: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &transportError{err: fmt.Errorf("create session: HTTP %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &transportError{err: fmt.Errorf("create session: read response: %w", err)}
	}
	sid := gjson.GetBytes(data, "id").String()
	if sid == "" {
		return "", &transportError{err: fmt.Errorf("create session: response carries no id")}
	}
	return sid, nil
}

// abortSDK asks the server to wind the session down cooperatively. The
// caller cancels the stream itself if the session keeps talking.
func (a *Adapter) abortSDK(sid string) string {
	abortCtx, cancel := context.WithTimeout(context.Background(), abortGrace)
	defer cancel()

	req, err := http.NewRequestWithContext(abortCtx, http.MethodPost,
		a.serveURL+"/session/"+sid+"/abort", nil)
	if err != nil {
		return SourceKillFallback
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return SourceKillFallback
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		return SourceAbort
	}
	return SourceKillFallback
}
