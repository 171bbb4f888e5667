package daemon

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/scheduler"
	"github.com/randalmurphal/ralph/internal/state"
	"github.com/randalmurphal/ralph/internal/worker"
)

// flight is one running worker: its task snapshot at dispatch, the cancel
// that pauses it, and the scheduler permits it holds until exit.
type flight struct {
	task      state.Task
	slot      int
	startedAt time.Time
	cancel    context.CancelFunc
	start     *scheduler.Start
}

// pick assembles the scheduler's tick input and returns the granted
// starts. Eligible tasks are the queued set plus in-progress tasks whose
// claim heartbeat went stale (their daemon died; ClaimTask's stale path
// reclaims them). Tasks deferred by a pending parent verification stay
// out so claims do not churn against the backoff window.
func (d *Daemon) pick(now time.Time, gate string) []*scheduler.Start {
	tasks, err := d.store.ListSchedulable(d.ctx)
	if err != nil {
		d.log.Warn("list schedulable failed", "error", err)
		return nil
	}
	tasks = append(tasks, d.staleInProgress(now)...)
	tasks = d.filterVerifyDeferred(tasks, now)

	d.mu.Lock()
	inFlight := make(map[int64]bool, len(d.inFlight))
	for id := range d.inFlight {
		inFlight[id] = true
	}
	d.mu.Unlock()

	return d.sched.Pick(scheduler.Tick{Tasks: tasks, InFlight: inFlight, Gate: gate})
}

// staleInProgress returns in-progress tasks abandoned by a dead daemon:
// heartbeat missing or older than the claim TTL.
func (d *Daemon) staleInProgress(now time.Time) []state.Task {
	running, _, err := d.store.ListTasks(d.ctx, state.TaskFilter{
		Statuses: []state.TaskStatus{state.TaskInProgress},
	})
	if err != nil {
		d.log.Warn("list in-progress failed", "error", err)
		return nil
	}

	staleBefore := now.Add(-d.claimTTL())
	var stale []state.Task
	for _, t := range running {
		if t.HeartbeatAt != nil && !t.HeartbeatAt.Before(staleBefore) {
			continue
		}
		stale = append(stale, t)
	}
	return stale
}

// claimTTL mirrors the TTL workers heartbeat under so both sides agree on
// when a claim is stale.
func (d *Daemon) claimTTL() time.Duration {
	if len(d.cfg.Repos) > 0 {
		if ttl := d.deps.WorkerConfig(d.cfg.Repos[0].Name).ClaimTTL; ttl > 0 {
			return ttl
		}
	}
	return worker.DefaultConfig().ClaimTTL
}

// filterVerifyDeferred drops tasks whose parent verification is pending
// but not yet due, or currently running under another claim. A worker
// started for such a task would requeue it immediately.
func (d *Daemon) filterVerifyDeferred(tasks []state.Task, now time.Time) []state.Task {
	nowMs := now.UnixMilli()
	kept := tasks[:0]
	for _, t := range tasks {
		pv, err := d.store.GetParentVerification(d.ctx, t.Repo, t.IssueNumber)
		if err != nil {
			d.log.Warn("parent verification lookup failed", "task", t.Ref().String(), "error", err)
			continue
		}
		if pv != nil {
			if pv.Status == state.ParentVerifyRunning {
				continue
			}
			if pv.Status == state.ParentVerifyPending && pv.NextAttemptAtMs > nowMs {
				continue
			}
		}
		kept = append(kept, t)
	}
	return kept
}

// dispatch launches one worker goroutine per granted start.
func (d *Daemon) dispatch(starts []*scheduler.Start) {
	for _, st := range starts {
		task := st.Task
		fctx, fcancel := context.WithCancel(d.ctx)
		fl := &flight{
			task:      task,
			startedAt: d.now(),
			cancel:    fcancel,
			start:     st,
		}

		d.mu.Lock()
		if _, dup := d.inFlight[task.ID]; dup {
			d.mu.Unlock()
			fcancel()
			st.Release()
			continue
		}
		for _, other := range d.inFlight {
			if other.task.Repo == task.Repo {
				fl.slot++
			}
		}
		d.inFlight[task.ID] = fl
		d.mu.Unlock()

		d.workWG.Add(1)
		go d.runWorker(fctx, fl)
	}
}

// runWorker drives one worker to completion and returns its permits.
func (d *Daemon) runWorker(ctx context.Context, fl *flight) {
	defer d.workWG.Done()
	defer fl.start.Release()
	defer d.forget(fl.task.ID)

	ref := fl.task.Ref().String()
	d.publish(events.NewEvent(events.EventTaskClaimed, ref, events.StatusUpdate{
		From: string(fl.task.Status),
		To:   string(state.TaskInProgress),
	}))
	d.log.Info("worker started", "task", ref, "slot", fl.slot, "priority", fl.task.Priority)

	w := worker.New(d.deps.Ports, d.deps.WorkerConfig(fl.task.Repo))
	if err := w.Run(ctx, fl.task.ID, fl.slot); err != nil {
		switch {
		case errors.Is(err, state.ErrConflict):
			// Another claim won the race; nothing started.
			d.log.Debug("claim lost", "task", ref)
		case ctx.Err() != nil:
			d.log.Info("worker cancelled", "task", ref)
		default:
			d.log.Error("worker failed", "task", ref, "error", err)
			d.publish(events.NewEvent(events.EventError, ref, events.ErrorData{Message: err.Error()}))
		}
		return
	}
	d.log.Info("worker finished", "task", ref)
}

func (d *Daemon) forget(taskID int64) {
	d.mu.Lock()
	fl := d.inFlight[taskID]
	delete(d.inFlight, taskID)
	d.mu.Unlock()
	if fl != nil {
		fl.cancel()
	}
}

// cancelInFlight pauses every running worker at its next stage boundary.
func (d *Daemon) cancelInFlight() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fl := range d.inFlight {
		fl.cancel()
	}
}

func sortInFlight(tasks []InFlightTask) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
}
