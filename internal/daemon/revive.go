package daemon

import (
	"context"
	"time"

	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/state"
	"github.com/randalmurphal/ralph/internal/worker"
)

// blockedSourceQuarantine matches what CI triage writes when it parks a
// task behind a backoff window.
const blockedSourceQuarantine = "quarantine"

// sweep runs the slow-cadence maintenance pass: quarantined tasks whose
// window elapsed go back to the queue, parents with a due verification
// come back so the pre-flight gate can run it, and orphaned worktrees
// from dead runs are removed.
func (d *Daemon) sweep(now time.Time) {
	d.reviveQuarantined(now)
	d.reviveDueVerifications(now)
	d.cleanOrphans()
}

// reviveQuarantined requeues blocked tasks whose quarantine resume time
// passed. The resume time is the RFC3339 timestamp triage stored in the
// task's blocked details.
func (d *Daemon) reviveQuarantined(now time.Time) {
	blocked, _, err := d.store.ListTasks(d.ctx, state.TaskFilter{
		Statuses: []state.TaskStatus{state.TaskBlocked},
	})
	if err != nil {
		d.log.Warn("list blocked failed", "error", err)
		return
	}

	for i := range blocked {
		t := &blocked[i]
		if t.BlockedSource != blockedSourceQuarantine || t.BlockedDetails == "" {
			continue
		}
		resume, err := time.Parse(time.RFC3339, t.BlockedDetails)
		if err != nil {
			d.log.Warn("unparseable quarantine resume time",
				"task", t.Ref().String(), "details", t.BlockedDetails)
			continue
		}
		if now.Before(resume) {
			continue
		}
		d.reviveTask(d.ctx, t, "quarantine window elapsed")
	}
}

// reviveDueVerifications requeues parent tasks whose pending verification
// came due while the task sat blocked or completed. The verify gate only
// runs when a task is scheduled, so a child that closed after its parent
// finished would otherwise never trigger the check. Queued and in-progress
// tasks reach the gate on their own; escalated ones stay with the human.
func (d *Daemon) reviveDueVerifications(now time.Time) {
	maxAttempts := 0
	for i := range d.cfg.Repos {
		if n := d.deps.WorkerConfig(d.cfg.Repos[i].Name).ParentVerifyMaxAttempts; n > maxAttempts {
			maxAttempts = n
		}
	}
	if maxAttempts == 0 {
		maxAttempts = worker.DefaultConfig().ParentVerifyMaxAttempts
	}

	due, err := d.store.ListDueParentVerifications(d.ctx, now.UnixMilli(), maxAttempts)
	if err != nil {
		d.log.Warn("list due verifications failed", "error", err)
		return
	}
	for i := range due {
		pv := &due[i]
		t, err := d.store.GetTaskByIssue(d.ctx, pv.Repo, pv.IssueNumber)
		if err != nil {
			d.log.Warn("verification task lookup failed",
				"repo", pv.Repo, "issue", pv.IssueNumber, "error", err)
			continue
		}
		if t == nil {
			continue
		}
		if t.Status == state.TaskBlocked || t.Status == state.TaskCompleted {
			d.reviveTask(d.ctx, t, "parent verification due")
		}
	}
}

// reviveTask returns a parked or finished task to the queue. Leaving
// blocked clears the blocked fields in the store; leaving escalated or
// completed clears them explicitly since those transitions do not.
func (d *Daemon) reviveTask(ctx context.Context, t *state.Task, why string) {
	var err error
	switch t.Status {
	case state.TaskBlocked:
		err = d.store.UpdateTaskStatus(ctx, t.ID, t.Status, state.TaskQueued, nil)
	case state.TaskEscalated, state.TaskCompleted:
		empty := ""
		err = d.store.UpdateTaskStatus(ctx, t.ID, t.Status, state.TaskQueued, &state.TaskPatch{
			BlockedSource:  &empty,
			BlockedReason:  &empty,
			BlockedDetails: &empty,
		})
	default:
		return
	}
	if err != nil {
		d.log.Warn("revive failed", "task", t.Ref().String(), "error", err)
		return
	}

	d.log.Info("task revived", "task", t.Ref().String(), "was", string(t.Status), "why", why)
	d.publish(events.NewEvent(events.EventTaskStatus, t.Ref().String(), events.StatusUpdate{
		From: string(t.Status),
		To:   string(state.TaskQueued),
	}))
}

// cleanOrphans removes managed worktrees no live task owns. A path is
// live while an in-progress task (or one of this daemon's flights) still
// points at it.
func (d *Daemon) cleanOrphans() {
	if d.deps.Ports.Git == nil {
		return
	}

	running, _, err := d.store.ListTasks(d.ctx, state.TaskFilter{
		Statuses: []state.TaskStatus{state.TaskInProgress},
	})
	if err != nil {
		d.log.Warn("list in-progress failed", "error", err)
		return
	}
	live := make(map[string]bool, len(running))
	for i := range running {
		if p := running[i].WorktreePath; p != "" {
			live[p] = true
		}
	}
	d.mu.Lock()
	for _, fl := range d.inFlight {
		if p := fl.task.WorktreePath; p != "" {
			live[p] = true
		}
	}
	d.mu.Unlock()

	removed, err := d.deps.Ports.Git.CleanupOrphans(d.ctx, func(path string) bool {
		return live[path]
	})
	if err != nil {
		d.log.Warn("worktree cleanup failed", "error", err)
		return
	}
	for _, path := range removed {
		d.log.Info("removed orphaned worktree", "path", path)
	}
}
