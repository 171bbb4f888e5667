// Package cli implements the ralph command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ralph/internal/bootstrap"
	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/state"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show queue and throttle state",
		Long: `Show the task queue, the throttle gate, and per-repo sync health.

Sections are ordered by how much they need you: escalated tasks first,
then blocked, running, and queued. Completed tasks only show a count.

Examples:
  ralph status
  ralph status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			rt, err := bootstrap.New(runtimeOptions())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			return showStatus(cmd.Context(), rt, cmd.OutOrStdout())
		},
	}

	return cmd
}

// statusSnapshot is the --json shape.
type statusSnapshot struct {
	Gate     string             `json:"gate"`
	Reason   string             `json:"reason,omitempty"`
	Until    string             `json:"until,omitempty"`
	History  []throttleEvent    `json:"history,omitempty"`
	Counts   map[string]int     `json:"counts"`
	Tasks    []state.Task       `json:"tasks,omitempty"`
	Leases   []leaseSnapshot    `json:"leases,omitempty"`
	Repos    []repoSyncSnapshot `json:"repos,omitempty"`
	Snapshot time.Time          `json:"snapshot"`
}

type throttleEvent struct {
	Gate   string    `json:"gate"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type leaseSnapshot struct {
	Key   string    `json:"key"`
	Scope string    `json:"scope"`
	Since time.Time `json:"since"`
}

type repoSyncSnapshot struct {
	Repo     string     `json:"repo"`
	LastSync *time.Time `json:"last_sync,omitempty"`
	Failures int        `json:"failures"`
	Labelled int        `json:"labelled"`
}

func showStatus(ctx context.Context, rt *bootstrap.Runtime, out io.Writer) error {
	now := time.Now()

	counts, err := rt.Store.CountTasksByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}

	throttle, err := rt.Store.LatestThrottle(ctx)
	if err != nil {
		return fmt.Errorf("read throttle: %w", err)
	}
	gate := state.ThrottleRunning
	reason, until := "", ""
	if throttle != nil {
		gate = throttle.Gate
		reason = throttle.Reason
		if throttle.UntilMs > 0 {
			until = time.UnixMilli(throttle.UntilMs).Format(time.RFC3339)
		}
	}

	var history []throttleEvent
	snaps, err := rt.Store.ListThrottleHistory(ctx, 5)
	if err != nil {
		return fmt.Errorf("read throttle history: %w", err)
	}
	for _, s := range snaps {
		history = append(history, throttleEvent{Gate: s.Gate, Reason: s.Reason, At: s.CreatedAt})
	}

	var leases []leaseSnapshot
	held, err := rt.Store.ListIdempotencyKeys(ctx, "")
	if err != nil {
		return fmt.Errorf("read leases: %w", err)
	}
	for _, r := range held {
		leases = append(leases, leaseSnapshot{Key: r.Key, Scope: r.Scope, Since: r.CreatedAt})
	}

	active, _, err := rt.Store.ListTasks(ctx, state.TaskFilter{Statuses: []state.TaskStatus{
		state.TaskEscalated, state.TaskBlocked, state.TaskInProgress, state.TaskQueued,
	}})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	var repos []repoSyncSnapshot
	for _, rc := range rt.Config.Repos {
		rs, err := rt.Store.GetRepoSync(ctx, rc.Name)
		if err != nil {
			return fmt.Errorf("read repo sync: %w", err)
		}
		snap := repoSyncSnapshot{Repo: rc.Name}
		if rs != nil {
			snap.LastSync = rs.LastSyncAt
			snap.Failures = rs.Failures
		}
		labelled, err := rt.Store.ListOpenIssuesWithLabel(ctx, rc.Name, rt.Config.RepoLabel(rc.Name))
		if err != nil {
			return fmt.Errorf("read labelled issues: %w", err)
		}
		snap.Labelled = len(labelled)
		repos = append(repos, snap)
	}

	if jsonOut {
		byStatus := make(map[string]int, len(counts))
		for st, n := range counts {
			byStatus[string(st)] = n
		}
		return printJSON(out, statusSnapshot{
			Gate:     gate,
			Reason:   reason,
			Until:    until,
			History:  history,
			Counts:   byStatus,
			Tasks:    active,
			Leases:   leases,
			Repos:    repos,
			Snapshot: now,
		})
	}

	// Gate line first: it explains why nothing may be starting.
	switch gate {
	case state.ThrottleRunning:
		fmt.Fprintln(out, "Gate: running")
	default:
		line := fmt.Sprintf("Gate: %s", gate)
		if reason != "" {
			line += fmt.Sprintf(" (%s)", reason)
		}
		if until != "" {
			line += " until " + until
		}
		fmt.Fprintln(out, line)
	}
	if len(history) > 1 {
		fmt.Fprintln(out, "Recent gate changes:")
		for _, ev := range history {
			line := "  " + ev.Gate
			if ev.Reason != "" {
				line += " (" + ev.Reason + ")"
			}
			fmt.Fprintf(out, "%s %s\n", line, formatAge(ev.At, now))
		}
	}
	fmt.Fprintln(out)

	byStatus := map[state.TaskStatus][]state.Task{}
	for _, t := range active {
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if esc := byStatus[state.TaskEscalated]; len(esc) > 0 {
		fmt.Fprintln(out, "ESCALATED (needs a human)")
		for _, t := range esc {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", t.Ref(), truncate(t.Title, 40), t.BlockedReason)
		}
		_ = w.Flush()
		fmt.Fprintln(out)
	}

	if blocked := byStatus[state.TaskBlocked]; len(blocked) > 0 {
		fmt.Fprintln(out, "BLOCKED")
		for _, t := range blocked {
			fmt.Fprintf(w, "  %s\t%s\t%s: %s\n", t.Ref(), truncate(t.Title, 40), t.BlockedSource, t.BlockedReason)
		}
		_ = w.Flush()
		fmt.Fprintln(out)
	}

	if running := byStatus[state.TaskInProgress]; len(running) > 0 {
		fmt.Fprintln(out, "RUNNING")
		for _, t := range running {
			age := ""
			if t.HeartbeatAt != nil {
				age = formatAge(*t.HeartbeatAt, now)
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.Ref(), truncate(t.Title, 40), t.DaemonID, age)
		}
		_ = w.Flush()
		fmt.Fprintln(out)
	}

	if queued := byStatus[state.TaskQueued]; len(queued) > 0 {
		fmt.Fprintf(out, "QUEUED (%d)\n", len(queued))
		for _, t := range queued {
			fmt.Fprintf(w, "  %s\t%s\tband %d\n", t.Ref(), truncate(t.Title, 45), t.Priority)
		}
		_ = w.Flush()
		fmt.Fprintln(out)
	}

	if n := counts[state.TaskCompleted]; n > 0 {
		fmt.Fprintf(out, "Completed: %d\n\n", n)
	}

	if len(active) == 0 {
		fmt.Fprintln(out, "No active tasks. Label issues with", rt.Config.Label, "to queue work.")
		fmt.Fprintln(out)
	}

	if len(leases) > 0 {
		fmt.Fprintln(out, "Held leases:")
		for _, l := range leases {
			fmt.Fprintf(w, "  %s\t%s\theld %s\n", l.Key, l.Scope, formatAge(l.Since, now))
		}
		_ = w.Flush()
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Repos:")
	for _, r := range repos {
		switch {
		case r.LastSync == nil:
			fmt.Fprintf(w, "  %s\tnever synced\t%d labelled\n", r.Repo, r.Labelled)
		case r.Failures > 0:
			fmt.Fprintf(w, "  %s\tsynced %s\t%d labelled\t%d consecutive failures\n", r.Repo, formatAge(*r.LastSync, now), r.Labelled, r.Failures)
		default:
			fmt.Fprintf(w, "  %s\tsynced %s\t%d labelled\n", r.Repo, formatAge(*r.LastSync, now), r.Labelled)
		}
	}
	_ = w.Flush()

	return nil
}
