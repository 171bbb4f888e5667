// Package cli implements the ralph command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ralph/internal/bootstrap"
	"github.com/randalmurphal/ralph/internal/config"
	ralpherr "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/state"
)

// newTasksCmd creates the tasks command with subcommands.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "Inspect tracked tasks",
		Long: `Inspect the tasks ralph tracks, one per labelled issue.

Subcommands:
  list   List tasks, optionally filtered
  show   Show one task with its runs and pull request
  nudge  Queue an operator note for a task's agent session
  retry  Requeue a blocked, escalated, or completed task

Examples:
  ralph tasks list
  ralph tasks list --repo acme/widgets --status blocked
  ralph tasks show acme/widgets#12
  ralph tasks nudge acme/widgets#12 "prefer the v2 API here"
  ralph tasks retry acme/widgets#12`,
	}

	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTasksShowCmd())
	cmd.AddCommand(newTasksNudgeCmd())
	cmd.AddCommand(newTasksRetryCmd())

	return cmd
}

// newTasksListCmd creates the 'tasks list' subcommand.
func newTasksListCmd() *cobra.Command {
	var (
		repo     string
		statuses []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			rt, err := bootstrap.New(runtimeOptions())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			filter := state.TaskFilter{Repo: repo, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, state.TaskStatus(s))
			}

			tasks, total, err := rt.Store.ListTasks(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, tasks)
			}

			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found. Label issues with", rt.Config.Label, "to queue work.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REF\tSTATUS\tBAND\tUPDATED\tTITLE")
			now := time.Now()
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s %s\t%d\t%s\t%s\n",
					t.Ref(), statusGlyph(t.Status), t.Status, t.Priority,
					formatAge(t.UpdatedAt, now), truncate(t.Title, 40))
			}
			_ = w.Flush()

			if total > len(tasks) {
				fmt.Fprintf(out, "\n%d of %d tasks shown (raise --limit for more)\n", len(tasks), total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "only tasks for this repository")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses (queued, in-progress, blocked, escalated, completed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tasks to list")

	return cmd
}

// newTasksShowCmd creates the 'tasks show' subcommand.
func newTasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <owner/name#number>",
		Short: "Show one task in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			ref, err := state.ParseIssueRef(args[0])
			if err != nil {
				return err
			}

			rt, err := bootstrap.New(runtimeOptions())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			return showTask(cmd.Context(), rt, ref, cmd.OutOrStdout())
		},
	}
}

// newTasksNudgeCmd creates the 'tasks nudge' subcommand.
func newTasksNudgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nudge <owner/name#number> <message>",
		Short: "Queue an operator note for a task's agent session",
		Long: `Queue a message for the agent session working a task. Delivery is
strictly in order: the worker drains the queue into the session before
its next pipeline stage. The task must be in progress with a live
session.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			ref, err := state.ParseIssueRef(args[0])
			if err != nil {
				return err
			}
			message := args[1]
			if message == "" {
				return fmt.Errorf("empty nudge message")
			}

			rt, err := bootstrap.New(runtimeOptions())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			ctx := cmd.Context()
			task, err := rt.Store.GetTaskByIssue(ctx, ref.Repo, ref.Number)
			if err != nil {
				return fmt.Errorf("load task: %w", err)
			}
			if task == nil {
				return ralpherr.ErrTaskNotFound(ref.String())
			}
			if task.SessionID == "" {
				return fmt.Errorf("task %s has no agent session to nudge (status %s)", ref, task.Status)
			}

			if err := rt.Store.PushNudge(ctx, task.SessionID, message); err != nil {
				return fmt.Errorf("queue nudge: %w", err)
			}
			queued, err := rt.Store.CountNudges(ctx, task.SessionID)
			if err != nil {
				queued = 0
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Nudge queued for %s (%d waiting)\n", ref, queued)
			return nil
		},
	}
}

// newTasksRetryCmd creates the 'tasks retry' subcommand.
func newTasksRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <owner/name#number>",
		Short: "Requeue a blocked, escalated, or completed task",
		Long: `Return a parked task to the queue without waiting for the daemon's
sweep or a label flip. Blocked fields are cleared; the next pipeline
attempt starts fresh.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			ref, err := state.ParseIssueRef(args[0])
			if err != nil {
				return err
			}

			rt, err := bootstrap.New(runtimeOptions())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			ctx := cmd.Context()
			task, err := rt.Store.GetTaskByIssue(ctx, ref.Repo, ref.Number)
			if err != nil {
				return fmt.Errorf("load task: %w", err)
			}
			if task == nil {
				return ralpherr.ErrTaskNotFound(ref.String())
			}

			switch task.Status {
			case state.TaskBlocked, state.TaskEscalated, state.TaskCompleted:
			case state.TaskQueued:
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s is already queued\n", ref)
				return nil
			default:
				return fmt.Errorf("task %s is %s; only blocked, escalated, or completed tasks can be requeued", ref, task.Status)
			}

			empty := ""
			err = rt.Store.UpdateTaskStatus(ctx, task.ID, task.Status, state.TaskQueued, &state.TaskPatch{
				BlockedSource:  &empty,
				BlockedReason:  &empty,
				BlockedDetails: &empty,
			})
			if errors.Is(err, state.ErrConflict) {
				actual := "unknown"
				if fresh, gerr := rt.Store.GetTask(ctx, task.ID); gerr == nil && fresh != nil {
					actual = string(fresh.Status)
				}
				return ralpherr.ErrTaskConflict(ref.String(), string(task.Status), actual).WithCause(err)
			}
			if err != nil {
				return fmt.Errorf("requeue task: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Task %s requeued (was %s)\n", ref, task.Status)
			return nil
		},
	}
}

func showTask(ctx context.Context, rt *bootstrap.Runtime, ref state.IssueRef, out io.Writer) error {
	task, err := rt.Store.GetTaskByIssue(ctx, ref.Repo, ref.Number)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return ralpherr.ErrTaskNotFound(ref.String())
	}

	runs, err := rt.Store.ListRunsForTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("load runs: %w", err)
	}

	resolution, err := rt.Store.ResolvePRForIssue(ctx, ref.Repo, ref.Number)
	if err != nil {
		return fmt.Errorf("resolve pr: %w", err)
	}

	if jsonOut {
		return printJSON(out, struct {
			Task *state.Task        `json:"task"`
			Runs []state.Run        `json:"runs"`
			PR   *state.PRSnapshot  `json:"pr,omitempty"`
			Dups []state.PRSnapshot `json:"duplicate_prs,omitempty"`
		}{task, runs, resolution.Selected, resolution.Duplicates})
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Task:\t%s\n", task.Ref())
	fmt.Fprintf(w, "Title:\t%s\n", task.Title)
	fmt.Fprintf(w, "Status:\t%s %s\n", statusGlyph(task.Status), task.Status)
	fmt.Fprintf(w, "Band:\t%d\n", task.Priority)
	fmt.Fprintf(w, "Created:\t%s\n", formatAge(task.CreatedAt, now))
	fmt.Fprintf(w, "Updated:\t%s\n", formatAge(task.UpdatedAt, now))
	if task.Status == state.TaskInProgress {
		fmt.Fprintf(w, "Claimed by:\t%s\n", task.DaemonID)
		if task.HeartbeatAt != nil {
			fmt.Fprintf(w, "Heartbeat:\t%s\n", formatAge(*task.HeartbeatAt, now))
		}
		if task.WorktreePath != "" {
			fmt.Fprintf(w, "Worktree:\t%s\n", task.WorktreePath)
		}
	}
	if task.BlockedSource != "" {
		fmt.Fprintf(w, "Blocked:\t%s\n", task.BlockedSource)
		if task.BlockedReason != "" {
			fmt.Fprintf(w, "Reason:\t%s\n", task.BlockedReason)
		}
		if task.BlockedDetails != "" {
			fmt.Fprintf(w, "Details:\t%s\n", truncate(task.BlockedDetails, 120))
		}
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", formatAge(*task.CompletedAt, now))
	}
	if resolution.Selected != nil {
		fmt.Fprintf(w, "PR:\t%s (%s)\n", resolution.Selected.URL, resolution.Selected.State)
	}
	for _, dup := range resolution.Duplicates {
		fmt.Fprintf(w, "Duplicate PR:\t%s (%s)\n", dup.URL, dup.State)
	}
	_ = w.Flush()

	if len(runs) > 0 {
		fmt.Fprintln(out, "\nRuns:")
		for _, r := range runs {
			line := fmt.Sprintf("  %s\t%s\t%s", r.ID, r.AttemptKind, r.Outcome)
			if r.CompletedAt == nil {
				line = fmt.Sprintf("  %s\t%s\trunning", r.ID, r.AttemptKind)
			}
			fmt.Fprintf(w, "%s\t%s\n", line, formatAge(r.StartedAt, now))
		}
		_ = w.Flush()
		fmt.Fprintln(out, "\nUse 'ralph runs show <run-id>' for gates and artifacts.")
	}

	return nil
}
