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

// newRunsCmd creates the runs command with subcommands.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect worker runs",
		Long: `Inspect worker runs: every claim of a task becomes one run with an
outcome, gate results, and evidence artifacts.

Subcommands:
  list  List runs for a task
  show  Show one run with gates, artifacts, and token usage

Examples:
  ralph runs list acme/widgets#12
  ralph runs show 01J9W2M3K4
  ralph --run-id 01J9W2M3K4 runs show`,
	}

	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsShowCmd())

	return cmd
}

// newRunsListCmd creates the 'runs list' subcommand.
func newRunsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list <owner/name#number>",
		Aliases: []string{"ls"},
		Short:   "List runs for a task",
		Args:    cobra.ExactArgs(1),
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
				return fmt.Errorf("no task for %s", ref)
			}

			runs, err := rt.Store.ListRunsForTask(ctx, task.ID)
			if err != nil {
				return fmt.Errorf("load runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, runs)
			}

			if len(runs) == 0 {
				fmt.Fprintf(out, "No runs yet for %s.\n", ref)
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tKIND\tOUTCOME\tSTARTED\tPR")
			for _, r := range runs {
				outcome := string(r.Outcome)
				if r.CompletedAt == nil {
					outcome = "running"
				}
				pr := r.PRUrl
				if pr == "" {
					pr = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.AttemptKind, outcome, formatAge(r.StartedAt, now), pr)
			}
			_ = w.Flush()
			return nil
		},
	}
}

// newRunsShowCmd creates the 'runs show' subcommand.
func newRunsShowCmd() *cobra.Command {
	var showArtifacts bool

	cmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show one run in detail",
		Long: `Show one run: outcome, gate results, evidence artifacts, and token
usage. The run id comes from the positional argument or the global
--run-id flag.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			id := runID
			if len(args) > 0 {
				id = args[0]
			}
			if id == "" {
				return fmt.Errorf("run id required (argument or --run-id)")
			}

			rt, err := bootstrap.New(runtimeOptions())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			return showRun(cmd.Context(), rt, id, showArtifacts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&showArtifacts, "artifacts", false, "print full artifact contents")

	return cmd
}

func showRun(ctx context.Context, rt *bootstrap.Runtime, id string, showArtifacts bool, out io.Writer) error {
	run, err := rt.Store.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("no run %q", id)
	}

	gates, err := rt.Store.ListGateResults(ctx, id)
	if err != nil {
		return fmt.Errorf("load gates: %w", err)
	}

	tokens, err := rt.Store.ListTokenTotals(ctx, id)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	tokenTotal, err := rt.Store.TokensForRun(ctx, id)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}

	type gateDetail struct {
		state.GateResult
		Artifacts []state.GateArtifact `json:"artifacts,omitempty"`
	}
	details := make([]gateDetail, 0, len(gates))
	for _, g := range gates {
		d := gateDetail{GateResult: g}
		arts, err := rt.Store.ListGateArtifacts(ctx, id, g.Gate)
		if err != nil {
			return fmt.Errorf("load artifacts for %s: %w", g.Gate, err)
		}
		d.Artifacts = arts
		details = append(details, d)
	}

	if jsonOut {
		return printJSON(out, struct {
			Run        *state.Run         `json:"run"`
			Gates      []gateDetail       `json:"gates"`
			Tokens     []state.TokenTotal `json:"tokens,omitempty"`
			TokenTotal int64              `json:"token_total"`
		}{run, details, tokens, tokenTotal})
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	fmt.Fprintf(w, "Kind:\t%s\n", run.AttemptKind)
	fmt.Fprintf(w, "Issue:\t%s\n", run.IssueLink)
	if run.SessionID != "" {
		fmt.Fprintf(w, "Session:\t%s\n", run.SessionID)
	}
	fmt.Fprintf(w, "Started:\t%s\n", formatAge(run.StartedAt, now))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Outcome:\t%s\n", run.Outcome)
		fmt.Fprintf(w, "Completed:\t%s\n", formatAge(*run.CompletedAt, now))
	} else {
		fmt.Fprintf(w, "Outcome:\trunning\n")
	}
	if run.PRUrl != "" {
		fmt.Fprintf(w, "PR:\t%s\n", run.PRUrl)
	}
	if run.CompletionKind != "" {
		fmt.Fprintf(w, "Completion:\t%s\n", run.CompletionKind)
	}
	if run.NoPRTerminalReason != "" {
		fmt.Fprintf(w, "No-PR reason:\t%s\n", run.NoPRTerminalReason)
	}
	if run.Details != "" {
		fmt.Fprintf(w, "Details:\t%s\n", truncate(run.Details, 120))
	}
	_ = w.Flush()

	if len(details) > 0 {
		fmt.Fprintln(out, "\nGates:")
		for _, g := range details {
			line := fmt.Sprintf("  %s\t%s", g.Gate, g.Status)
			switch {
			case g.Status == state.GateSkipped && g.SkipReason != "":
				line += "\t" + g.SkipReason
			case g.Reason != "":
				line += "\t" + truncate(g.Reason, 60)
			}
			fmt.Fprintln(w, line)
			for _, a := range g.Artifacts {
				if showArtifacts {
					fmt.Fprintf(w, "    [%s]\t\n", a.Kind)
					_ = w.Flush()
					fmt.Fprintln(out, indent(a.Content, "      "))
				} else {
					fmt.Fprintf(w, "    [%s]\t%s\n", a.Kind, truncate(firstLine(a.Content), 70))
				}
			}
		}
		_ = w.Flush()
		if !showArtifacts {
			fmt.Fprintln(out, "\nUse --artifacts to print full artifact contents.")
		}
	}

	if len(tokens) > 0 {
		fmt.Fprintln(out, "\nTokens:")
		for _, t := range tokens {
			fmt.Fprintf(w, "  %s\t%d\t%s\n", t.SessionID, t.Tokens, t.Quality)
		}
		fmt.Fprintf(w, "  total\t%d\t\n", tokenTotal)
		_ = w.Flush()
	}

	return nil
}
