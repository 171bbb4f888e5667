package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/ralph/internal/bootstrap"
	"github.com/randalmurphal/ralph/internal/config"
	ralpherr "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/wizard"
)

// newInitCmd creates the init command.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize ralph in the current directory",
		Long: `Initialize ralph in the current directory.

The wizard walks through project setup:
  • Profile (prod or sandbox) and worker caps
  • Repositories to watch and their hosting provider
  • The automation label and the event feed address
  • .gitignore entries for ralph's local state

Passing --yes or --repo skips the wizard and writes defaults.

Examples:
  ralph init                          # Interactive wizard
  ralph init --yes                    # Defaults, no repos configured
  ralph init --repo acme/widgets      # Defaults plus one repo
  ralph init --force --profile sandbox`,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			nonInteractive, _ := cmd.Flags().GetBool("yes")
			repos, _ := cmd.Flags().GetStringArray("repo")

			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}

			if !force && config.IsInitialized() {
				return ralpherr.ErrAlreadyInitialized(config.RalphDir)
			}
			if profile != "" {
				switch config.Profile(profile) {
				case config.ProfileProd, config.ProfileSandbox:
				default:
					return fmt.Errorf("unknown profile %q (want prod or sandbox)", profile)
				}
			}

			// The wizard needs a terminal; pipes and CI get defaults.
			if nonInteractive || len(repos) > 0 || !isatty.IsTerminal(os.Stdin.Fd()) {
				return runInstantInit(cmd, cwd, force, repos)
			}
			return runWizardInit(cmd, cwd, force)
		},
	}

	cmd.Flags().Bool("force", false, "Overwrite existing configuration")
	cmd.Flags().BoolP("yes", "y", false, "Non-interactive mode with defaults")
	cmd.Flags().StringArray("repo", nil, "Repository to watch in owner/name form (repeatable, implies --yes)")

	return cmd
}

// runInstantInit writes the default configuration without prompting,
// for --yes, --repo, and CI use.
func runInstantInit(cmd *cobra.Command, cwd string, force bool, repos []string) error {
	for _, r := range repos {
		if !strings.Contains(r, "/") {
			return fmt.Errorf("repo %q is not owner/name form", r)
		}
	}

	if err := config.Init(force); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if profile != "" {
		cfg.ApplyProfile(config.Profile(profile))
	}
	for _, r := range repos {
		cfg.Repos = append(cfg.Repos, config.RepoConfig{Name: r})
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	if err := bootstrap.UpdateGitignore(cwd); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not update .gitignore: %v\n", err)
	}

	printInitResult(cmd.OutOrStdout(), cfg)
	return nil
}

// runWizardInit runs the interactive wizard-based init.
func runWizardInit(cmd *cobra.Command, cwd string, force bool) error {
	out := cmd.OutOrStdout()
	w, state := buildInitWizard()

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  ╭─────────────────────────────────────╮")
	fmt.Fprintln(out, "  │          ralph project setup        │")
	fmt.Fprintln(out, "  ╰─────────────────────────────────────╯")
	fmt.Fprintln(out)

	if err := w.Run(); err != nil {
		if errors.Is(err, wizard.ErrCancelled) {
			fmt.Fprintln(out, "Setup cancelled. Nothing was written.")
			return nil
		}
		return err
	}
	extractWizardResults(w.State(), state)

	fmt.Fprintln(out, "\nInitializing project...")

	if err := config.Init(force); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyWizardConfig(cfg, state)
	if err := cfg.Save(); err != nil {
		return err
	}

	if state.Gitignore {
		if err := bootstrap.UpdateGitignore(cwd); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not update .gitignore: %v\n", err)
		}
	}

	printInitResult(out, cfg)
	return nil
}

// applyWizardConfig folds the wizard answers into the default config.
func applyWizardConfig(cfg *config.Config, state *initWizardState) {
	if state.Profile != "" {
		cfg.ApplyProfile(config.Profile(state.Profile))
	}
	if state.Label != "" {
		cfg.Label = state.Label
		cfg.DoneLabel = state.Label + "-done"
	}
	cfg.Daemon.Listen = state.Listen

	// The provider default token variable stays implicit; only record
	// an override the user actually typed.
	tokenEnv := state.TokenEnv
	if (state.Provider == "github" && tokenEnv == "GITHUB_TOKEN") ||
		(state.Provider == "gitlab" && tokenEnv == "GITLAB_TOKEN") {
		tokenEnv = ""
	}
	for _, name := range state.Repos {
		cfg.Repos = append(cfg.Repos, config.RepoConfig{
			Name: name,
			Hosting: hosting.Config{
				Provider:    state.Provider,
				TokenEnvVar: tokenEnv,
			},
		})
	}
}

// printInitResult prints what init wrote and the follow-on commands.
func printInitResult(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "\nInitialized ralph in %s/\n\n", config.RalphDir)
	fmt.Fprintf(out, "  Profile: %s\n", cfg.Profile)
	fmt.Fprintf(out, "  Label:   %s\n", cfg.Label)
	if len(cfg.Repos) == 0 {
		fmt.Fprintf(out, "  Repos:   none (add them under 'repos:' in %s/%s)\n", config.RalphDir, config.ConfigFileName)
	} else {
		names := make([]string, len(cfg.Repos))
		for i, rc := range cfg.Repos {
			names[i] = rc.Name
		}
		fmt.Fprintf(out, "  Repos:   %s\n", strings.Join(names, ", "))
	}

	fmt.Fprintln(out, "\nNext steps:")
	step := 1
	if len(cfg.Repos) == 0 {
		fmt.Fprintf(out, "  %d. Add repositories to %s/%s\n", step, config.RalphDir, config.ConfigFileName)
		step++
	}
	fmt.Fprintf(out, "  %d. Export the hosting token (GITHUB_TOKEN or GITLAB_TOKEN)\n", step)
	fmt.Fprintf(out, "  %d. Label issues with '%s'\n", step+1, cfg.Label)
	fmt.Fprintf(out, "  %d. Run 'ralph daemon'\n", step+2)
}
