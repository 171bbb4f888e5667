package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/wizard"
)

// initWizardState holds the answers collected by the setup wizard.
type initWizardState struct {
	Profile   string
	Repos     []string
	Provider  string
	TokenEnv  string
	Label     string
	Listen    string
	Gitignore bool
}

// buildInitWizard creates the wizard with all init steps.
func buildInitWizard() (*wizard.Wizard, *initWizardState) {
	state := &initWizardState{}

	steps := []wizard.Step{
		buildProfileStep(),
		buildReposStep(),
		buildProviderStep(),
		buildTokenEnvStep("github", "GITHUB_TOKEN"),
		buildTokenEnvStep("gitlab", "GITLAB_TOKEN"),
		buildLabelStep(),
		buildFeedStep(),
		buildListenStep(),
		buildGitignoreStep(),
		buildSummaryStep(),
	}

	return wizard.New(steps...), state
}

func buildProfileStep() wizard.Step {
	return wizard.NewSelectStep("profile", "Profile", []wizard.SelectOption{
		{Value: "prod", Label: "prod (Recommended)", Description: "Runs the configured worker caps"},
		{Value: "sandbox", Label: "sandbox", Description: "One task at a time, for trial runs"},
	}).WithDescription("How many tasks may run at once?")
}

func buildReposStep() wizard.Step {
	return wizard.NewInputStep("repos", "Repositories").
		WithDescription("Which repositories should ralph watch? Separate several with commas.").
		WithPlaceholder("owner/repo, owner/other").
		WithDefault(detectOriginRepo()).
		WithStateKey("repos").
		WithValidate(func(v string) error {
			repos := splitRepoList(v)
			if len(repos) == 0 {
				return fmt.Errorf("enter at least one repository")
			}
			for _, r := range repos {
				if !strings.Contains(r, "/") {
					return fmt.Errorf("%q is not owner/name form", r)
				}
			}
			return nil
		})
}

func buildProviderStep() wizard.Step {
	return wizard.NewSelectStep("provider", "Hosting Provider", []wizard.SelectOption{
		{Value: "github", Label: "GitHub", Description: "github.com or GitHub Enterprise"},
		{Value: "gitlab", Label: "GitLab", Description: "gitlab.com or self-managed"},
	}).WithDescription("Where do these repositories live? (per-repo overrides go in config.yaml)")
}

// buildTokenEnvStep asks for the token variable of one provider. Two
// instances exist so the default tracks the provider choice; both store
// under the same state key.
func buildTokenEnvStep(provider, defaultVar string) wizard.Step {
	return wizard.NewInputStep("token_env_"+provider, "Token Environment Variable").
		WithDescription("The API token is read from this variable at runtime; it is never written to disk.").
		WithDefault(defaultVar).
		WithStateKey("token_env").
		WithSkipFunc(func(s wizard.State) bool {
			return s.String("provider") != provider
		})
}

func buildLabelStep() wizard.Step {
	return wizard.NewInputStep("label", "Automation Label").
		WithDescription("Issues carrying this label are picked up by the daemon.").
		WithDefault("ralph").
		WithStateKey("label")
}

func buildFeedStep() wizard.Step {
	return wizard.NewConfirmStep("serve_feed", "Serve the event feed?").
		WithDescription("Exposes /ws, /status, and /healthz so 'ralph watch' can stream progress.").
		WithDefault(false)
}

func buildListenStep() wizard.Step {
	return wizard.NewInputStep("listen", "Feed Address").
		WithDefault(defaultFeedAddr).
		WithStateKey("listen").
		WithSkipFunc(func(s wizard.State) bool {
			return !s.Bool("serve_feed")
		})
}

func buildGitignoreStep() wizard.Step {
	return wizard.NewConfirmStep("gitignore", "Update .gitignore?").
		WithDescription("Keeps ralph state, sessions, and worktrees out of version control.").
		WithDefault(true)
}

func buildSummaryStep() wizard.Step {
	return wizard.NewDisplayStep("summary", "Summary", summaryContent)
}

func summaryContent(s wizard.State) string {
	var b strings.Builder

	b.WriteString("The following will be configured:\n\n")
	b.WriteString(fmt.Sprintf("  Profile:  %s\n", s.String("profile")))
	if repos := splitRepoList(s.String("repos")); len(repos) > 0 {
		b.WriteString(fmt.Sprintf("  Repos:    %s\n", strings.Join(repos, ", ")))
	}
	b.WriteString(fmt.Sprintf("  Provider: %s (token from $%s)\n", s.String("provider"), s.String("token_env")))
	b.WriteString(fmt.Sprintf("  Label:    %s\n", s.String("label")))
	if s.Bool("serve_feed") {
		b.WriteString(fmt.Sprintf("  Feed:     %s\n", s.String("listen")))
	}
	if s.Bool("gitignore") {
		b.WriteString("  .gitignore will be updated\n")
	}
	b.WriteString("\nPress enter to write .ralph/config.yaml.")

	return b.String()
}

// extractWizardResults copies the wizard state into the typed struct.
func extractWizardResults(s wizard.State, state *initWizardState) {
	state.Profile = s.String("profile")
	state.Repos = splitRepoList(s.String("repos"))
	state.Provider = s.String("provider")
	state.TokenEnv = s.String("token_env")
	state.Label = s.String("label")
	if s.Bool("serve_feed") {
		state.Listen = s.String("listen")
	}
	state.Gitignore = s.Bool("gitignore")
}

// detectOriginRepo guesses owner/name from the origin remote of the
// current directory. Empty outside a clone or when the URL has no
// recognizable owner/name shape.
func detectOriginRepo() string {
	out, err := exec.Command("git", "remote", "get-url", "origin").Output()
	if err != nil {
		return ""
	}
	owner, name := hosting.ParseOwnerRepo(strings.TrimSpace(string(out)))
	if owner == "" || name == "" {
		return ""
	}
	return owner + "/" + name
}

// splitRepoList parses "owner/a, owner/b owner/c" into its parts.
func splitRepoList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
