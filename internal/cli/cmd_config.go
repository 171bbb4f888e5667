// Package cli implements the ralph command-line interface.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/ralph/internal/config"
)

// newConfigCmd creates the config command with subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View effective configuration",
		Long: `View the effective ralph configuration.

Configuration merges from multiple sources, later overriding earlier:
  1. Built-in defaults
  2. System config (/etc/ralph/config.yaml)
  3. User config (~/.ralph/config.yaml)
  4. Project config (.ralph/config.yaml)
  5. Environment variables (RALPH_*)

Examples:
  ralph config show            # Merged config as YAML
  ralph config show --source   # Each value with where it came from`,
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// newConfigShowCmd creates the 'config show' subcommand.
func newConfigShowCmd() *cobra.Command {
	var showSource bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show merged configuration",
		Long: `Show the merged configuration from all sources.

By default, outputs valid YAML. Use --source to see where each value
comes from.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				tc  *config.TrackedConfig
				err error
			)
			if cfgFile != "" {
				tc, err = config.LoadWithSourcesFrom(cfgFile)
			} else {
				tc, err = config.LoadWithSources()
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			out := cmd.OutOrStdout()
			if showSource {
				return printConfigWithSources(out, tc)
			}
			if jsonOut {
				return printJSON(out, tc.Config)
			}
			return printConfigAsYAML(out, tc.Config)
		},
	}

	cmd.Flags().BoolVar(&showSource, "source", false, "show source for each value")

	return cmd
}

// printConfigAsYAML outputs the config as valid YAML.
func printConfigAsYAML(out io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, _ = fmt.Fprint(out, string(data))
	return nil
}

// printConfigWithSources outputs config values with source annotations.
// Paths come pre-ordered so output stays stable across runs.
func printConfigWithSources(out io.Writer, tc *config.TrackedConfig) error {
	for _, path := range config.Paths() {
		value := tc.Config.ValueAt(path)
		source := tc.GetTrackedSource(path)
		_, _ = fmt.Fprintf(out, "%s = %s (%s)\n", path, value, source)
	}
	return nil
}
