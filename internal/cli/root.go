// Package cli implements the ralph command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/ralph/internal/bootstrap"
	ralpherr "github.com/randalmurphal/ralph/internal/errors"
)

var (
	cfgFile string
	profile string
	runID   string
	verbose bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Autonomous issue-to-PR daemon",
	Long: `ralph watches labelled issues across your repositories and drives each
one through an agent pipeline: plan, build, review, pull request, CI,
merge. State lives in a local store; the daemon survives restarts and
picks up where it left off.

Quick start:
  ralph init                  Initialize ralph in current directory
  ralph daemon                Start the orchestration daemon
  ralph status                Show queue and throttle state
  ralph watch                 Stream live events from the daemon`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Structured errors render with their why/fix guidance; everything else
// prints as a single line.
func Execute() error {
	err := rootCmd.Execute()
	if err == nil {
		return nil
	}
	if rerr := ralpherr.AsRalphError(err); rerr != nil {
		fmt.Fprintln(os.Stderr, rerr.UserMessage())
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .ralph/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "override profile (prod, sandbox)")
	rootCmd.PersistentFlags().StringVar(&runID, "run-id", "", "restrict output to a single run")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in .ralph directory
		viper.AddConfigPath(".ralph")
		viper.AddConfigPath("$HOME/.ralph")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("RALPH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// runtimeOptions maps the global flags onto runtime assembly options.
func runtimeOptions() bootstrap.Options {
	return bootstrap.Options{
		ConfigPath: cfgFile,
		Profile:    profile,
		JSONLog:    jsonOut,
		Verbose:    verbose,
	}
}
