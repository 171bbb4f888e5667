// Package cli implements the ralph command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ralph/internal/bootstrap"
	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/daemon"
	ralpherr "github.com/randalmurphal/ralph/internal/errors"
)

// newDaemonCmd creates the daemon command
func newDaemonCmd() *cobra.Command {
	var (
		listen string
		once   bool
	)

	cmd := &cobra.Command{
		Use:     "daemon",
		Aliases: []string{"d"},
		Short:   "Run the orchestration daemon",
		Long: `Run the orchestration daemon.

Each tick the daemon syncs labelled issues from the configured
repositories, revives expired quarantines, and dispatches queued tasks
to workers under the global and per-repo caps. Ctrl-C shuts down
gracefully: running agents are interrupted, then killed past the grace
window. A second Ctrl-C forces immediate exit.

Examples:
  ralph daemon                          # Run until interrupted
  ralph daemon --listen 127.0.0.1:8795  # Also serve the event feed
  ralph daemon --once                   # Single pass, then exit
  ralph --profile sandbox daemon        # One worker at a time`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			rt, err := bootstrap.New(runtimeOptions())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if len(rt.Config.Repos) == 0 {
				return fmt.Errorf("no repositories configured; add a repos block to .ralph/config.yaml")
			}
			if rt.Config.AgentServeURL == "" {
				if _, err := exec.LookPath(rt.Config.AgentBin); err != nil {
					return ralpherr.ErrAgentUnavailable(rt.Config.AgentBin)
				}
			}

			d := daemon.New(rt.Config, daemon.Deps{
				Ports:        rt.Ports(),
				WorkerConfig: rt.WorkerConfig,
				Scheduler:    rt.SchedulerConfig(),
				DaemonID:     rt.DaemonID,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			if once {
				go func() {
					<-sigCh
					fmt.Fprintln(os.Stderr, "\nShutting down...")
					cancel()
				}()
				return d.RunOnce(ctx)
			}

			if listen == "" {
				listen = rt.Config.Daemon.Listen
			}
			var feedErrCh chan error
			if listen != "" {
				feed := daemon.NewFeed(d, rt.Events, rt.Logger)
				feedErrCh = make(chan error, 1)
				go func() { feedErrCh <- feed.ListenAndServe(ctx, listen) }()
				rt.Logger.Info("event feed listening", "addr", listen)
			}

			if err := d.Start(ctx); err != nil {
				return err
			}

			// A nil feedErrCh blocks forever, leaving only the signal path.
			select {
			case <-sigCh:
				fmt.Fprintln(os.Stderr, "\nShutting down...")
				go func() {
					<-sigCh
					fmt.Fprintln(os.Stderr, "Forced exit.")
					os.Exit(1)
				}()
			case err := <-feedErrCh:
				if err != nil {
					rt.Logger.Error("event feed failed", "error", err)
				}
			}

			cancel()
			return d.Stop()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "serve the websocket event feed on this address")
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")

	return cmd
}
