// Package cli implements the ralph command-line interface.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/ralph/internal/config"
)

// defaultFeedAddr is where `ralph watch` looks when neither --addr nor
// daemon.listen names an address.
const defaultFeedAddr = "127.0.0.1:8795"

// feedFrame mirrors the feed's wire envelope.
type feedFrame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Task  string          `json:"task,omitempty"`
	RunID string          `json:"run_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Time  time.Time       `json:"time,omitempty"`
	Error string          `json:"error,omitempty"`
}

// newWatchCmd creates the watch command
func newWatchCmd() *cobra.Command {
	var (
		addr       string
		taskFilter string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from the daemon",
		Long: `Stream live events from a running daemon's websocket feed.

The daemon must be serving the feed (ralph daemon --listen, or
daemon.listen in the config). Without --task the stream carries every
event; --run-id narrows it further to one run.

Examples:
  ralph watch
  ralph watch --addr 127.0.0.1:8795
  ralph watch --task acme/widgets#12
  ralph --json watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				if cfg, err := config.Load(); err == nil && cfg.Daemon.Listen != "" {
					addr = cfg.Daemon.Listen
				} else {
					addr = defaultFeedAddr
				}
			}

			u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
			conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w (is a daemon running with --listen?)", u.String(), err)
			}
			defer func() { _ = conn.Close() }()

			sub := map[string]string{"type": "subscribe"}
			if taskFilter != "" {
				sub["task"] = taskFilter
			}
			if err := conn.WriteJSON(sub); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			done := make(chan error, 1)
			go func() { done <- streamFeed(conn, cmd.OutOrStdout()) }()

			select {
			case err := <-done:
				return err
			case <-sigCh:
				// Best-effort close frame so the server sees a clean exit.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "feed address (host:port); defaults to daemon.listen from config")
	cmd.Flags().StringVar(&taskFilter, "task", "", "only events for one task (owner/name#number)")

	return cmd
}

// streamFeed prints frames until the connection drops.
func streamFeed(conn *websocket.Conn, out io.Writer) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("feed closed: %w", err)
		}

		var fr feedFrame
		if err := json.Unmarshal(data, &fr); err != nil {
			continue
		}

		switch fr.Type {
		case "subscribed":
			scope := fr.Task
			if scope == "*" {
				scope = "all tasks"
			}
			fmt.Fprintf(out, "watching %s\n", scope)
		case "event":
			if runID != "" && fr.RunID != runID {
				continue
			}
			if jsonOut {
				fmt.Fprintln(out, string(data))
			} else {
				fmt.Fprintln(out, renderEvent(fr))
			}
		case "error":
			fmt.Fprintf(out, "feed error: %s\n", fr.Error)
		}
	}
}

// renderEvent formats one event frame as a single line. Unknown payloads
// fall back to compact key=value pairs.
func renderEvent(fr feedFrame) string {
	ts := fr.Time.Local().Format("15:04:05")
	head := fmt.Sprintf("%s  %-14s %s", ts, fr.Event, fr.Task)

	var data map[string]any
	if len(fr.Data) > 0 {
		_ = json.Unmarshal(fr.Data, &data)
	}
	str := func(key string) string {
		v, _ := data[key].(string)
		return v
	}

	switch fr.Event {
	case "task_status":
		line := fmt.Sprintf("%s  %s → %s", head, str("from"), str("to"))
		if r := str("blocked_reason"); r != "" {
			line += " (" + r + ")"
		}
		return line
	case "stage":
		line := fmt.Sprintf("%s  %s %s", head, str("stage"), str("status"))
		if e := str("error"); e != "" {
			line += ": " + e
		}
		return line
	case "gate":
		return fmt.Sprintf("%s  %s %s", head, str("gate"), str("status"))
	case "lane":
		return fmt.Sprintf("%s  %s → %s", head, str("lane"), str("decision"))
	case "run_started", "run_completed":
		line := head
		if fr.RunID != "" {
			line += "  run=" + fr.RunID
		}
		if o := str("outcome"); o != "" {
			line += " outcome=" + o
		}
		return line
	case "throttle":
		line := fmt.Sprintf("%s  gate=%s", head, str("gate"))
		if r := str("reason"); r != "" {
			line += " reason=" + strings.ReplaceAll(r, " ", "_")
		}
		return line
	case "repo_synced":
		open, _ := data["open_issues"].(float64)
		labelled, _ := data["labelled"].(float64)
		return fmt.Sprintf("%s  %s open=%d labelled=%d", head, str("repo"), int(open), int(labelled))
	case "heartbeat":
		tick, _ := data["tick"].(float64)
		inFlight, _ := data["in_flight"].(float64)
		return fmt.Sprintf("%s  tick=%d in_flight=%d", head, int(tick), int(inFlight))
	case "error", "warning":
		return fmt.Sprintf("%s  %s", head, str("message"))
	}

	if len(data) == 0 {
		return head
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return head + "  " + strings.Join(parts, " ")
}
