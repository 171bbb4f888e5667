// Package notify delivers operator-facing alerts for tasks the orchestrator
// can no longer advance on its own: escalations, stuck runs, quarantined
// failure signatures, and blocked reviews. Sinks implement Notifier; the
// worker fires and forgets, so a sink that fails must not wedge the run.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Kind classifies why the operator is being pulled in.
type Kind string

const (
	// KindEscalation means automated recovery is exhausted and a human
	// must take over the task.
	KindEscalation Kind = "escalation"

	// KindStuck means a run hit the stall watchdog and was requeued; the
	// operator may want to look even though retries continue.
	KindStuck Kind = "stuck"

	// KindQuarantine means a failure signature repeated and the task is
	// throttled pending triage.
	KindQuarantine Kind = "quarantine"

	// KindBlocked means a review gate could not produce a verdict after
	// repair attempts.
	KindBlocked Kind = "blocked"
)

// Notification carries everything a sink needs to render an alert.
type Notification struct {
	Kind        Kind
	Repo        string // "owner/name"
	IssueNumber int
	TaskID      int64
	RunID       string
	Title       string
	Body        string
	URL         string // link back to the issue or PR, may be empty
}

// Notifier is a delivery sink for operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications. Used when no sink is configured.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to slog. Escalations log at error
// level, everything else at warn.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier backed by logger.
// A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification and never fails.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	args := []any{
		"kind", string(n.Kind),
		"repo", n.Repo,
		"issue", n.IssueNumber,
		"task", n.TaskID,
		"run", n.RunID,
		"title", n.Title,
	}
	if n.URL != "" {
		args = append(args, "url", n.URL)
	}
	if n.Kind == KindEscalation {
		l.logger.ErrorContext(ctx, "operator notification", args...)
	} else {
		l.logger.WarnContext(ctx, "operator notification", args...)
	}
	return nil
}

// Fanout delivers each notification to every sink. All sinks are tried
// even when earlier ones fail; the errors are joined.
type Fanout []Notifier

// Notify sends n to every sink in order.
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
