package state

import (
	"context"
	"database/sql"
	"fmt"
)

const runColumns = `id, task_id, attempt_kind, issue_link, session_id, pr_url,
	completion_kind, no_pr_terminal_reason, outcome, details, started_at, completed_at`

func scanRun(sc rowScanner) (*Run, error) {
	var r Run
	var outcome string
	var startedAt string
	var completedAt sql.NullString
	err := sc.Scan(
		&r.ID, &r.TaskID, &r.AttemptKind, &r.IssueLink, &r.SessionID, &r.PRUrl,
		&r.CompletionKind, &r.NoPRTerminalReason, &outcome, &r.Details, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Outcome = RunOutcome(outcome)
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	return &r, nil
}

// CreateRun records the start of a worker invocation. The caller supplies
// the run ID (a UUID) and attempt kind; StartedAt defaults to now.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	startedAt := now()
	if !r.StartedAt.IsZero() {
		startedAt = formatTime(r.StartedAt)
	}
	kind := r.AttemptKind
	if kind == "" {
		kind = AttemptProcess
	}
	_, err := s.exec(ctx, `
		INSERT INTO runs (id, task_id, attempt_kind, issue_link, session_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, kind, r.IssueLink, r.SessionID, startedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	return nil
}

// RunCompletion carries the terminal fields recorded when a run finishes.
type RunCompletion struct {
	Outcome            RunOutcome
	Details            string
	PRUrl              string
	CompletionKind     string
	NoPRTerminalReason string
	SessionID          string
}

// CompleteRun records a run's terminal outcome exactly once. Completing an
// already-completed run is a no-op, so crash-replayed completions are safe.
//
// A successful issue-linked run must carry either a PR URL or a recognized
// no-PR terminal reason; anything else is rejected before the write.
func (s *Store) CompleteRun(ctx context.Context, runID string, c RunCompletion) error {
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("complete run %s: %w", runID, ErrNotFound)
	}

	if c.Outcome == OutcomeSuccess && r.IssueLink != "" && c.PRUrl == "" && !RecognizedNoPRReason(c.NoPRTerminalReason) {
		return fmt.Errorf("complete run %s: success for %s needs a PR URL or a recognized no-PR reason (got %q)",
			runID, r.IssueLink, c.NoPRTerminalReason)
	}

	sessionID := c.SessionID
	if sessionID == "" {
		sessionID = r.SessionID
	}

	res, err := s.exec(ctx, `
		UPDATE runs
		SET outcome = ?, details = ?, pr_url = ?, completion_kind = ?,
		    no_pr_terminal_reason = ?, session_id = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL
	`, string(c.Outcome), c.Details, c.PRUrl, c.CompletionKind,
		c.NoPRTerminalReason, sessionID, now(), runID)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	} else if n == 0 {
		// Already completed; the first recorded outcome stands.
		return nil
	}
	return nil
}

// SetRunSession records the agent session bound to a run.
func (s *Store) SetRunSession(ctx context.Context, runID, sessionID string) error {
	_, err := s.exec(ctx, `UPDATE runs SET session_id = ? WHERE id = ?`, sessionID, runID)
	if err != nil {
		return fmt.Errorf("set run %s session: %w", runID, err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns (nil, nil) when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRunsForTask returns a task's runs oldest first.
func (s *Store) ListRunsForTask(ctx context.Context, taskID int64) ([]Run, error) {
	rows, err := s.query(ctx, `
		SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY started_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs for task %d: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// LatestRunForTask returns the most recently started run for a task, or
// (nil, nil) when the task has none.
func (s *Store) LatestRunForTask(ctx context.Context, taskID int64) (*Run, error) {
	row := s.queryRow(ctx, `
		SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT 1
	`, taskID)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest run for task %d: %w", taskID, err)
	}
	return r, nil
}

// CountRunAttempts returns how many runs of the given attempt kind exist for
// a task. Recovery lanes use this to enforce their attempt caps.
func (s *Store) CountRunAttempts(ctx context.Context, taskID int64, attemptKind string) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM runs WHERE task_id = ? AND attempt_kind = ?
	`, taskID, attemptKind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s attempts for task %d: %w", attemptKind, taskID, err)
	}
	return n, nil
}

// TransientDetailsPrefix marks failed run completions caused by provider
// or network hiccups. Runs completed with it are not charged against the
// agent-failure escalation cap.
const TransientDetailsPrefix = "transient: "

// CountChargedAttempts returns the failed process runs charged against the
// escalation cap. Transient completions retry for free.
func (s *Store) CountChargedAttempts(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE task_id = ? AND attempt_kind = ? AND outcome = ? AND details NOT LIKE ?
	`, taskID, AttemptProcess, string(OutcomeFailed), TransientDetailsPrefix+"%").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count charged attempts for task %d: %w", taskID, err)
	}
	return n, nil
}

// LatestRunOfKind returns the task's most recently started run of one
// attempt kind, or (nil, nil) when it has none.
func (s *Store) LatestRunOfKind(ctx context.Context, taskID int64, attemptKind string) (*Run, error) {
	row := s.queryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_id = ? AND attempt_kind = ?
		ORDER BY started_at DESC, id DESC LIMIT 1
	`, taskID, attemptKind)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest %s run for task %d: %w", attemptKind, taskID, err)
	}
	return r, nil
}
