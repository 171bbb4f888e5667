package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, repo, issue_number, title, status, priority,
	blocked_source, blocked_reason, blocked_details, blocked_at,
	session_id, worktree_path, watchdog_retries, stall_retries,
	daemon_id, heartbeat_at, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc rowScanner) (*Task, error) {
	var t Task
	var blockedAt, heartbeatAt, completedAt sql.NullString
	var createdAt, updatedAt string
	err := sc.Scan(
		&t.ID, &t.Repo, &t.IssueNumber, &t.Title, &t.Status, &t.Priority,
		&t.BlockedSource, &t.BlockedReason, &t.BlockedDetails, &blockedAt,
		&t.SessionID, &t.WorktreePath, &t.WatchdogRetries, &t.StallRetries,
		&t.DaemonID, &heartbeatAt, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.BlockedAt = parseTimePtr(blockedAt)
	t.HeartbeatAt = parseTimePtr(heartbeatAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}

// EnsureTask inserts a task for the issue if none exists, otherwise
// refreshes its title and priority while leaving status untouched.
// It returns the current row and whether it was newly created.
func (s *Store) EnsureTask(ctx context.Context, repo string, issueNumber int, title string, priority int) (*Task, bool, error) {
	existing, err := s.GetTaskByIssue(ctx, repo, issueNumber)
	if err != nil {
		return nil, false, err
	}

	ts := now()
	if existing == nil {
		_, err := s.exec(ctx, `
			INSERT INTO tasks (repo, issue_number, title, status, priority, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (repo, issue_number) DO UPDATE SET
				title = excluded.title,
				priority = excluded.priority,
				updated_at = excluded.updated_at
		`, repo, issueNumber, title, string(TaskQueued), priority, ts, ts)
		if err != nil {
			return nil, false, fmt.Errorf("create task %s#%d: %w", repo, issueNumber, err)
		}
		t, err := s.GetTaskByIssue(ctx, repo, issueNumber)
		if err != nil {
			return nil, false, err
		}
		return t, true, nil
	}

	if existing.Title != title || existing.Priority != priority {
		_, err := s.exec(ctx, `
			UPDATE tasks SET title = ?, priority = ?, updated_at = ? WHERE id = ?
		`, title, priority, ts, existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("refresh task %d: %w", existing.ID, err)
		}
		existing.Title = title
		existing.Priority = priority
	}
	return existing, false, nil
}

// GetTask retrieves a task by ID. Returns (nil, nil) when absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// GetTaskByIssue retrieves the task claimed for an issue. Returns (nil, nil)
// when absent.
func (s *Store) GetTaskByIssue(ctx context.Context, repo string, issueNumber int) (*Task, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE repo = ? AND issue_number = ?`, repo, issueNumber)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s#%d: %w", repo, issueNumber, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks results. Zero values mean "all".
type TaskFilter struct {
	Repo     string
	Statuses []TaskStatus
	Limit    int
	Offset   int
}

// ListTasks returns tasks matching the filter, newest first, plus the total
// count ignoring Limit/Offset.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	var where []string
	var args []any
	if f.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, f.Repo)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM tasks"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + clause + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, total, nil
}

// ListSchedulable returns queued tasks in dispatch order: most urgent
// priority first, then oldest first, with ID as the final tiebreak so the
// order is total and stable.
func (s *Store) ListSchedulable(ctx context.Context) ([]Task, error) {
	rows, err := s.query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC, id ASC
	`, string(TaskQueued))
	if err != nil {
		return nil, fmt.Errorf("list schedulable tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimTask moves a task to in-progress under this daemon. The claim wins
// only if the task is queued, or in-progress with a heartbeat older than
// staleBefore (an abandoned claim from a dead daemon). A lost race returns
// ErrConflict.
func (s *Store) ClaimTask(ctx context.Context, id int64, daemonID string, staleBefore time.Time) error {
	ts := now()
	res, err := s.exec(ctx, `
		UPDATE tasks
		SET status = ?, daemon_id = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ?
		  AND (status = ?
		       OR (status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)))
	`, string(TaskInProgress), daemonID, ts, ts,
		id,
		string(TaskQueued),
		string(TaskInProgress), formatTime(staleBefore))
	if err != nil {
		return fmt.Errorf("claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim task %d: %w", id, err)
	}
	if n == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("claim task %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("claim task %d (status %s): %w", id, t.Status, ErrConflict)
	}
	return nil
}

// UpdateTaskStatus transitions a task from one status to another, applying
// any patch fields in the same write. The update is a compare-and-set on the
// expected status: a concurrent transition returns ErrConflict.
//
// Entering blocked requires patch.BlockedSource; leaving blocked clears the
// blocked fields whether or not the patch mentions them.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, from, to TaskStatus, patch *TaskPatch) error {
	ts := now()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), ts}

	if to == TaskBlocked {
		if patch == nil || patch.BlockedSource == nil || *patch.BlockedSource == "" {
			return fmt.Errorf("transition to blocked requires a blocked source")
		}
		sets = append(sets, "blocked_at = ?")
		args = append(args, ts)
	}
	if from == TaskBlocked && to != TaskBlocked {
		sets = append(sets,
			"blocked_source = ''",
			"blocked_reason = ''",
			"blocked_details = ''",
			"blocked_at = NULL")
	}
	if to == TaskCompleted && (patch == nil || patch.CompletedAt == nil) {
		sets = append(sets, "completed_at = ?")
		args = append(args, ts)
	}

	if patch != nil {
		if patch.BlockedSource != nil {
			sets = append(sets, "blocked_source = ?")
			args = append(args, *patch.BlockedSource)
		}
		if patch.BlockedReason != nil {
			sets = append(sets, "blocked_reason = ?")
			args = append(args, *patch.BlockedReason)
		}
		if patch.BlockedDetails != nil {
			sets = append(sets, "blocked_details = ?")
			args = append(args, *patch.BlockedDetails)
		}
		if patch.SessionID != nil {
			sets = append(sets, "session_id = ?")
			args = append(args, *patch.SessionID)
		}
		if patch.WorktreePath != nil {
			sets = append(sets, "worktree_path = ?")
			args = append(args, *patch.WorktreePath)
		}
		if patch.WatchdogRetries != nil {
			sets = append(sets, "watchdog_retries = ?")
			args = append(args, *patch.WatchdogRetries)
		}
		if patch.StallRetries != nil {
			sets = append(sets, "stall_retries = ?")
			args = append(args, *patch.StallRetries)
		}
		if patch.DaemonID != nil {
			sets = append(sets, "daemon_id = ?")
			args = append(args, *patch.DaemonID)
		}
		if patch.Priority != nil {
			sets = append(sets, "priority = ?")
			args = append(args, *patch.Priority)
		}
		if patch.CompletedAt != nil {
			sets = append(sets, "completed_at = ?")
			args = append(args, formatTime(*patch.CompletedAt))
		}
	}

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	args = append(args, id, string(from))

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition task %d %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition task %d: %w", id, err)
	}
	if n == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("transition task %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("transition task %d %s->%s (now %s): %w", id, from, to, t.Status, ErrConflict)
	}
	return nil
}

// PatchTask applies patch fields without changing status. Used for
// bookkeeping writes (session IDs, worktree paths, retry counters) that are
// not transitions.
func (s *Store) PatchTask(ctx context.Context, id int64, patch *TaskPatch) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("patch task %d: %w", id, ErrNotFound)
	}
	return s.UpdateTaskStatus(ctx, id, t.Status, t.Status, patch)
}

// Heartbeat refreshes the daemon liveness timestamp on a claimed task.
// Returns ErrConflict when the task is no longer held by this daemon.
func (s *Store) Heartbeat(ctx context.Context, id int64, daemonID string) error {
	res, err := s.exec(ctx, `
		UPDATE tasks SET heartbeat_at = ? WHERE id = ? AND daemon_id = ? AND status = ?
	`, now(), id, daemonID, string(TaskInProgress))
	if err != nil {
		return fmt.Errorf("heartbeat task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat task %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("heartbeat task %d: %w", id, ErrConflict)
	}
	return nil
}

// CountTasksByStatus returns a status -> count map across all tasks.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
