package state

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// UpsertIssue mirrors one synced issue and replaces its label set in the
// same transaction.
func (s *Store) UpsertIssue(ctx context.Context, issue *Issue) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("upsert issue %s#%d: %w", issue.Repo, issue.Number, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(ctx, `
		INSERT INTO issues (repo, number, title, state, parent_number, gh_updated_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo, number) DO UPDATE SET
			title = excluded.title,
			state = excluded.state,
			parent_number = excluded.parent_number,
			gh_updated_at = excluded.gh_updated_at,
			synced_at = excluded.synced_at
	`, issue.Repo, issue.Number, issue.Title, issue.State, issue.ParentNumber,
		issue.GHUpdatedAt, now())
	if err != nil {
		return fmt.Errorf("upsert issue %s#%d: %w", issue.Repo, issue.Number, err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM issue_labels WHERE repo = ? AND number = ?`, issue.Repo, issue.Number)
	if err != nil {
		return fmt.Errorf("clear labels %s#%d: %w", issue.Repo, issue.Number, err)
	}
	for _, label := range issue.Labels {
		_, err = tx.Exec(ctx, `
			INSERT INTO issue_labels (repo, number, label) VALUES (?, ?, ?)
			ON CONFLICT (repo, number, label) DO NOTHING
		`, issue.Repo, issue.Number, label)
		if err != nil {
			return fmt.Errorf("insert label %q on %s#%d: %w", label, issue.Repo, issue.Number, err)
		}
	}

	return tx.Commit()
}

// GetIssue returns a synced issue with its labels sorted, or (nil, nil)
// when the issue was never synced.
func (s *Store) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	row := s.queryRow(ctx, `
		SELECT repo, number, title, state, parent_number, gh_updated_at, synced_at
		FROM issues WHERE repo = ? AND number = ?
	`, repo, number)

	var issue Issue
	var syncedAt string
	err := row.Scan(&issue.Repo, &issue.Number, &issue.Title, &issue.State,
		&issue.ParentNumber, &issue.GHUpdatedAt, &syncedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, number, err)
	}
	issue.SyncedAt = parseTime(syncedAt)

	rows, err := s.query(ctx, `SELECT label FROM issue_labels WHERE repo = ? AND number = ?`, repo, number)
	if err != nil {
		return nil, fmt.Errorf("get labels %s#%d: %w", repo, number, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		issue.Labels = append(issue.Labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(issue.Labels)
	return &issue, nil
}

// ListOpenIssuesWithLabel returns a repo's open issues carrying the label,
// lowest number first. Labels on the returned issues are fully populated.
func (s *Store) ListOpenIssuesWithLabel(ctx context.Context, repo, label string) ([]Issue, error) {
	rows, err := s.query(ctx, `
		SELECT i.number FROM issues i
		JOIN issue_labels l ON l.repo = i.repo AND l.number = i.number
		WHERE i.repo = ? AND i.state = 'open' AND l.label = ?
		ORDER BY i.number ASC
	`, repo, label)
	if err != nil {
		return nil, fmt.Errorf("list labelled issues for %s: %w", repo, err)
	}
	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan issue number: %w", err)
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	issues := make([]Issue, 0, len(numbers))
	for _, n := range numbers {
		issue, err := s.GetIssue(ctx, repo, n)
		if err != nil {
			return nil, err
		}
		if issue != nil {
			issues = append(issues, *issue)
		}
	}
	return issues, nil
}

// ListOpenIssues returns every mirrored issue of a repo still recorded as
// open, lowest number first.
func (s *Store) ListOpenIssues(ctx context.Context, repo string) ([]Issue, error) {
	rows, err := s.query(ctx, `
		SELECT number FROM issues WHERE repo = ? AND state = 'open' ORDER BY number ASC
	`, repo)
	if err != nil {
		return nil, fmt.Errorf("list open issues for %s: %w", repo, err)
	}
	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan issue number: %w", err)
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	issues := make([]Issue, 0, len(numbers))
	for _, n := range numbers {
		issue, err := s.GetIssue(ctx, repo, n)
		if err != nil {
			return nil, err
		}
		if issue != nil {
			issues = append(issues, *issue)
		}
	}
	return issues, nil
}

// ListChildIssues returns synced issues whose parent is the given issue.
func (s *Store) ListChildIssues(ctx context.Context, repo string, parentNumber int) ([]Issue, error) {
	rows, err := s.query(ctx, `
		SELECT number FROM issues WHERE repo = ? AND parent_number = ? ORDER BY number ASC
	`, repo, parentNumber)
	if err != nil {
		return nil, fmt.Errorf("list children of %s#%d: %w", repo, parentNumber, err)
	}
	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan issue number: %w", err)
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	children := make([]Issue, 0, len(numbers))
	for _, n := range numbers {
		issue, err := s.GetIssue(ctx, repo, n)
		if err != nil {
			return nil, err
		}
		if issue != nil {
			children = append(children, *issue)
		}
	}
	return children, nil
}

// GetRepoSync returns sync bookkeeping for a repo, or (nil, nil) when the
// repo was never synced.
func (s *Store) GetRepoSync(ctx context.Context, repo string) (*RepoSync, error) {
	row := s.queryRow(ctx, `
		SELECT repo, last_sync_at, failures, backoff_until_ms FROM repo_syncs WHERE repo = ?
	`, repo)
	var rs RepoSync
	var lastSync sql.NullString
	if err := row.Scan(&rs.Repo, &lastSync, &rs.Failures, &rs.BackoffUntilMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get repo sync %s: %w", repo, err)
	}
	rs.LastSyncAt = parseTimePtr(lastSync)
	return &rs, nil
}

// RecordRepoSyncSuccess marks a completed sync and clears any backoff.
func (s *Store) RecordRepoSyncSuccess(ctx context.Context, repo string) error {
	_, err := s.exec(ctx, `
		INSERT INTO repo_syncs (repo, last_sync_at, failures, backoff_until_ms)
		VALUES (?, ?, 0, 0)
		ON CONFLICT (repo) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			failures = 0,
			backoff_until_ms = 0
	`, repo, now())
	if err != nil {
		return fmt.Errorf("record sync success %s: %w", repo, err)
	}
	return nil
}

// RecordRepoSyncFailure bumps the failure counter and sets the backoff
// deadline before the next attempt.
func (s *Store) RecordRepoSyncFailure(ctx context.Context, repo string, backoffUntilMs int64) error {
	_, err := s.exec(ctx, `
		INSERT INTO repo_syncs (repo, failures, backoff_until_ms)
		VALUES (?, 1, ?)
		ON CONFLICT (repo) DO UPDATE SET
			failures = repo_syncs.failures + 1,
			backoff_until_ms = excluded.backoff_until_ms
	`, repo, backoffUntilMs)
	if err != nil {
		return fmt.Errorf("record sync failure %s: %w", repo, err)
	}
	return nil
}
