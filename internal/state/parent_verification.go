package state

import (
	"context"
	"database/sql"
	"fmt"
)

const parentVerifyColumns = `repo, issue_number, status, attempt_count, next_attempt_at_ms, outcome, updated_at`

func scanParentVerification(sc rowScanner) (*ParentVerification, error) {
	var pv ParentVerification
	var updatedAt string
	err := sc.Scan(&pv.Repo, &pv.IssueNumber, &pv.Status, &pv.AttemptCount,
		&pv.NextAttemptAtMs, &pv.Outcome, &updatedAt)
	if err != nil {
		return nil, err
	}
	pv.UpdatedAt = parseTime(updatedAt)
	return &pv, nil
}

// EnsureParentVerification queues a parent issue for verification. A row
// that already exists, in any status, is left alone.
func (s *Store) EnsureParentVerification(ctx context.Context, repo string, issueNumber int) error {
	_, err := s.exec(ctx, `
		INSERT INTO parent_verification (repo, issue_number, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (repo, issue_number) DO NOTHING
	`, repo, issueNumber, ParentVerifyPending, now())
	if err != nil {
		return fmt.Errorf("ensure parent verification %s#%d: %w", repo, issueNumber, err)
	}
	return nil
}

// ClaimParentVerification moves a pending verification to running and bumps
// its attempt count. The claim wins only when the row is pending, due
// (next_attempt_at_ms <= nowMs), and under the attempt cap. Exhausted
// attempts return ErrAttemptsExhausted; everything else that loses returns
// ErrConflict.
func (s *Store) ClaimParentVerification(ctx context.Context, repo string, issueNumber int, nowMs int64, maxAttempts int) error {
	res, err := s.exec(ctx, `
		UPDATE parent_verification
		SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE repo = ? AND issue_number = ?
		  AND status = ? AND next_attempt_at_ms <= ? AND attempt_count < ?
	`, ParentVerifyRunning, now(), repo, issueNumber, ParentVerifyPending, nowMs, maxAttempts)
	if err != nil {
		return fmt.Errorf("claim parent verification %s#%d: %w", repo, issueNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim parent verification %s#%d: %w", repo, issueNumber, err)
	}
	if n > 0 {
		return nil
	}

	pv, err := s.GetParentVerification(ctx, repo, issueNumber)
	if err != nil {
		return err
	}
	switch {
	case pv == nil:
		return fmt.Errorf("claim parent verification %s#%d: %w", repo, issueNumber, ErrNotFound)
	case pv.Status == ParentVerifyPending && pv.AttemptCount >= maxAttempts:
		return fmt.Errorf("parent verification %s#%d after %d attempts: %w",
			repo, issueNumber, pv.AttemptCount, ErrAttemptsExhausted)
	default:
		return fmt.Errorf("claim parent verification %s#%d (status %s): %w",
			repo, issueNumber, pv.Status, ErrConflict)
	}
}

// RecordParentVerificationFailure returns a running verification to pending
// with a backoff deadline for the next attempt.
func (s *Store) RecordParentVerificationFailure(ctx context.Context, repo string, issueNumber int, nextAttemptAtMs int64) error {
	res, err := s.exec(ctx, `
		UPDATE parent_verification
		SET status = ?, next_attempt_at_ms = ?, updated_at = ?
		WHERE repo = ? AND issue_number = ? AND status = ?
	`, ParentVerifyPending, nextAttemptAtMs, now(), repo, issueNumber, ParentVerifyRunning)
	if err != nil {
		return fmt.Errorf("record parent verification failure %s#%d: %w", repo, issueNumber, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record parent verification failure %s#%d: %w", repo, issueNumber, ErrConflict)
	}
	return nil
}

// CompleteParentVerification finishes a running verification with its
// outcome.
func (s *Store) CompleteParentVerification(ctx context.Context, repo string, issueNumber int, outcome string) error {
	res, err := s.exec(ctx, `
		UPDATE parent_verification
		SET status = ?, outcome = ?, updated_at = ?
		WHERE repo = ? AND issue_number = ? AND status = ?
	`, ParentVerifyComplete, outcome, now(), repo, issueNumber, ParentVerifyRunning)
	if err != nil {
		return fmt.Errorf("complete parent verification %s#%d: %w", repo, issueNumber, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete parent verification %s#%d: %w", repo, issueNumber, ErrConflict)
	}
	return nil
}

// GetParentVerification returns verification state for a parent issue, or
// (nil, nil) when none exists.
func (s *Store) GetParentVerification(ctx context.Context, repo string, issueNumber int) (*ParentVerification, error) {
	row := s.queryRow(ctx, `
		SELECT `+parentVerifyColumns+` FROM parent_verification WHERE repo = ? AND issue_number = ?
	`, repo, issueNumber)
	pv, err := scanParentVerification(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get parent verification %s#%d: %w", repo, issueNumber, err)
	}
	return pv, nil
}

// ListDueParentVerifications returns pending verifications that are due and
// under the attempt cap, oldest deadline first.
func (s *Store) ListDueParentVerifications(ctx context.Context, nowMs int64, maxAttempts int) ([]ParentVerification, error) {
	rows, err := s.query(ctx, `
		SELECT `+parentVerifyColumns+` FROM parent_verification
		WHERE status = ? AND next_attempt_at_ms <= ? AND attempt_count < ?
		ORDER BY next_attempt_at_ms ASC, repo ASC, issue_number ASC
	`, ParentVerifyPending, nowMs, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("list due parent verifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []ParentVerification
	for rows.Next() {
		pv, err := scanParentVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan parent verification: %w", err)
		}
		due = append(due, *pv)
	}
	return due, rows.Err()
}
