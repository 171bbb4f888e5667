package state

import (
	"context"
	"database/sql"
	"fmt"
)

// PushNudge appends a message to a session's delivery queue.
func (s *Store) PushNudge(ctx context.Context, sessionID, message string) error {
	_, err := s.exec(ctx, `
		INSERT INTO nudge_queue_items (session_id, message, created_at)
		VALUES (?, ?, ?)
	`, sessionID, message, now())
	if err != nil {
		return fmt.Errorf("push nudge for session %s: %w", sessionID, err)
	}
	return nil
}

// PeekNudge returns the head of a session's queue without removing it, or
// (nil, nil) when the queue is empty. Delivery is strictly FIFO: only the
// head is ever attempted.
func (s *Store) PeekNudge(ctx context.Context, sessionID string) (*NudgeItem, error) {
	row := s.queryRow(ctx, `
		SELECT id, session_id, message, failed_attempts, created_at
		FROM nudge_queue_items WHERE session_id = ?
		ORDER BY id ASC LIMIT 1
	`, sessionID)
	var n NudgeItem
	var createdAt string
	if err := row.Scan(&n.ID, &n.SessionID, &n.Message, &n.FailedAttempts, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("peek nudge for session %s: %w", sessionID, err)
	}
	n.CreatedAt = parseTime(createdAt)
	return &n, nil
}

// DeleteNudge removes a queue item after delivery, or after the caller
// gives up on it.
func (s *Store) DeleteNudge(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `DELETE FROM nudge_queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete nudge %d: %w", id, err)
	}
	return nil
}

// BumpNudgeFailure increments a queue item's failure counter and returns
// the new count, letting the caller enforce its drop threshold.
func (s *Store) BumpNudgeFailure(ctx context.Context, id int64) (int, error) {
	_, err := s.exec(ctx, `
		UPDATE nudge_queue_items SET failed_attempts = failed_attempts + 1 WHERE id = ?
	`, id)
	if err != nil {
		return 0, fmt.Errorf("bump nudge %d: %w", id, err)
	}
	var count int
	err = s.queryRow(ctx, `SELECT failed_attempts FROM nudge_queue_items WHERE id = ?`, id).Scan(&count)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("bump nudge %d: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("bump nudge %d: %w", id, err)
	}
	return count, nil
}

// CountNudges returns how many items wait in a session's queue.
func (s *Store) CountNudges(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM nudge_queue_items WHERE session_id = ?
	`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count nudges for session %s: %w", sessionID, err)
	}
	return n, nil
}
