package state

import (
	"context"
	"database/sql"
	"fmt"
)

// RecordThrottleSnapshot appends a throttle gate observation. History is
// append-only; the newest row is the gate in force.
func (s *Store) RecordThrottleSnapshot(ctx context.Context, gate, reason string, untilMs int64) error {
	_, err := s.exec(ctx, `
		INSERT INTO throttle_snapshots (gate, reason, until_ms, created_at)
		VALUES (?, ?, ?, ?)
	`, gate, reason, untilMs, now())
	if err != nil {
		return fmt.Errorf("record throttle snapshot: %w", err)
	}
	return nil
}

// LatestThrottle returns the throttle gate in force, or (nil, nil) when no
// snapshot was ever recorded (callers treat that as running).
func (s *Store) LatestThrottle(ctx context.Context) (*ThrottleSnapshot, error) {
	row := s.queryRow(ctx, `
		SELECT id, gate, reason, until_ms, created_at
		FROM throttle_snapshots ORDER BY id DESC LIMIT 1
	`)
	var t ThrottleSnapshot
	var createdAt string
	if err := row.Scan(&t.ID, &t.Gate, &t.Reason, &t.UntilMs, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest throttle: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// ListThrottleHistory returns recent snapshots, newest first.
func (s *Store) ListThrottleHistory(ctx context.Context, limit int) ([]ThrottleSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT id, gate, reason, until_ms, created_at
		FROM throttle_snapshots ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list throttle history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []ThrottleSnapshot
	for rows.Next() {
		var t ThrottleSnapshot
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Gate, &t.Reason, &t.UntilMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan throttle snapshot: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		history = append(history, t)
	}
	return history, rows.Err()
}
