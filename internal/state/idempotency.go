package state

import (
	"context"
	"database/sql"
	"fmt"
)

// RecordIdempotencyKey claims a key before its side effect runs. If the key
// is already held the claim fails with ErrKeyExists and the caller must not
// repeat the effect. The insert itself is the race arbiter: exactly one
// claimant wins.
func (s *Store) RecordIdempotencyKey(ctx context.Context, key, scope, payload string) error {
	res, err := s.exec(ctx, `
		INSERT INTO idempotency_keys (key, scope, payload_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING
	`, key, scope, payload, now())
	if err != nil {
		return fmt.Errorf("record idempotency key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record idempotency key %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("idempotency key %s: %w", key, ErrKeyExists)
	}
	return nil
}

// GetIdempotencyRecord returns a held key, or (nil, nil) when free.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := s.queryRow(ctx, `
		SELECT key, scope, payload_json, created_at FROM idempotency_keys WHERE key = ?
	`, key)
	var r IdempotencyRecord
	var createdAt string
	if err := row.Scan(&r.Key, &r.Scope, &r.Payload, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency key %s: %w", key, err)
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// ReleaseIdempotencyKey frees a key after its side effect definitively did
// not happen (for example the API call failed before any write). Releasing
// an unheld key is a no-op.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	return nil
}

// ListIdempotencyKeys returns held keys in a scope, oldest first. An empty
// scope lists everything.
func (s *Store) ListIdempotencyKeys(ctx context.Context, scope string) ([]IdempotencyRecord, error) {
	query := `SELECT key, scope, payload_json, created_at FROM idempotency_keys`
	var args []any
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY created_at ASC, key ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list idempotency keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []IdempotencyRecord
	for rows.Next() {
		var r IdempotencyRecord
		var createdAt string
		if err := rows.Scan(&r.Key, &r.Scope, &r.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan idempotency key: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}
