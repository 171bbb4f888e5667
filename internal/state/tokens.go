package state

import (
	"context"
	"database/sql"
	"fmt"
)

// Token accounting quality, best to worst.
const (
	TokenQualityMeasured  = "measured"
	TokenQualityEstimated = "estimated"
	TokenQualityMissing   = "missing"
)

func tokenQualityRank(q string) int {
	switch q {
	case TokenQualityMeasured:
		return 2
	case TokenQualityEstimated:
		return 1
	default:
		return 0
	}
}

// RecordTokenTotal stores the cumulative token count for one session within
// a run. A later write replaces an earlier one only when its quality is at
// least as good: a measured total is never clobbered by an estimate.
func (s *Store) RecordTokenTotal(ctx context.Context, runID, sessionID string, tokens int64, quality string) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("record tokens %s/%s: %w", runID, sessionID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRow(ctx, `
		SELECT quality FROM run_token_totals WHERE run_id = ? AND session_id = ?
	`, runID, sessionID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(ctx, `
			INSERT INTO run_token_totals (run_id, session_id, tokens, quality, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, runID, sessionID, tokens, quality, now())
		if err != nil {
			return fmt.Errorf("insert tokens %s/%s: %w", runID, sessionID, err)
		}
	case err != nil:
		return fmt.Errorf("read tokens %s/%s: %w", runID, sessionID, err)
	case tokenQualityRank(quality) >= tokenQualityRank(existing):
		_, err = tx.Exec(ctx, `
			UPDATE run_token_totals SET tokens = ?, quality = ?
			WHERE run_id = ? AND session_id = ?
		`, tokens, quality, runID, sessionID)
		if err != nil {
			return fmt.Errorf("update tokens %s/%s: %w", runID, sessionID, err)
		}
	default:
		// Lower-quality report; the better total stands.
		return nil
	}

	return tx.Commit()
}

// TokensForRun sums token totals across every session in a run.
func (s *Store) TokensForRun(ctx context.Context, runID string) (int64, error) {
	var total sql.NullInt64
	err := s.queryRow(ctx, `
		SELECT SUM(tokens) FROM run_token_totals WHERE run_id = ?
	`, runID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum tokens for run %s: %w", runID, err)
	}
	return total.Int64, nil
}

// ListTokenTotals returns per-session token totals for a run.
func (s *Store) ListTokenTotals(ctx context.Context, runID string) ([]TokenTotal, error) {
	rows, err := s.query(ctx, `
		SELECT run_id, session_id, tokens, quality
		FROM run_token_totals WHERE run_id = ? ORDER BY session_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tokens for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var totals []TokenTotal
	for rows.Next() {
		var t TokenTotal
		if err := rows.Scan(&t.RunID, &t.SessionID, &t.Tokens, &t.Quality); err != nil {
			return nil, fmt.Errorf("scan token total: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
