package state

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// maxArtifactBytes caps stored artifact content. Oversized content keeps its
// tail, since the end of a log is usually where the failure is.
const maxArtifactBytes = 64 * 1024

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`glpat-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
}

func redactSecrets(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

const gateColumns = `id, run_id, gate, status, reason, skip_reason, pr_url, pr_number, created_at, updated_at`

func scanGateResult(sc rowScanner) (*GateResult, error) {
	var g GateResult
	var status, createdAt, updatedAt string
	err := sc.Scan(&g.ID, &g.RunID, &g.Gate, &status, &g.Reason, &g.SkipReason,
		&g.PRUrl, &g.PRNumber, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	g.Status = GateStatus(status)
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

// UpsertGateResult records a gate decision for a run. Gates move forward
// only: pending may become pass, fail, or skipped, but a terminal status
// never changes. Re-recording the same terminal status is a no-op, so
// replayed stage completions are safe; recording a different one returns
// ErrGateFinal.
func (s *Store) UpsertGateResult(ctx context.Context, g *GateResult) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("upsert gate %s/%s: %w", g.RunID, g.Gate, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRow(ctx, `SELECT status FROM run_gate_results WHERE run_id = ? AND gate = ?`,
		g.RunID, g.Gate).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		ts := now()
		_, err = tx.Exec(ctx, `
			INSERT INTO run_gate_results (run_id, gate, status, reason, skip_reason, pr_url, pr_number, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, g.RunID, g.Gate, string(g.Status), g.Reason, g.SkipReason, g.PRUrl, g.PRNumber, ts, ts)
		if err != nil {
			return fmt.Errorf("insert gate %s/%s: %w", g.RunID, g.Gate, err)
		}
	case err != nil:
		return fmt.Errorf("read gate %s/%s: %w", g.RunID, g.Gate, err)
	case GateStatus(existing) == GatePending:
		_, err = tx.Exec(ctx, `
			UPDATE run_gate_results
			SET status = ?, reason = ?, skip_reason = ?, pr_url = ?, pr_number = ?, updated_at = ?
			WHERE run_id = ? AND gate = ?
		`, string(g.Status), g.Reason, g.SkipReason, g.PRUrl, g.PRNumber, now(), g.RunID, g.Gate)
		if err != nil {
			return fmt.Errorf("update gate %s/%s: %w", g.RunID, g.Gate, err)
		}
	case GateStatus(existing) == g.Status:
		// Replayed write of the same terminal decision.
		return nil
	default:
		return fmt.Errorf("gate %s/%s is %s, refusing %s: %w",
			g.RunID, g.Gate, existing, g.Status, ErrGateFinal)
	}

	return tx.Commit()
}

// GetGateResult returns the recorded decision for one gate of a run, or
// (nil, nil) when nothing was recorded.
func (s *Store) GetGateResult(ctx context.Context, runID, gate string) (*GateResult, error) {
	row := s.queryRow(ctx, `SELECT `+gateColumns+` FROM run_gate_results WHERE run_id = ? AND gate = ?`,
		runID, gate)
	g, err := scanGateResult(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get gate %s/%s: %w", runID, gate, err)
	}
	return g, nil
}

// ListGateResults returns all gate decisions for a run in recording order.
func (s *Store) ListGateResults(ctx context.Context, runID string) ([]GateResult, error) {
	rows, err := s.query(ctx, `SELECT `+gateColumns+` FROM run_gate_results WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list gates for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var results []GateResult
	for rows.Next() {
		g, err := scanGateResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate result: %w", err)
		}
		results = append(results, *g)
	}
	return results, rows.Err()
}

// RecordGateArtifact appends evidence to a gate. Content is redacted of
// token-like strings and tail-truncated past 64 KiB, with the applied
// truncation recorded on the row.
func (s *Store) RecordGateArtifact(ctx context.Context, runID, gate, kind, content string) error {
	content = redactSecrets(content)
	truncation := "none"
	if len(content) > maxArtifactBytes {
		content = content[len(content)-maxArtifactBytes:]
		truncation = "tail"
	}
	_, err := s.exec(ctx, `
		INSERT INTO run_gate_artifacts (run_id, gate, kind, content, truncation, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, gate, kind, content, truncation, now())
	if err != nil {
		return fmt.Errorf("record artifact %s/%s: %w", runID, gate, err)
	}
	return nil
}

// ListGateArtifacts returns a gate's artifacts oldest first. An empty gate
// returns artifacts across the whole run.
func (s *Store) ListGateArtifacts(ctx context.Context, runID, gate string) ([]GateArtifact, error) {
	query := `SELECT id, run_id, gate, kind, content, truncation, created_at
		FROM run_gate_artifacts WHERE run_id = ?`
	args := []any{runID}
	if gate != "" {
		query += ` AND gate = ?`
		args = append(args, gate)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []GateArtifact
	for rows.Next() {
		var a GateArtifact
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Gate, &a.Kind, &a.Content, &a.Truncation, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
