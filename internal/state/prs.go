package state

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// UpsertPRSnapshot records the latest observation of a pull request.
func (s *Store) UpsertPRSnapshot(ctx context.Context, p *PRSnapshot) error {
	_, err := s.exec(ctx, `
		INSERT INTO pr_snapshots (repo, issue_number, pr_number, url, state, mergeable_state,
			head_branch, base_branch, head_sha, is_draft, cross_repo,
			gh_created_at, gh_updated_at, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo, pr_number) DO UPDATE SET
			issue_number = excluded.issue_number,
			url = excluded.url,
			state = excluded.state,
			mergeable_state = excluded.mergeable_state,
			head_branch = excluded.head_branch,
			base_branch = excluded.base_branch,
			head_sha = excluded.head_sha,
			is_draft = excluded.is_draft,
			cross_repo = excluded.cross_repo,
			gh_created_at = excluded.gh_created_at,
			gh_updated_at = excluded.gh_updated_at,
			observed_at = excluded.observed_at
	`, p.Repo, p.IssueNumber, p.PRNumber, p.URL, p.State, p.MergeableState,
		p.HeadBranch, p.BaseBranch, p.HeadSHA, boolToInt(p.IsDraft), boolToInt(p.CrossRepo),
		p.GHCreatedAt, p.GHUpdatedAt, now())
	if err != nil {
		return fmt.Errorf("upsert pr snapshot %s!%d: %w", p.Repo, p.PRNumber, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListPRSnapshotsForIssue returns every observed PR tied to an issue,
// lowest number first.
func (s *Store) ListPRSnapshotsForIssue(ctx context.Context, repo string, issueNumber int) ([]PRSnapshot, error) {
	rows, err := s.query(ctx, `
		SELECT repo, issue_number, pr_number, url, state, mergeable_state,
			head_branch, base_branch, head_sha, is_draft, cross_repo,
			gh_created_at, gh_updated_at, observed_at
		FROM pr_snapshots WHERE repo = ? AND issue_number = ?
		ORDER BY pr_number ASC
	`, repo, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("list pr snapshots %s#%d: %w", repo, issueNumber, err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []PRSnapshot
	for rows.Next() {
		var p PRSnapshot
		var isDraft, crossRepo int
		var observedAt string
		err := rows.Scan(&p.Repo, &p.IssueNumber, &p.PRNumber, &p.URL, &p.State, &p.MergeableState,
			&p.HeadBranch, &p.BaseBranch, &p.HeadSHA, &isDraft, &crossRepo,
			&p.GHCreatedAt, &p.GHUpdatedAt, &observedAt)
		if err != nil {
			return nil, fmt.Errorf("scan pr snapshot: %w", err)
		}
		p.IsDraft = isDraft != 0
		p.CrossRepo = crossRepo != 0
		p.ObservedAt = parseTime(observedAt)
		snaps = append(snaps, p)
	}
	return snaps, rows.Err()
}

// ResolveCanonicalPR picks the one PR a task should drive for an issue, and
// labels the rest duplicates.
//
// A merged PR always wins: the work already landed and the pipeline should
// converge on done. Otherwise the earliest-created open PR is canonical,
// with latest update then lowest number breaking ties; the remaining open
// PRs are duplicates. Closed, unmerged PRs never participate.
func ResolveCanonicalPR(issue IssueRef, snaps []PRSnapshot) PRResolution {
	res := PRResolution{Issue: issue}

	var merged []PRSnapshot
	var open []PRSnapshot
	for _, p := range snaps {
		switch p.State {
		case "MERGED":
			merged = append(merged, p)
		case "OPEN":
			open = append(open, p)
		}
	}

	if len(merged) > 0 {
		sort.Slice(merged, func(i, j int) bool {
			ti, tj := ghTime(merged[i].GHUpdatedAt), ghTime(merged[j].GHUpdatedAt)
			if !ti.Equal(tj) {
				return ti.After(tj)
			}
			return merged[i].PRNumber < merged[j].PRNumber
		})
		sel := merged[0]
		res.Selected = &sel
		res.Duplicates = append(res.Duplicates, open...)
		return res
	}

	if len(open) == 0 {
		return res
	}

	sort.Slice(open, func(i, j int) bool {
		ci, cj := ghTime(open[i].GHCreatedAt), ghTime(open[j].GHCreatedAt)
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		ui, uj := ghTime(open[i].GHUpdatedAt), ghTime(open[j].GHUpdatedAt)
		if !ui.Equal(uj) {
			return ui.After(uj)
		}
		return open[i].PRNumber < open[j].PRNumber
	})

	sel := open[0]
	res.Selected = &sel
	res.Duplicates = append(res.Duplicates, open[1:]...)
	return res
}

// ghTime parses a GitHub timestamp, treating garbage as the zero time so a
// missing field sorts first rather than failing resolution.
func ghTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ResolvePRForIssue loads an issue's snapshots and resolves the canonical PR.
func (s *Store) ResolvePRForIssue(ctx context.Context, repo string, issueNumber int) (PRResolution, error) {
	snaps, err := s.ListPRSnapshotsForIssue(ctx, repo, issueNumber)
	if err != nil {
		return PRResolution{}, err
	}
	return ResolveCanonicalPR(IssueRef{Repo: repo, Number: issueNumber}, snaps), nil
}
