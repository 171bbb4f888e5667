package worker

import (
	"context"
	"fmt"

	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/markers"
)

// findMarkedComment returns the task's existing marked comment of the
// given kind, or nil when none exists. The marker ID is derived from
// (repo, issue) so every worker lands on the same comment.
func (w *Worker) findMarkedComment(ctx context.Context, rc *runCtx, kind string) (*hosting.IssueComment, error) {
	id := markers.CommentID(rc.task.Repo, rc.task.IssueNumber)
	comments, err := rc.host.ListIssueComments(ctx, rc.task.IssueNumber)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	for i := range comments {
		if markers.HasID(comments[i].Body, kind, id) {
			return &comments[i], nil
		}
	}
	return nil, nil
}

// ensureComment upserts the kind's single marked comment on the task's
// issue. It returns true when a create or update was issued, false when
// the existing comment already carries the exact body — that makes
// crash-replayed transitions write nothing and notify nobody twice.
func (w *Worker) ensureComment(ctx context.Context, rc *runCtx, kind string, state any, visible string) (bool, error) {
	id := markers.CommentID(rc.task.Repo, rc.task.IssueNumber)
	body, err := markers.ComposeComment(kind, id, state, visible)
	if err != nil {
		return false, err
	}

	existing, err := w.findMarkedComment(ctx, rc, kind)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if existing.Body == body {
			return false, nil
		}
		if _, err := rc.host.UpdateIssueComment(ctx, rc.task.IssueNumber, existing.ID, body); err != nil {
			return false, fmt.Errorf("update %s comment: %w", kind, err)
		}
		return true, nil
	}

	if _, err := rc.host.CreateIssueComment(ctx, rc.task.IssueNumber, body); err != nil {
		return false, fmt.Errorf("create %s comment: %w", kind, err)
	}
	return true, nil
}

// readCommentState loads the embedded state blob from the kind's marked
// comment into v. Returns false when no comment (or no state line) exists.
// A present-but-corrupt blob is treated as absent: the lane restarts its
// bookkeeping rather than wedging on an unparseable comment.
func (w *Worker) readCommentState(ctx context.Context, rc *runCtx, kind string, v any) (bool, error) {
	existing, err := w.findMarkedComment(ctx, rc, kind)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	found, err := markers.ExtractState(existing.Body, kind, v)
	if err != nil {
		w.log.Warn("marked comment state unreadable, starting fresh",
			"task", rc.task.Ref().String(), "kind", kind, "error", err)
		return false, nil
	}
	return found, nil
}
