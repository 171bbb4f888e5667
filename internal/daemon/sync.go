package daemon

import (
	"context"
	"sort"
	"time"

	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/state"
)

// maxSyncBackoff caps the per-repo retry delay after repeated sync
// failures.
const maxSyncBackoff = 30 * time.Minute

// syncRepos refreshes the issue mirror for every configured repo that is
// due: past its minimum sync interval and not inside a failure backoff.
func (d *Daemon) syncRepos(now time.Time) {
	for i := range d.cfg.Repos {
		repo := d.cfg.Repos[i].Name
		if d.ctx.Err() != nil {
			return
		}
		if !d.syncDue(repo, now) {
			continue
		}
		if err := d.syncRepo(d.ctx, repo, now); err != nil {
			if !hosting.IsRetriable(err) {
				// A bad token or a vanished repo will not heal on its
				// own; park at the cap instead of walking the ladder.
				d.log.Warn("issue sync failed; not retriable", "repo", repo, "error", err)
				if err := d.store.RecordRepoSyncFailure(d.ctx, repo, now.Add(maxSyncBackoff).UnixMilli()); err != nil {
					d.log.Warn("sync bookkeeping failed", "repo", repo, "error", err)
				}
				continue
			}
			d.log.Warn("issue sync failed", "repo", repo, "error", err)
			d.recordSyncFailure(repo, now)
			continue
		}
		if err := d.store.RecordRepoSyncSuccess(d.ctx, repo); err != nil {
			d.log.Warn("sync bookkeeping failed", "repo", repo, "error", err)
		}
	}
}

func (d *Daemon) syncDue(repo string, now time.Time) bool {
	rs, err := d.store.GetRepoSync(d.ctx, repo)
	if err != nil {
		d.log.Warn("sync bookkeeping read failed", "repo", repo, "error", err)
		return false
	}
	if rs == nil {
		return true
	}
	if rs.BackoffUntilMs > now.UnixMilli() {
		return false
	}
	if rs.LastSyncAt != nil && now.Sub(*rs.LastSyncAt) < d.cfg.Daemon.SyncMinInterval {
		return false
	}
	return true
}

// recordSyncFailure doubles the retry delay per consecutive failure,
// capped at maxSyncBackoff.
func (d *Daemon) recordSyncFailure(repo string, now time.Time) {
	failures := 0
	if rs, err := d.store.GetRepoSync(d.ctx, repo); err == nil && rs != nil {
		failures = rs.Failures
	}
	backoff := d.cfg.Daemon.SyncMinInterval
	for i := 0; i < failures && backoff < maxSyncBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxSyncBackoff {
		backoff = maxSyncBackoff
	}
	if err := d.store.RecordRepoSyncFailure(d.ctx, repo, now.Add(backoff).UnixMilli()); err != nil {
		d.log.Warn("sync bookkeeping failed", "repo", repo, "error", err)
	}
}

// syncRepo mirrors one repo's open issues and creates or revives tasks
// for the labelled ones.
//
// The fetch is unfiltered by label: tracking parents may be unlabelled,
// and flip detection needs the mirror to record label absence. Mirrored
// issues missing from the open fetch were closed upstream and get an
// individual refresh so child-closure checks see them.
func (d *Daemon) syncRepo(ctx context.Context, repo string, now time.Time) error {
	host, err := d.deps.Ports.Hosts(repo)
	if err != nil {
		return err
	}
	started := time.Now()

	fresh, err := host.ListIssues(ctx, hosting.IssueListOptions{State: "open"})
	if err != nil {
		return err
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Number < fresh[j].Number })

	label := d.cfg.RepoLabel(repo)
	parentOf := childIndex(fresh)

	seen := make(map[int]bool, len(fresh))
	labelled := 0
	for i := range fresh {
		is := &fresh[i]
		seen[is.Number] = true
		if hasLabel(is.Labels, label) {
			labelled++
		}
		if err := d.mirrorIssue(ctx, repo, is, parentOf[is.Number], label); err != nil {
			return err
		}
	}

	if err := d.refreshVanished(ctx, host, repo, seen); err != nil {
		return err
	}
	d.queueParentVerifications(ctx, repo, fresh, parentOf, label)

	d.publish(events.NewEvent(events.EventRepoSynced, events.GlobalTaskID, events.SyncData{
		Repo:       repo,
		OpenIssues: len(fresh),
		Labelled:   labelled,
		Took:       time.Since(started).Round(time.Millisecond).String(),
	}))
	return nil
}

// mirrorIssue upserts one issue and keeps its task in step: labelled open
// issues get a task, and a label that flipped back on revives a parked or
// finished one.
func (d *Daemon) mirrorIssue(ctx context.Context, repo string, is *hosting.Issue, parent int, label string) error {
	prior, err := d.store.GetIssue(ctx, repo, is.Number)
	if err != nil {
		return err
	}
	err = d.store.UpsertIssue(ctx, &state.Issue{
		Repo:         repo,
		Number:       is.Number,
		Title:        is.Title,
		State:        is.State,
		ParentNumber: parent,
		GHUpdatedAt:  is.UpdatedAt,
		Labels:       is.Labels,
	})
	if err != nil {
		return err
	}

	if is.State != "open" || !hasLabel(is.Labels, label) {
		return nil
	}

	task, created, err := d.store.EnsureTask(ctx, repo, is.Number, is.Title, d.cfg.RepoPriority(repo))
	if err != nil {
		return err
	}
	if created {
		d.log.Info("task created", "task", task.Ref().String(), "title", is.Title)
		d.publish(events.NewEvent(events.EventTaskStatus, task.Ref().String(), events.StatusUpdate{
			To: string(state.TaskQueued),
		}))
		return nil
	}

	// Label flipped back on since the last sync: revive the task.
	if prior != nil && !hasLabel(prior.Labels, label) {
		d.reviveTask(ctx, task, "label restored")
	}
	return nil
}

// refreshVanished re-fetches mirrored-open issues absent from the open
// listing; they closed (or vanished) upstream.
func (d *Daemon) refreshVanished(ctx context.Context, host hosting.Provider, repo string, seen map[int]bool) error {
	stored, err := d.store.ListOpenIssues(ctx, repo)
	if err != nil {
		return err
	}
	for i := range stored {
		mirror := &stored[i]
		if seen[mirror.Number] {
			continue
		}
		fresh, err := host.GetIssue(ctx, mirror.Number)
		if err != nil {
			d.log.Warn("issue refresh failed", "repo", repo, "number", mirror.Number, "error", err)
			continue
		}
		err = d.store.UpsertIssue(ctx, &state.Issue{
			Repo:         repo,
			Number:       mirror.Number,
			Title:        fresh.Title,
			State:        fresh.State,
			ParentNumber: mirror.ParentNumber,
			GHUpdatedAt:  fresh.UpdatedAt,
			Labels:       fresh.Labels,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// queueParentVerifications marks labelled open parents whose children all
// closed as pending verification. Rows that already exist are left alone.
func (d *Daemon) queueParentVerifications(ctx context.Context, repo string, fresh []hosting.Issue, parentOf map[int]int, label string) {
	isParent := make(map[int]bool, len(parentOf))
	for _, parent := range parentOf {
		isParent[parent] = true
	}

	for i := range fresh {
		is := &fresh[i]
		if !isParent[is.Number] || !hasLabel(is.Labels, label) {
			continue
		}
		children, err := d.store.ListChildIssues(ctx, repo, is.Number)
		if err != nil {
			d.log.Warn("child listing failed", "repo", repo, "parent", is.Number, "error", err)
			continue
		}
		if len(children) == 0 || !allClosed(children) {
			continue
		}
		if err := d.store.EnsureParentVerification(ctx, repo, is.Number); err != nil {
			d.log.Warn("parent verification enqueue failed", "repo", repo, "parent", is.Number, "error", err)
		}
	}
}

// childIndex maps child issue numbers to their parent. Parents are walked
// lowest number first, and the first declaration of a child wins.
func childIndex(issues []hosting.Issue) map[int]int {
	parentOf := make(map[int]int)
	for i := range issues {
		is := &issues[i]
		for _, child := range hosting.ParseChildRefs(is.Body) {
			if child == is.Number {
				continue
			}
			if _, claimed := parentOf[child]; !claimed {
				parentOf[child] = is.Number
			}
		}
	}
	return parentOf
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func allClosed(issues []state.Issue) bool {
	for i := range issues {
		if issues[i].State != "closed" {
			return false
		}
	}
	return true
}
