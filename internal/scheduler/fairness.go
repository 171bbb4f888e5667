package scheduler

import (
	"hash/fnv"
	"sort"

	"github.com/randalmurphal/ralph/internal/state"
)

// band is the persistent rotation state for one priority value: the
// repo ring (rebuilt each tick), the cursor into it, and the draws
// left in the current gulp.
type band struct {
	repos  []string
	cursor int
	budget int
}

// advance rotates to the next stop and refills the gulp budget. It
// reports whether the band still has a startable task anywhere.
func (b *band) advance(allot int, queues map[string]repoQueue, prio int, full map[string]bool) bool {
	b.cursor = (b.cursor + 1) % len(b.repos)
	b.budget = allot
	for _, repo := range b.repos {
		if !full[repo] && len(queues[repo][prio]) > 0 {
			return true
		}
	}
	return false
}

// repoQueue is one repo's eligible tasks bucketed by priority, each
// bucket ordered by issue number.
type repoQueue map[int][]state.Task

func (q repoQueue) pop(prio int) state.Task {
	ts := q[prio]
	t := ts[0]
	q[prio] = ts[1:]
	return t
}

// groupByRepo buckets the eligible tasks, dropping any the dispatcher
// is still running, and fixes the within-repo order.
func groupByRepo(tasks []state.Task, inflight map[int64]bool) map[string]repoQueue {
	out := make(map[string]repoQueue)
	for _, t := range tasks {
		if inflight[t.ID] {
			continue
		}
		q := out[t.Repo]
		if q == nil {
			q = make(repoQueue)
			out[t.Repo] = q
		}
		q[t.Priority] = append(q[t.Priority], t)
	}
	for _, q := range out {
		for p := range q {
			bucket := q[p]
			sort.Slice(bucket, func(i, j int) bool { return bucket[i].IssueNumber < bucket[j].IssueNumber })
		}
	}
	return out
}

// bandOrder returns the distinct priorities present, most urgent
// (lowest value) first.
func bandOrder(queues map[string]repoQueue) []int {
	seen := make(map[int]bool)
	var prios []int
	for _, q := range queues {
		for p := range q {
			if !seen[p] {
				seen[p] = true
				prios = append(prios, p)
			}
		}
	}
	sort.Ints(prios)
	return prios
}

// bandRepos returns the sorted ring of repos with work at this
// priority.
func bandRepos(queues map[string]repoQueue, prio int) []string {
	var repos []string
	for repo, q := range queues {
		if len(q[prio]) > 0 {
			repos = append(repos, repo)
		}
	}
	sort.Strings(repos)
	return repos
}

// fingerprint hashes the sorted repo set. Rotation state survives
// between ticks only while the repo set is stable; any change seeds
// fresh cursors and budgets.
func fingerprint(queues map[string]repoQueue) uint64 {
	repos := make([]string, 0, len(queues))
	for repo := range queues {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	h := fnv.New64a()
	for _, repo := range repos {
		_, _ = h.Write([]byte(repo))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// reseed refreshes each band's repo ring for this tick and rebuilds
// all rotation state when the repo set itself changed. Callers hold
// s.mu.
func (s *Scheduler) reseed(queues map[string]repoQueue) {
	if fp := fingerprint(queues); fp != s.fp {
		s.fp = fp
		s.bands = make(map[int]*band)
	}
	for _, prio := range bandOrder(queues) {
		b := s.bands[prio]
		if b == nil {
			b = &band{budget: s.allot(prio)}
			s.bands[prio] = b
		}
		b.repos = bandRepos(queues, prio)
		if n := len(b.repos); n > 0 {
			b.cursor %= n
		} else {
			b.cursor = 0
		}
	}
}
