// Package scheduler picks which queued tasks start each daemon tick.
//
// Selection is fair across repositories and strict across priority
// bands: band 1 (most urgent) is drained before band 2 is considered.
// Within a band the scheduler rotates over the repos that have work at
// that priority, drawing up to a gulp budget from the cursor repo
// before moving on. Capacity is enforced by a global semaphore and one
// semaphore per repo; every start holds one permit from each until the
// caller releases it.
package scheduler

import (
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/ralph/internal/state"
)

// Config bounds concurrency and tunes band rotation.
type Config struct {
	// GlobalLimit caps in-flight workers across all repos.
	GlobalLimit int
	// RepoLimit caps in-flight workers within one repo.
	RepoLimit int
	// BandBudget is the gulp size for the most urgent band; each band
	// below it draws one fewer per cursor stop, floored at one.
	BandBudget int
}

const (
	defaultGlobalLimit = 4
	defaultRepoLimit   = 2
	defaultBandBudget  = 4
)

// Tick is one scheduling round's input: the queued tasks in store
// order, the task IDs the dispatcher is still running, and the
// throttle gate in force.
type Tick struct {
	Tasks    []state.Task
	InFlight map[int64]bool
	Gate     string
}

// Start is one granted slot. Release returns both permits and is safe
// to call more than once; the dispatcher releases on worker exit and
// teardown paths may race it.
type Start struct {
	Task    state.Task
	release func()
}

// Release returns the start's repo and global permits.
func (s *Start) Release() { s.release() }

// Scheduler holds the capacity semaphores and the per-band rotation
// state that persists between ticks.
type Scheduler struct {
	cfg    Config
	global *semaphore.Weighted

	mu    sync.Mutex
	repos map[string]*semaphore.Weighted
	bands map[int]*band
	fp    uint64
}

// New builds a scheduler with the configured caps, defaulting any
// that are unset or nonsensical.
func New(cfg Config) *Scheduler {
	if cfg.GlobalLimit < 1 {
		cfg.GlobalLimit = defaultGlobalLimit
	}
	if cfg.RepoLimit < 1 {
		cfg.RepoLimit = defaultRepoLimit
	}
	if cfg.BandBudget < 1 {
		cfg.BandBudget = defaultBandBudget
	}
	return &Scheduler{
		cfg:    cfg,
		global: semaphore.NewWeighted(int64(cfg.GlobalLimit)),
		repos:  make(map[string]*semaphore.Weighted),
		bands:  make(map[int]*band),
	}
}

// Pick selects the tasks to start this tick and acquires their
// permits. Under a soft or hard throttle gate nothing starts. Bands
// are visited most urgent first and each is drained before the next is
// considered; within a band the cursor repo keeps drawing until its
// gulp budget empties, then the rotation moves on. A repo whose
// semaphore refuses a permit is skipped for the rest of the tick; when
// the global semaphore refuses, the tick is over.
func (s *Scheduler) Pick(t Tick) []*Start {
	if t.Gate == state.ThrottleSoft || t.Gate == state.ThrottleHard {
		return nil
	}
	queues := groupByRepo(t.Tasks, t.InFlight)
	if len(queues) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reseed(queues)

	var starts []*Start
	for _, prio := range bandOrder(queues) {
		b := s.bands[prio]
		if len(b.repos) == 0 {
			continue
		}
		full := make(map[string]bool)
		for {
			repo := b.repos[b.cursor%len(b.repos)]
			if full[repo] || len(queues[repo][prio]) == 0 {
				if !b.advance(s.allot(prio), queues, prio, full) {
					break
				}
				continue
			}
			sem := s.repoSem(repo)
			if !sem.TryAcquire(1) {
				full[repo] = true
				if !b.advance(s.allot(prio), queues, prio, full) {
					break
				}
				continue
			}
			if !s.global.TryAcquire(1) {
				sem.Release(1)
				return starts
			}
			starts = append(starts, s.grant(queues[repo].pop(prio), sem))
			b.budget--
			if b.budget <= 0 && !b.advance(s.allot(prio), queues, prio, full) {
				break
			}
		}
	}
	return starts
}

// grant pairs the task with a once-only release of both permits.
func (s *Scheduler) grant(task state.Task, sem *semaphore.Weighted) *Start {
	var once sync.Once
	return &Start{
		Task: task,
		release: func() {
			once.Do(func() {
				sem.Release(1)
				s.global.Release(1)
			})
		},
	}
}

// repoSem returns the repo's semaphore, creating it on first sight.
// Callers hold s.mu.
func (s *Scheduler) repoSem(repo string) *semaphore.Weighted {
	sem := s.repos[repo]
	if sem == nil {
		sem = semaphore.NewWeighted(int64(s.cfg.RepoLimit))
		s.repos[repo] = sem
	}
	return sem
}

// allot is the gulp size for a band.
func (s *Scheduler) allot(prio int) int {
	a := s.cfg.BandBudget - (prio - 1)
	if a < 1 {
		return 1
	}
	return a
}

// BandState is one band's rotation position, for status output.
type BandState struct {
	Priority int
	Repos    []string
	Cursor   int
	Budget   int
}

// Snapshot reports the rotation state as of the last tick that saw
// each band, most urgent band first.
func (s *Scheduler) Snapshot() []BandState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BandState, 0, len(s.bands))
	for prio, b := range s.bands {
		out = append(out, BandState{
			Priority: prio,
			Repos:    append([]string(nil), b.repos...),
			Cursor:   b.cursor,
			Budget:   b.budget,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
