package scheduler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/randalmurphal/ralph/internal/state"
)

func task(id int64, repo string, issue, prio int) state.Task {
	return state.Task{ID: id, Repo: repo, IssueNumber: issue, Priority: prio, Status: state.TaskQueued}
}

// refs renders starts as "repo#issue" in selection order.
func refs(starts []*Start) string {
	parts := make([]string, 0, len(starts))
	for _, s := range starts {
		parts = append(parts, fmt.Sprintf("%s#%d", s.Task.Repo, s.Task.IssueNumber))
	}
	return strings.Join(parts, " ")
}

func releaseAll(starts []*Start) {
	for _, s := range starts {
		s.Release()
	}
}

// TestPickThrottleGateStartsNothing verifies that a soft or hard
// throttle gate yields zero new starts even with eligible work.
func TestPickThrottleGateStartsNothing(t *testing.T) {
	s := New(Config{})
	tasks := []state.Task{task(1, "acme/a", 1, 2), task(2, "acme/b", 1, 2)}

	if got := s.Pick(Tick{Tasks: tasks, Gate: state.ThrottleSoft}); len(got) != 0 {
		t.Errorf("expected zero starts under soft throttle, got %d", len(got))
	}
	if got := s.Pick(Tick{Tasks: tasks, Gate: state.ThrottleHard}); len(got) != 0 {
		t.Errorf("expected zero starts under hard throttle, got %d", len(got))
	}
	if got := s.Pick(Tick{Tasks: tasks, Gate: state.ThrottleRunning}); len(got) != 2 {
		t.Errorf("expected 2 starts under running gate, got %d", len(got))
	}
}

// TestPickRespectsGlobalLimit verifies the global semaphore caps the
// tick and that releasing a permit frees one slot for the next tick.
func TestPickRespectsGlobalLimit(t *testing.T) {
	s := New(Config{GlobalLimit: 2, RepoLimit: 2, BandBudget: 4})
	tasks := []state.Task{
		task(1, "acme/a", 1, 2), task(2, "acme/a", 2, 2),
		task(3, "acme/b", 11, 2), task(4, "acme/b", 12, 2),
	}

	starts := s.Pick(Tick{Tasks: tasks})
	if len(starts) != 2 {
		t.Fatalf("expected 2 starts at global limit, got %d: %s", len(starts), refs(starts))
	}

	starts[0].Release()
	rest := s.Pick(Tick{Tasks: []state.Task{task(3, "acme/b", 11, 2), task(4, "acme/b", 12, 2)}})
	if len(rest) != 1 {
		t.Errorf("expected 1 start after releasing one permit, got %d", len(rest))
	}
}

// TestPickRespectsRepoLimit verifies the per-repo semaphore is
// consulted before the global one.
func TestPickRespectsRepoLimit(t *testing.T) {
	s := New(Config{GlobalLimit: 10, RepoLimit: 1, BandBudget: 4})
	tasks := []state.Task{task(1, "acme/a", 1, 2), task(2, "acme/a", 2, 2), task(3, "acme/a", 3, 2)}

	starts := s.Pick(Tick{Tasks: tasks})
	if got := refs(starts); got != "acme/a#1" {
		t.Fatalf("expected only acme/a#1 under repo limit 1, got %q", got)
	}

	releaseAll(starts)
	next := s.Pick(Tick{Tasks: tasks[1:]})
	if got := refs(next); got != "acme/a#2" {
		t.Errorf("expected acme/a#2 after release, got %q", got)
	}
}

// TestPickDrainsUrgentBandFirst verifies strict band precedence and
// issue-number order within a repo.
func TestPickDrainsUrgentBandFirst(t *testing.T) {
	s := New(Config{})
	tasks := []state.Task{
		task(1, "acme/a", 5, 1),
		task(2, "acme/b", 1, 2),
		task(3, "acme/a", 3, 1),
	}

	starts := s.Pick(Tick{Tasks: tasks})
	if got := refs(starts); got != "acme/a#3 acme/a#5 acme/b#1" {
		t.Errorf("expected band 1 drained in issue order before band 2, got %q", got)
	}
}

// TestPickAlternatesReposWithinBand verifies round-robin when the
// gulp budget is one.
func TestPickAlternatesReposWithinBand(t *testing.T) {
	s := New(Config{GlobalLimit: 10, RepoLimit: 10, BandBudget: 1})
	tasks := []state.Task{
		task(1, "acme/a", 1, 1), task(2, "acme/a", 2, 1),
		task(3, "acme/b", 11, 1), task(4, "acme/b", 12, 1),
	}

	starts := s.Pick(Tick{Tasks: tasks})
	if got := refs(starts); got != "acme/a#1 acme/b#11 acme/a#2 acme/b#12" {
		t.Errorf("expected strict alternation, got %q", got)
	}
}

// TestPickGulpsBudgetBeforeRotating verifies the cursor repo draws
// its full gulp before the rotation moves on.
func TestPickGulpsBudgetBeforeRotating(t *testing.T) {
	s := New(Config{GlobalLimit: 10, RepoLimit: 10, BandBudget: 2})
	tasks := []state.Task{
		task(1, "acme/a", 1, 1), task(2, "acme/a", 2, 1), task(3, "acme/a", 3, 1),
		task(4, "acme/b", 11, 1), task(5, "acme/b", 12, 1),
	}

	starts := s.Pick(Tick{Tasks: tasks})
	if got := refs(starts); got != "acme/a#1 acme/a#2 acme/b#11 acme/b#12 acme/a#3" {
		t.Errorf("expected two-task gulps, got %q", got)
	}
}

// TestPickCursorPersistsAcrossTicks verifies the rotation resumes
// where it left off while the repo set is stable.
func TestPickCursorPersistsAcrossTicks(t *testing.T) {
	s := New(Config{GlobalLimit: 1, RepoLimit: 1, BandBudget: 1})
	remaining := []state.Task{
		task(1, "acme/a", 1, 1), task(2, "acme/a", 2, 1),
		task(3, "acme/b", 11, 1), task(4, "acme/b", 12, 1),
	}

	var order []string
	for tick := 0; tick < 4; tick++ {
		starts := s.Pick(Tick{Tasks: remaining})
		if len(starts) != 1 {
			t.Fatalf("tick %d: expected 1 start, got %d", tick, len(starts))
		}
		order = append(order, refs(starts))
		id := starts[0].Task.ID
		var rest []state.Task
		for _, tk := range remaining {
			if tk.ID != id {
				rest = append(rest, tk)
			}
		}
		remaining = rest
		releaseAll(starts)
	}

	got := strings.Join(order, " ")
	if got != "acme/a#1 acme/b#11 acme/a#2 acme/b#12" {
		t.Errorf("expected alternation to survive ticks, got %q", got)
	}
}

// TestPickRepoSetChangeResetsRotation verifies the fingerprint reset:
// a new repo in the set rewinds the cursor deterministically.
func TestPickRepoSetChangeResetsRotation(t *testing.T) {
	s := New(Config{GlobalLimit: 1, RepoLimit: 1, BandBudget: 1})
	tasks := []state.Task{
		task(1, "acme/a", 1, 1), task(2, "acme/a", 2, 1),
		task(3, "acme/b", 11, 1), task(4, "acme/b", 12, 1),
	}

	starts := s.Pick(Tick{Tasks: tasks})
	if got := refs(starts); got != "acme/a#1" {
		t.Fatalf("expected acme/a#1 first, got %q", got)
	}
	releaseAll(starts)

	// Without the new repo the cursor would be on acme/b.
	withC := append(tasks[1:], task(5, "acme/c", 21, 1))
	starts = s.Pick(Tick{Tasks: withC})
	if got := refs(starts); got != "acme/a#2" {
		t.Errorf("expected reset rotation to restart at acme/a, got %q", got)
	}
}

// TestPickSkipsRepoAtCapacity verifies a refused repo permit skips
// that repo for the rest of the tick instead of ending it.
func TestPickSkipsRepoAtCapacity(t *testing.T) {
	s := New(Config{GlobalLimit: 10, RepoLimit: 1, BandBudget: 4})
	tasks := []state.Task{
		task(1, "acme/a", 1, 1), task(2, "acme/a", 2, 1),
		task(3, "acme/b", 11, 1),
	}

	starts := s.Pick(Tick{Tasks: tasks})
	if got := refs(starts); got != "acme/a#1 acme/b#11" {
		t.Fatalf("expected one start per repo, got %q", got)
	}

	// Both permits still held: nothing else may start.
	if again := s.Pick(Tick{Tasks: []state.Task{task(2, "acme/a", 2, 1)}}); len(again) != 0 {
		t.Errorf("expected zero starts while permits held, got %d", len(again))
	}

	releaseAll(starts)
	next := s.Pick(Tick{Tasks: []state.Task{task(2, "acme/a", 2, 1)}})
	if got := refs(next); got != "acme/a#2" {
		t.Errorf("expected acme/a#2 after release, got %q", got)
	}
}

// TestPickSkipsInFlightTasks verifies the dispatcher's in-flight set
// excludes tasks from selection.
func TestPickSkipsInFlightTasks(t *testing.T) {
	s := New(Config{})
	tasks := []state.Task{task(1, "acme/a", 1, 2), task(2, "acme/a", 2, 2)}

	starts := s.Pick(Tick{Tasks: tasks, InFlight: map[int64]bool{1: true}})
	if got := refs(starts); got != "acme/a#2" {
		t.Errorf("expected only the idle task to start, got %q", got)
	}
}

// TestReleaseIsIdempotent verifies double Release neither panics nor
// mints extra capacity.
func TestReleaseIsIdempotent(t *testing.T) {
	s := New(Config{GlobalLimit: 1, RepoLimit: 1})

	starts := s.Pick(Tick{Tasks: []state.Task{task(1, "acme/a", 1, 2)}})
	if len(starts) != 1 {
		t.Fatalf("expected 1 start, got %d", len(starts))
	}
	starts[0].Release()
	starts[0].Release()

	held := s.Pick(Tick{Tasks: []state.Task{task(2, "acme/a", 2, 2)}})
	if got := refs(held); got != "acme/a#2" {
		t.Fatalf("expected acme/a#2 to start, got %q", got)
	}

	// The double release must not have freed a second slot.
	if extra := s.Pick(Tick{Tasks: []state.Task{task(3, "acme/a", 3, 2)}}); len(extra) != 0 {
		t.Errorf("expected zero starts with permit held, got %d", len(extra))
	}
}

// TestSnapshotReportsRotation verifies the status view of bands,
// cursors, and budgets.
func TestSnapshotReportsRotation(t *testing.T) {
	s := New(Config{GlobalLimit: 10, RepoLimit: 10, BandBudget: 2})
	tasks := []state.Task{task(1, "acme/a", 1, 1), task(2, "acme/b", 11, 2)}

	if starts := s.Pick(Tick{Tasks: tasks}); len(starts) != 2 {
		t.Fatalf("expected 2 starts, got %d", len(starts))
	}

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 bands, got %d", len(snap))
	}
	if snap[0].Priority != 1 || snap[1].Priority != 2 {
		t.Errorf("expected bands ordered 1,2, got %d,%d", snap[0].Priority, snap[1].Priority)
	}
	if len(snap[0].Repos) != 1 || snap[0].Repos[0] != "acme/a" {
		t.Errorf("expected band 1 ring [acme/a], got %v", snap[0].Repos)
	}
	if snap[0].Budget != 2 {
		t.Errorf("expected band 1 budget replenished to 2, got %d", snap[0].Budget)
	}
	if snap[1].Budget != 1 {
		t.Errorf("expected band 2 budget replenished to 1, got %d", snap[1].Budget)
	}
}
