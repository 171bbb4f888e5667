// Package daemon runs the orchestration loop. Each tick it refreshes the
// throttle gate, revives parked tasks whose wait expired, mirrors hosting
// issues into tasks, asks the scheduler which queued tasks may start, and
// runs one pipeline worker per granted slot. The daemon is single-node:
// one process owns the store and every claim carries its daemon ID.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/scheduler"
	"github.com/randalmurphal/ralph/internal/state"
	"github.com/randalmurphal/ralph/internal/worker"
)

// Status is the daemon lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Deps carries the collaborators the daemon shares with its workers.
type Deps struct {
	// Ports is handed to every worker. Store, Hosts, Agent, and Events
	// must be set; the daemon itself reads and writes through Store and
	// resolves providers through Hosts during issue sync.
	Ports worker.Ports

	// WorkerConfig yields the pipeline config for one repo's tasks.
	WorkerConfig func(repo string) worker.Config

	// Scheduler bounds concurrency. Zero fields use scheduler defaults.
	Scheduler scheduler.Config

	// DaemonID identifies this process in claims and heartbeats.
	DaemonID string

	// Clock is the time source; nil means time.Now. Tests pin it.
	Clock func() time.Time
}

// Daemon owns the tick loop and the in-flight worker set.
type Daemon struct {
	cfg   *config.Config
	deps  Deps
	sched *scheduler.Scheduler
	store *state.Store
	log   *slog.Logger

	mu        sync.Mutex
	status    Status
	inFlight  map[int64]*flight
	tickCount uint64
	lastSweep time.Time
	gate      string

	ctx    context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	workWG sync.WaitGroup
}

// New builds a daemon. The config must have passed Validate; deps.Ports
// must carry a Store.
func New(cfg *config.Config, deps Deps) *Daemon {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Ports.Clock == nil {
		deps.Ports.Clock = deps.Clock
	}
	if deps.Ports.Logger == nil {
		deps.Ports.Logger = slog.Default()
	}
	if deps.Ports.Events == nil {
		deps.Ports.Events = events.NewNopPublisher()
	}
	if deps.WorkerConfig == nil {
		deps.WorkerConfig = func(string) worker.Config {
			return worker.Config{DaemonID: deps.DaemonID}
		}
	}
	return &Daemon{
		cfg:      cfg,
		deps:     deps,
		sched:    scheduler.New(deps.Scheduler),
		store:    deps.Ports.Store,
		log:      deps.Ports.Logger,
		status:   StatusStopped,
		inFlight: make(map[int64]*flight),
		gate:     state.ThrottleRunning,
	}
}

// Start begins ticking. It returns immediately; the loop runs until Stop
// or until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.status == StatusRunning {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.status = StatusRunning
	d.mu.Unlock()

	d.log.Info("daemon started",
		"daemon_id", d.deps.DaemonID,
		"tick_interval", d.cfg.Daemon.TickInterval,
		"global_limit", d.cfg.Daemon.GlobalLimit,
		"repo_limit", d.cfg.Daemon.RepoLimit,
		"repos", len(d.cfg.Repos))

	d.loopWG.Add(1)
	go d.mainLoop()
	return nil
}

// Stop winds the daemon down: the loop exits, in-flight workers are
// cancelled, and their agent process groups are interrupted then killed by
// the session layer. Stop waits for every worker; past the configured
// grace it logs the stragglers it is still waiting on.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.status != StatusRunning {
		d.mu.Unlock()
		return nil
	}
	d.status = StatusStopped
	d.mu.Unlock()

	d.cancel()
	d.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		d.workWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.shutdownGrace()):
		d.log.Warn("workers still draining past grace",
			"grace", d.shutdownGrace(), "in_flight", d.InFlightCount())
		<-done
	}

	d.log.Info("daemon stopped", "daemon_id", d.deps.DaemonID, "ticks", d.ticks())
	return nil
}

// RunOnce performs a single synchronous cycle: one tick, then wait for
// every worker that tick started. It serves `ralph daemon --once`; the
// daemon must not be Started concurrently.
func (d *Daemon) RunOnce(ctx context.Context) error {
	d.mu.Lock()
	if d.status == StatusRunning {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.mu.Unlock()

	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	d.log.Info("single pass", "daemon_id", d.deps.DaemonID, "repos", len(d.cfg.Repos))
	d.tick()
	d.workWG.Wait()
	return nil
}

func (d *Daemon) shutdownGrace() time.Duration {
	if d.cfg.Daemon.ShutdownGrace > 0 {
		return d.cfg.Daemon.ShutdownGrace
	}
	return 5 * time.Second
}

func (d *Daemon) now() time.Time { return d.deps.Clock() }

func (d *Daemon) ticks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tickCount
}

// mainLoop ticks immediately once, then on the configured interval.
func (d *Daemon) mainLoop() {
	defer d.loopWG.Done()

	ticker := time.NewTicker(d.cfg.Daemon.TickInterval)
	defer ticker.Stop()

	d.tick()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick is one orchestration cycle: refresh the gate, revive expired
// quarantines on the sweep cadence, sync issues, dispatch scheduler picks,
// emit a heartbeat.
func (d *Daemon) tick() {
	now := d.now()
	d.mu.Lock()
	d.tickCount++
	n := d.tickCount
	sweepDue := d.lastSweep.IsZero() || now.Sub(d.lastSweep) >= d.cfg.Daemon.SyncMinInterval
	if sweepDue {
		d.lastSweep = now
	}
	d.mu.Unlock()

	gate := d.refreshGate(now)
	if sweepDue {
		d.sweep(now)
	}
	d.syncRepos(now)
	d.dispatch(d.pick(now, gate))
	d.heartbeat(n, now)
}

// refreshGate reads the throttle gate in force, lifting it when its
// deadline passed. A failed read starts nothing this tick.
func (d *Daemon) refreshGate(now time.Time) string {
	snap, err := d.store.LatestThrottle(d.ctx)
	if err != nil {
		d.log.Warn("throttle read failed", "error", err)
		return state.ThrottleSoft
	}
	gate := state.ThrottleRunning
	if snap != nil {
		gate = snap.Gate
	}
	if gate != state.ThrottleRunning && snap.UntilMs > 0 && snap.UntilMs <= now.UnixMilli() {
		if err := d.store.RecordThrottleSnapshot(d.ctx, state.ThrottleRunning, "throttle window elapsed", 0); err != nil {
			d.log.Warn("throttle lift failed", "error", err)
		} else {
			d.log.Info("throttle lifted", "was", gate)
			d.publish(events.NewEvent(events.EventThrottle, events.GlobalTaskID, events.ThrottleUpdate{
				Gate:   state.ThrottleRunning,
				Reason: "throttle window elapsed",
			}))
			gate = state.ThrottleRunning
		}
	}

	d.mu.Lock()
	changed := d.gate != gate
	d.gate = gate
	d.mu.Unlock()

	// A hard gate pauses in-flight pipelines at their next stage boundary;
	// their claims expire and the tasks are reclaimed once the gate lifts.
	if changed && gate == state.ThrottleHard {
		d.log.Warn("hard throttle in force, pausing in-flight workers")
		d.cancelInFlight()
	}
	return gate
}

// heartbeat announces liveness for this tick.
func (d *Daemon) heartbeat(tick uint64, now time.Time) {
	d.publish(events.NewEvent(events.EventHeartbeat, events.GlobalTaskID, events.HeartbeatData{
		DaemonID: d.deps.DaemonID,
		Tick:     tick,
		InFlight: d.InFlightCount(),
		Time:     now,
	}))
}

func (d *Daemon) publish(ev events.Event) {
	d.deps.Ports.Events.Publish(ev)
}

// Info is a point-in-time view of the daemon for status output and the
// event feed.
type Info struct {
	DaemonID string                `json:"daemon_id"`
	Status   Status                `json:"status"`
	Tick     uint64                `json:"tick"`
	Gate     string                `json:"gate"`
	InFlight []InFlightTask        `json:"in_flight"`
	Bands    []scheduler.BandState `json:"bands,omitempty"`
}

// InFlightTask is one running worker.
type InFlightTask struct {
	TaskID    int64     `json:"task_id"`
	Ref       string    `json:"ref"`
	Repo      string    `json:"repo"`
	Slot      int       `json:"slot"`
	StartedAt time.Time `json:"started_at"`
}

// Info snapshots the daemon.
func (d *Daemon) Info() Info {
	d.mu.Lock()
	info := Info{
		DaemonID: d.deps.DaemonID,
		Status:   d.status,
		Tick:     d.tickCount,
		Gate:     d.gate,
		InFlight: make([]InFlightTask, 0, len(d.inFlight)),
	}
	for _, fl := range d.inFlight {
		info.InFlight = append(info.InFlight, InFlightTask{
			TaskID:    fl.task.ID,
			Ref:       fl.task.Ref().String(),
			Repo:      fl.task.Repo,
			Slot:      fl.slot,
			StartedAt: fl.startedAt,
		})
	}
	d.mu.Unlock()

	sortInFlight(info.InFlight)
	info.Bands = d.sched.Snapshot()
	return info
}

// InFlightCount returns how many workers are running.
func (d *Daemon) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
