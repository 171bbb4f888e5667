package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// tripKind says which monitor check terminated the run.
type tripKind int

const (
	tripWatchdog tripKind = iota + 1
	tripStall
	tripLoop
)

// trip is the monitor's abort request. At most one is ever emitted per
// invocation; the first check to fire wins.
type trip struct {
	kind        tripKind
	tool        string
	argsPreview string
	elapsed     time.Duration
	idle        time.Duration
	count       int
}

// monitor watches the event stream of a single invocation for three
// pathologies: a tool call exceeding the hard watchdog threshold, the whole
// session going silent past the stall threshold, and the agent repeating
// the same tool call in a tight loop.
type monitor struct {
	th   Thresholds
	step string
	log  *slog.Logger

	tripCh chan trip

	mu         sync.Mutex
	tripped    bool
	activeTool string
	activeArgs string
	toolStart  time.Time
	lastEvent  time.Time
	softLogged bool
	recent     []string
}

func newMonitor(th Thresholds, step string, log *slog.Logger) *monitor {
	return &monitor{
		th:        th,
		step:      step,
		log:       log,
		tripCh:    make(chan trip, 1),
		lastEvent: time.Now(),
	}
}

// trips delivers at most one abort request.
func (m *monitor) trips() <-chan trip { return m.tripCh }

// observe updates monitor state from one parsed event. Loop detection
// fires here; the time-based checks fire from the run loop.
func (m *monitor) observe(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastEvent = ev.Time

	switch ev.Kind {
	case KindToolStart:
		m.activeTool = ev.Tool
		m.activeArgs = ev.ArgsPreview
		m.toolStart = ev.Time
		m.softLogged = false

		if m.th.LoopWindow >= 2 {
			m.recent = append(m.recent, ev.fingerprint())
			if len(m.recent) > m.th.LoopWindow {
				m.recent = m.recent[1:]
			}
			if len(m.recent) == m.th.LoopWindow && allSame(m.recent) {
				m.fire(trip{
					kind:        tripLoop,
					tool:        ev.Tool,
					argsPreview: ev.ArgsPreview,
					count:       m.th.LoopWindow,
				})
			}
		}
	case KindToolEnd:
		m.activeTool = ""
		m.activeArgs = ""
	}
}

// run performs the time-based checks until ctx is cancelled. It ticks at a
// fraction of the smallest enabled threshold so breaches are seen promptly.
func (m *monitor) run(ctx context.Context) {
	interval := m.tickInterval()
	if interval == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.check(now)
		}
	}
}

func (m *monitor) check(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tripped {
		return
	}

	if m.activeTool != "" {
		elapsed := now.Sub(m.toolStart)
		if m.th.WatchdogHard > 0 && elapsed > m.th.WatchdogHard {
			m.fire(trip{
				kind:        tripWatchdog,
				tool:        m.activeTool,
				argsPreview: m.activeArgs,
				elapsed:     elapsed,
			})
			return
		}
		if m.th.WatchdogSoft > 0 && elapsed > m.th.WatchdogSoft && !m.softLogged {
			m.softLogged = true
			m.log.Warn("tool call past soft watchdog threshold",
				"step", m.step,
				"tool", m.activeTool,
				"elapsed", elapsed)
		}
	}

	if m.th.Stall > 0 {
		if idle := now.Sub(m.lastEvent); idle > m.th.Stall {
			m.fire(trip{kind: tripStall, idle: idle})
		}
	}
}

// fire emits the trip. Callers hold m.mu.
func (m *monitor) fire(t trip) {
	if m.tripped {
		return
	}
	m.tripped = true
	m.tripCh <- t
}

func (m *monitor) tickInterval() time.Duration {
	min := time.Duration(0)
	for _, d := range []time.Duration{m.th.WatchdogSoft, m.th.WatchdogHard, m.th.Stall} {
		if d > 0 && (min == 0 || d < min) {
			min = d
		}
	}
	if min == 0 {
		// Loop detection fires from observe and needs no ticker.
		return 0
	}
	interval := min / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}

func allSame(fps []string) bool {
	for _, fp := range fps[1:] {
		if fp != fps[0] {
			return false
		}
	}
	return true
}
