package session

import (
	"log/slog"
	"testing"
	"time"
)

func toolStart(tool, args string, at time.Time) Event {
	return Event{
		Kind:        KindToolStart,
		Tool:        tool,
		ArgsPreview: args,
		Time:        at,
	}
}

func TestMonitorLoopDetection(t *testing.T) {
	t.Parallel()

	m := newMonitor(Thresholds{LoopWindow: 3}, "build", slog.Default())
	now := time.Now()

	m.observe(toolStart("bash", `{"command":"go test"}`, now))
	m.observe(toolStart("bash", `{"command":"go test"}`, now))
	select {
	case tr := <-m.trips():
		t.Fatalf("tripped early: %+v", tr)
	default:
	}

	m.observe(toolStart("bash", `{"command":"go test"}`, now))
	select {
	case tr := <-m.trips():
		if tr.kind != tripLoop {
			t.Errorf("kind = %d, want loop", tr.kind)
		}
		if tr.count != 3 {
			t.Errorf("count = %d, want 3", tr.count)
		}
		if tr.tool != "bash" {
			t.Errorf("tool = %s", tr.tool)
		}
	default:
		t.Fatal("no trip after three identical invocations")
	}
}

func TestMonitorLoopDetectionVaryingArgs(t *testing.T) {
	t.Parallel()

	m := newMonitor(Thresholds{LoopWindow: 3}, "build", slog.Default())
	now := time.Now()

	m.observe(toolStart("bash", `{"command":"go test ./a"}`, now))
	m.observe(toolStart("bash", `{"command":"go test ./b"}`, now))
	m.observe(toolStart("bash", `{"command":"go test ./c"}`, now))
	m.observe(toolStart("bash", `{"command":"go test ./a"}`, now))

	select {
	case tr := <-m.trips():
		t.Fatalf("varying args tripped the loop detector: %+v", tr)
	default:
	}
}

func TestMonitorWatchdogHard(t *testing.T) {
	t.Parallel()

	m := newMonitor(Thresholds{WatchdogHard: 50 * time.Millisecond}, "build", slog.Default())
	start := time.Now()

	m.observe(toolStart("bash", `{"command":"sleep 600"}`, start))
	m.check(start.Add(200 * time.Millisecond))

	select {
	case tr := <-m.trips():
		if tr.kind != tripWatchdog {
			t.Errorf("kind = %d, want watchdog", tr.kind)
		}
		if tr.tool != "bash" {
			t.Errorf("tool = %s", tr.tool)
		}
		if tr.elapsed < 50*time.Millisecond {
			t.Errorf("elapsed = %v, want past threshold", tr.elapsed)
		}
	default:
		t.Fatal("no trip past hard threshold")
	}
}

func TestMonitorWatchdogClearsOnToolEnd(t *testing.T) {
	t.Parallel()

	m := newMonitor(Thresholds{WatchdogHard: 50 * time.Millisecond}, "build", slog.Default())
	start := time.Now()

	m.observe(toolStart("bash", "{}", start))
	m.observe(Event{Kind: KindToolEnd, Tool: "bash", Time: start.Add(10 * time.Millisecond)})
	m.check(start.Add(200 * time.Millisecond))

	select {
	case tr := <-m.trips():
		t.Fatalf("finished tool tripped the watchdog: %+v", tr)
	default:
	}
}

func TestMonitorStall(t *testing.T) {
	t.Parallel()

	m := newMonitor(Thresholds{Stall: 100 * time.Millisecond}, "plan", slog.Default())
	start := time.Now()

	m.observe(Event{Kind: KindText, Time: start})
	m.check(start.Add(50 * time.Millisecond))
	select {
	case tr := <-m.trips():
		t.Fatalf("tripped inside the stall window: %+v", tr)
	default:
	}

	m.check(start.Add(500 * time.Millisecond))
	select {
	case tr := <-m.trips():
		if tr.kind != tripStall {
			t.Errorf("kind = %d, want stall", tr.kind)
		}
		if tr.idle < 100*time.Millisecond {
			t.Errorf("idle = %v, want past threshold", tr.idle)
		}
	default:
		t.Fatal("no trip past stall threshold")
	}
}

func TestMonitorSingleTrip(t *testing.T) {
	t.Parallel()

	m := newMonitor(Thresholds{WatchdogHard: 10 * time.Millisecond, Stall: 10 * time.Millisecond}, "build", slog.Default())
	start := time.Now()

	m.observe(toolStart("bash", "{}", start))
	late := start.Add(time.Second)
	m.check(late)
	m.check(late.Add(time.Second))
	m.check(late.Add(2 * time.Second))

	<-m.trips()
	select {
	case tr := <-m.trips():
		t.Fatalf("second trip emitted: %+v", tr)
	default:
	}
}

func TestMonitorTickInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		th   Thresholds
		want time.Duration
	}{
		{
			name: "disabled",
			th:   Thresholds{},
			want: 0,
		},
		{
			name: "loop only needs no ticker",
			th:   Thresholds{LoopWindow: 3},
			want: 0,
		},
		{
			name: "quarter of smallest threshold",
			th:   Thresholds{WatchdogHard: 2 * time.Second, Stall: 8 * time.Second},
			want: 500 * time.Millisecond,
		},
		{
			name: "floored at 100ms",
			th:   Thresholds{Stall: 120 * time.Millisecond},
			want: 100 * time.Millisecond,
		},
		{
			name: "capped at 5s",
			th:   Thresholds{WatchdogHard: 10 * time.Minute},
			want: 5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newMonitor(tt.th, "", slog.Default())
			if got := m.tickInterval(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
