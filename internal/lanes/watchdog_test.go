package lanes

import (
	"testing"

	"github.com/randalmurphal/ralph/internal/markers"
)

func TestDecideWatchdogFirstTimeoutRequeues(t *testing.T) {
	t.Parallel()

	d := DecideWatchdog(WatchdogInput{
		Stage:              "build",
		Source:             "session.abort",
		Tool:               "bash",
		ArgsPreview:        "go test ./...",
		RetryCount:         0,
		RecentFingerprints: []string{"bash|go vet", "bash|go test ./..."},
	})
	if d.Action != WatchdogRequeue {
		t.Fatalf("Action = %q, want requeue", d.Action)
	}
	if !d.PostStuck {
		t.Error("first timeout must post the stuck comment")
	}
	if d.PostEscalation || d.Notify {
		t.Error("first timeout must not escalate or notify")
	}
	if d.EarlyTerminated {
		t.Error("EarlyTerminated set without a loop or repeat signature")
	}
	if d.Signature == "" {
		t.Error("Signature empty")
	}
}

func TestDecideWatchdogSecondTimeoutEscalates(t *testing.T) {
	t.Parallel()

	d := DecideWatchdog(WatchdogInput{
		Stage:       "build",
		Source:      "session.abort",
		Tool:        "bash",
		ArgsPreview: "go test ./...",
		RetryCount:  1,
	})
	if d.Action != WatchdogEscalate {
		t.Fatalf("Action = %q, want escalate", d.Action)
	}
	if !d.PostEscalation || !d.Notify {
		t.Error("second timeout must post the escalation comment and notify")
	}
	if d.PostStuck {
		t.Error("second timeout must not post another stuck comment")
	}
	if d.EarlyTerminated {
		t.Error("second timeout is the normal path, not an early termination")
	}
}

func TestDecideWatchdogRepeatSignatureEarlyTerminates(t *testing.T) {
	t.Parallel()

	prior := markers.WatchdogSignature("build", "session.abort", "bash", "go test ./...")
	d := DecideWatchdog(WatchdogInput{
		Stage:          "build",
		Source:         "session.abort",
		Tool:           "bash",
		ArgsPreview:    "go test ./...",
		RetryCount:     0,
		PriorSignature: prior,
	})
	if d.Action != WatchdogEscalate {
		t.Fatalf("Action = %q, want escalate", d.Action)
	}
	if !d.EarlyTerminated {
		t.Error("repeat signature at retry zero must early-terminate")
	}
	if !d.Notify {
		t.Error("early termination still notifies")
	}
}

func TestDecideWatchdogToolLoopEarlyTerminates(t *testing.T) {
	t.Parallel()

	fp := "bash|npm install"
	d := DecideWatchdog(WatchdogInput{
		Stage:              "build",
		Source:             "tool-watchdog",
		Tool:               "bash",
		ArgsPreview:        "npm install",
		RetryCount:         0,
		RecentFingerprints: []string{"read|go.mod", fp, fp, fp},
	})
	if d.Action != WatchdogEscalate || !d.EarlyTerminated {
		t.Errorf("looping session: Action = %q, EarlyTerminated = %t", d.Action, d.EarlyTerminated)
	}
}

func TestDecideWatchdogBrokenLoopRequeues(t *testing.T) {
	t.Parallel()

	fp := "bash|npm install"
	d := DecideWatchdog(WatchdogInput{
		Stage:              "build",
		Source:             "tool-watchdog",
		Tool:               "bash",
		ArgsPreview:        "npm install",
		RetryCount:         0,
		RecentFingerprints: []string{fp, fp, "read|go.mod", fp},
	})
	if d.Action != WatchdogRequeue {
		t.Errorf("Action = %q, want requeue (no run of three)", d.Action)
	}
}

func TestLongestIdenticalRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fps  []string
		want int
	}{
		{"empty", nil, 0},
		{"single", []string{"a"}, 1},
		{"all distinct", []string{"a", "b", "c"}, 1},
		{"run of three at tail", []string{"x", "a", "a", "a"}, 3},
		{"run of three at head", []string{"a", "a", "a", "x"}, 3},
		{"interrupted run", []string{"a", "a", "b", "a", "a"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := longestIdenticalRun(tt.fps); got != tt.want {
				t.Errorf("longestIdenticalRun(%v) = %d, want %d", tt.fps, got, tt.want)
			}
		})
	}
}
