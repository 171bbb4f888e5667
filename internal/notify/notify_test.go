package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type recordingSink struct {
	got []Notification
	err error
}

func (r *recordingSink) Notify(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestNopNotifier(t *testing.T) {
	if err := (NopNotifier{}).Notify(context.Background(), Notification{Kind: KindStuck}); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
}

func TestFanoutDeliversToAll(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	c := &recordingSink{}
	f := Fanout{a, b, c}

	n := Notification{Kind: KindEscalation, Repo: "acme/widgets", IssueNumber: 42}
	if err := f.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	for i, sink := range []*recordingSink{a, b, c} {
		if len(sink.got) != 1 {
			t.Fatalf("sink %d got %d notifications, want 1", i, len(sink.got))
		}
		if sink.got[0].Repo != "acme/widgets" {
			t.Errorf("sink %d Repo = %q", i, sink.got[0].Repo)
		}
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	errA := errors.New("sink a down")
	errB := errors.New("sink b down")
	a := &recordingSink{err: errA}
	b := &recordingSink{}
	c := &recordingSink{err: errB}
	f := Fanout{a, b, c}

	err := f.Notify(context.Background(), Notification{Kind: KindQuarantine})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errA) {
		t.Errorf("error should include errA: %v", err)
	}
	if !errors.Is(err, errB) {
		t.Errorf("error should include errB: %v", err)
	}
	// The healthy sink still received the notification.
	if len(b.got) != 1 {
		t.Errorf("healthy sink got %d notifications, want 1", len(b.got))
	}
}

func TestFanoutEmpty(t *testing.T) {
	if err := (Fanout{}).Notify(context.Background(), Notification{}); err != nil {
		t.Fatalf("empty fanout error: %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	err := l.Notify(context.Background(), Notification{
		Kind:        KindStuck,
		Repo:        "acme/widgets",
		IssueNumber: 7,
		TaskID:      3,
		RunID:       "run-11",
		Title:       "run stalled twice",
	})
	if err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("stuck notification should log at warn: %s", out)
	}
	if !strings.Contains(out, "kind=stuck") || !strings.Contains(out, "repo=acme/widgets") {
		t.Errorf("missing fields: %s", out)
	}
}

func TestLogNotifierEscalationLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	err := l.Notify(context.Background(), Notification{
		Kind: KindEscalation,
		Repo: "acme/widgets",
		URL:  "https://github.com/acme/widgets/issues/9",
	})
	if err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") {
		t.Errorf("escalation should log at error: %s", out)
	}
	if !strings.Contains(out, "url=https://github.com/acme/widgets/issues/9") {
		t.Errorf("missing url field: %s", out)
	}
}

func TestLogNotifierNilLogger(t *testing.T) {
	l := NewLogNotifier(nil)
	if l.logger == nil {
		t.Fatal("nil logger should fall back to default")
	}
}
