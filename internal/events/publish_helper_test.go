package events

import (
	"errors"
	"testing"
	"time"
)

func collectOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestPublishHelper_NilSafety(t *testing.T) {
	var nilHelper *PublishHelper
	nilHelper.StageStarted("plan")
	nilHelper.StageFailed("plan", errors.New("boom"))
	nilHelper.WithRunID("run-1").Gate("plan_review", "pass", "")

	helper := NewPublishHelper(nil, "acme/demo#7")
	helper.StageStarted("plan")
	helper.Error("plan", errors.New("boom"), true)
}

func TestPublishHelper_StampsTaskAndRun(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("acme/demo#7")
	helper := NewPublishHelper(pub, "acme/demo#7").WithRunID("run-42")

	helper.StageStarted("build")
	ev := collectOne(t, ch)

	if ev.Task != "acme/demo#7" {
		t.Errorf("Task = %s, want acme/demo#7", ev.Task)
	}
	if ev.RunID != "run-42" {
		t.Errorf("RunID = %s, want run-42", ev.RunID)
	}
	upd, ok := ev.Data.(StageUpdate)
	if !ok {
		t.Fatalf("Data type = %T, want StageUpdate", ev.Data)
	}
	if upd.Stage != "build" || upd.Status != "started" {
		t.Errorf("StageUpdate = %+v", upd)
	}
}

func TestPublishHelper_Lane(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("acme/demo#7")
	helper := NewPublishHelper(pub, "acme/demo#7")

	helper.Lane("ci-triage", "quarantine", "a1b2c3", 2)
	ev := collectOne(t, ch)

	upd, ok := ev.Data.(LaneUpdate)
	if !ok {
		t.Fatalf("Data type = %T, want LaneUpdate", ev.Data)
	}
	if upd.Lane != "ci-triage" || upd.Decision != "quarantine" || upd.Attempt != 2 {
		t.Errorf("LaneUpdate = %+v", upd)
	}
}

func TestPublishHelper_StageFailedCarriesError(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("acme/demo#7")
	helper := NewPublishHelper(pub, "acme/demo#7")

	helper.StageFailed("pr_create", errors.New("lease conflict"))
	ev := collectOne(t, ch)

	upd := ev.Data.(StageUpdate)
	if upd.Status != "failed" || upd.Error != "lease conflict" {
		t.Errorf("StageUpdate = %+v", upd)
	}
}

func TestPublishHelper_Tokens(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("acme/demo#7")
	NewPublishHelper(pub, "acme/demo#7").Tokens("ses_1", 12345, "measured")

	ev := collectOne(t, ch)
	upd := ev.Data.(TokenUpdate)
	if upd.SessionID != "ses_1" || upd.Tokens != 12345 || upd.Quality != "measured" {
		t.Errorf("TokenUpdate = %+v", upd)
	}
}
