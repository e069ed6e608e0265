package middleware

import (
	"testing"

	"github.com/guido-cesarano/distriq/pkg/tasks"
	"github.com/guido-cesarano/distriq/pkg/worker"
)

type fakeSignaler struct {
	requests int
}

func (f *fakeSignaler) RequestRestart() { f.requests++ }

func TestMaxTasksPerChildFiresAtLimit(t *testing.T) {
	sig := &fakeSignaler{}
	l := MaxTasksPerChild(sig, 3)

	for i := 0; i < 2; i++ {
		l.OnEvent(worker.Event{Kind: worker.AfterProcess, Outcome: worker.Ok()})
	}
	if sig.requests != 0 {
		t.Fatalf("expected no restart before limit, got %d requests", sig.requests)
	}

	l.OnEvent(worker.Event{Kind: worker.AfterProcess, Outcome: worker.Ok()})
	if sig.requests != 1 {
		t.Errorf("expected restart requested at limit, got %d requests", sig.requests)
	}

	l.OnEvent(worker.Event{Kind: worker.AfterProcess, Outcome: worker.Ok()})
	if sig.requests != 2 {
		t.Errorf("expected restart requested again past limit (signaler is Once-guarded upstream, not here), got %d", sig.requests)
	}
}

func TestMaxTasksPerChildZeroLimitDisabled(t *testing.T) {
	sig := &fakeSignaler{}
	l := MaxTasksPerChild(sig, 0)

	for i := 0; i < 10; i++ {
		l.OnEvent(worker.Event{Kind: worker.AfterProcess, Outcome: worker.Ok()})
	}
	if sig.requests != 0 {
		t.Errorf("expected zero limit to never request restart, got %d", sig.requests)
	}
}

func TestMaxTasksPerChildIgnoresNonAfterProcessEvents(t *testing.T) {
	sig := &fakeSignaler{}
	l := MaxTasksPerChild(sig, 1)

	l.OnEvent(worker.Event{Kind: worker.BeforeProcess, Message: tasks.Message{ID: "m"}})
	if sig.requests != 0 {
		t.Errorf("expected BeforeProcess to be ignored, got %d requests", sig.requests)
	}
}

func TestRestartOnRequestFiresOnlyOnRestartOutcome(t *testing.T) {
	sig := &fakeSignaler{}
	l := RestartOnRequest(sig)

	l.OnEvent(worker.Event{Kind: worker.AfterProcess, Outcome: worker.Ok()})
	l.OnEvent(worker.Event{Kind: worker.AfterProcess, Outcome: worker.Retry(nil)})
	if sig.requests != 0 {
		t.Fatalf("expected no restart for non-restart outcomes, got %d", sig.requests)
	}

	l.OnEvent(worker.Event{Kind: worker.AfterProcess, Outcome: worker.Restart()})
	if sig.requests != 1 {
		t.Errorf("expected restart requested on RestartRequested outcome, got %d", sig.requests)
	}
}
