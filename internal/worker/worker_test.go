package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"taskforge/internal/automation"
	"taskforge/internal/compose"
	"taskforge/internal/dispatch"
	"taskforge/internal/ratelimit"
	"taskforge/internal/store"
)

type stubBrowser struct {
	ensureErrs []error // consumed in order, last one repeats
	ensureCall int

	sendDMOK bool
}

func (s *stubBrowser) EnsureSession(context.Context, string) error {
	if len(s.ensureErrs) == 0 {
		return nil
	}
	idx := s.ensureCall
	if idx >= len(s.ensureErrs) {
		idx = len(s.ensureErrs) - 1
	}
	s.ensureCall++
	return s.ensureErrs[idx]
}
func (s *stubBrowser) OpenProfile(context.Context, string) error { return nil }
func (s *stubBrowser) Snapshot(context.Context, string) (automation.ProfileSnapshot, error) {
	return automation.ProfileSnapshot{Username: "alice"}, nil
}
func (s *stubBrowser) FetchFollowings(context.Context, string, int) ([]string, error) {
	return nil, nil
}
func (s *stubBrowser) SendDM(context.Context, string, string) (bool, error) {
	return s.sendDMOK, nil
}

func newTestWorker(t *testing.T, browser *stubBrowser) (*Worker, chan ReadySignal, chan dispatch.ResultEnvelope) {
	t.Helper()
	cfg, err := NewConfig("acct-1", []string{store.KindSendMessages, store.KindLoginCheck}, 1, ratelimit.Config{})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	ready := make(chan ReadySignal, 4)
	result := make(chan dispatch.ResultEnvelope, 4)
	deps := dispatch.Deps{Composer: compose.StaticPort{Text: "hi"}}
	w := New(cfg, dispatch.New(zerolog.Nop()), browser, deps, ready, result, zerolog.Nop())
	return w, ready, result
}

func TestWorker_EstablishesSessionThenAnnouncesReady(t *testing.T) {
	w, ready, _ := newTestWorker(t, &stubBrowser{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case sig := <-ready:
		if sig.WorkerID != w.ID() || sig.Account != "acct-1" {
			t.Fatalf("unexpected ready signal: %+v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
	if w.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", w.State())
	}
}

func TestWorker_DispatchesEnvelopeAndReturnsToReady(t *testing.T) {
	w, ready, result := newTestWorker(t, &stubBrowser{sendDMOK: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	<-ready // first ready announcement

	task := store.Task{ID: "t1", JobID: "j1", Kind: store.KindSendMessages, Attempts: 1,
		Payload: map[string]any{"username": "bob", "text": "hey"}}
	w.Inbox() <- Envelope{Task: task}

	select {
	case env := <-result:
		if !env.OK {
			t.Fatalf("expected ok envelope, got %+v", env)
		}
		if env.TaskID != "t1" {
			t.Fatalf("expected task id t1, got %q", env.TaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result envelope")
	}

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not re-announce ready after finishing task")
	}
	if w.State() != StateReady {
		t.Fatalf("expected ready state after task completion, got %s", w.State())
	}
}

func TestWorker_UnrecoverableAuthFailureExitsStopped(t *testing.T) {
	authErrs := []error{automation.ErrBrowserAuth, automation.ErrBrowserAuth, automation.ErrBrowserAuth}
	w, _, _ := newTestWorker(t, &stubBrowser{ensureErrs: authErrs})

	err := w.Run(context.Background())
	if !errors.Is(err, ErrAuthUnrecoverable) {
		t.Fatalf("expected ErrAuthUnrecoverable, got %v", err)
	}
	if w.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", w.State())
	}
}

func TestCheckTransition_RejectsSkippedAndTerminalEdges(t *testing.T) {
	if err := checkTransition(StateReady, StateStopped); err != nil {
		t.Fatalf("ready->stopped should be legal, got %v", err)
	}
	if err := checkTransition(StateStarting, StateBusy); err == nil {
		t.Fatal("expected starting->busy to be illegal")
	}
	if err := checkTransition(StateStopped, StateReady); err == nil {
		t.Fatal("expected stopped->ready to be illegal (terminal state)")
	}
}
