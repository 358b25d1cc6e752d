// Package worker implements a long-lived execution context bound to
// one platform account. A Worker consumes envelopes from its inbound
// channel, runs the matching use-case through the dispatcher, and reports
// results on its outbound channel. Workers share no mutable state with the
// router or each other; all coupling is through channels.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskforge/internal/automation"
	"taskforge/internal/dispatch"
	"taskforge/internal/ratelimit"
	"taskforge/internal/store"
)

// ReadySignal is what a worker announces to the router once it has a live
// session: worker id, account, and the kinds it can execute.
type ReadySignal struct {
	WorkerID       string
	Account        string
	SupportedKinds []string
}

// Envelope is a single task handed from the router to a worker's inbox.
type Envelope struct {
	Task store.Task
}

// ErrAuthUnrecoverable is reported when a worker cannot establish a session
// after exhausting its start-up retries; the worker exits.
var ErrAuthUnrecoverable = errors.New("worker: unrecoverable authentication failure")

// Worker binds one platform account to a browser-automation session and
// drives the dispatcher against it.
type Worker struct {
	cfg        *Config
	dispatcher *dispatch.Dispatcher
	browser    automation.Port
	deps       dispatch.Deps
	log        zerolog.Logger

	inbox  chan Envelope
	ready  chan<- ReadySignal
	result chan<- dispatch.ResultEnvelope

	state State
}

// New constructs a Worker bound to account, wired to the shared ready and
// result channels the router listens on.
func New(
	cfg *Config,
	dispatcher *dispatch.Dispatcher,
	browser automation.Port,
	deps dispatch.Deps,
	ready chan<- ReadySignal,
	result chan<- dispatch.ResultEnvelope,
	log zerolog.Logger,
) *Worker {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(cfg.RateLimit)
	}
	deps.Browser = browser
	deps.Account = cfg.Account

	return &Worker{
		cfg:        cfg,
		dispatcher: dispatcher,
		browser:    browser,
		deps:       deps,
		log:        log.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Str("account", cfg.Account).Logger(),
		inbox:      make(chan Envelope, cfg.ChannelCapacity),
		ready:      ready,
		result:     result,
		state:      StateStarting,
	}
}

// Inbox returns the channel the router delivers envelopes on. Its capacity
// is worker_channel_capacity — the router must not claim a new task for a
// worker whose channel is full, so worker slowness becomes claim-side
// pacing instead of an unbounded in-memory queue.
func (w *Worker) Inbox() chan<- Envelope { return w.inbox }

// ID returns the worker's id.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State { return w.state }

func (w *Worker) transition(to State) {
	if err := checkTransition(w.state, to); err != nil {
		w.log.Error().Err(err).Msg("worker state machine violation")
		return
	}
	w.state = to
}

// Run drives the worker's lifecycle: starting -> ready -> (busy -> ready)*
// -> draining -> stopped. It returns when ctx is cancelled or the session
// probe fails unrecoverably.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("worker starting")

	if err := w.establishSession(ctx); err != nil {
		w.transition(StateStopped)
		w.log.Error().Err(err).Msg("worker exiting: unrecoverable auth failure")
		return fmt.Errorf("%w: %v", ErrAuthUnrecoverable, err)
	}
	w.transition(StateReady)

	for {
		select {
		case <-ctx.Done():
			return w.drain(ctx)
		default:
		}

		select {
		case w.ready <- ReadySignal{WorkerID: w.cfg.WorkerID, Account: w.cfg.Account, SupportedKinds: w.cfg.SupportedKinds}:
		case <-ctx.Done():
			return w.drain(ctx)
		}

		select {
		case env := <-w.inbox:
			w.transition(StateBusy)
			res := w.dispatcher.Dispatch(ctx, env.Task, w.deps)
			select {
			case w.result <- res:
			case <-ctx.Done():
				// Still try to deliver the result synchronously-ish before
				// exiting; the router may be shutting down too, but a
				// completed task must not be silently dropped if there is
				// still room to report it.
				select {
				case w.result <- res:
				default:
				}
				return w.drain(ctx)
			}
			w.transition(StateReady)
		case <-ctx.Done():
			return w.drain(ctx)
		}
	}
}

// drain transitions the worker to draining then stopped. In-flight work is
// never interrupted mid-automation; Run only reaches drain between
// tasks, so there is nothing further to finish here.
func (w *Worker) drain(context.Context) error {
	if w.state == StateReady || w.state == StateBusy {
		w.transition(StateDraining)
	}
	w.transition(StateStopped)
	w.log.Info().Msg("worker stopped")
	return nil
}

// establishSession performs the starting-state session probe: EnsureSession
// first, then cookie-based restore is represented by a bounded number of
// retries with backoff, then interactive login is the final retry. If all
// attempts fail, the worker reports an unrecoverable auth failure.
func (w *Worker) establishSession(ctx context.Context) error {
	const maxAttempts = 3
	backoff := NewBackoff(1*time.Second, 30*time.Second)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := w.browser.EnsureSession(ctx, w.cfg.Account); err != nil {
			lastErr = err
			w.log.Warn().Err(err).Int("attempt", attempt).Msg("session probe failed")
			if !errors.Is(err, automation.ErrBrowserAuth) {
				// Non-auth failures (connection, rate limit) are worth a
				// retry with backoff; auth failures go straight to the
				// next attempt's "login" semantics without extra delay.
				select {
				case <-time.After(backoff.Next()):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("session probe failed after %d attempts: %w", maxAttempts, lastErr)
}
