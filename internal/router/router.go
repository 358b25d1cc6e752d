// Package router implements an in-process, single-threaded cooperative
// event loop that turns a pool of pending tasks and a set of live workers
// into a fair, rate-safe assignment. Apart from the reaper, it is the only
// writer of task state once tasks exist; the HTTP front-end creates jobs and
// tasks and marks jobs cancelled.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taskforge/internal/dispatch"
	"taskforge/internal/store"
	"taskforge/internal/worker"
)

// defaultMaxInflightPerAccount is the cap applied to a worker unless an
// override exists for one of its kinds: browser-driving kinds must stay
// serial per account; only non-browser kinds may be raised.
const defaultMaxInflightPerAccount = 1

// WorkerHandle is what the router tracks per registered worker: its
// account, the kinds it can execute, and the inbox it delivers envelopes
// to.
type WorkerHandle struct {
	WorkerID       string
	Account        string
	SupportedKinds []string
	Inbox          chan<- worker.Envelope
}

// inflightMeta is what the router remembers about a task it has leased out,
// so it can process the eventual result envelope.
type inflightMeta struct {
	account   string
	jobID     string
	target    string
	startedAt time.Time
}

// Event is a task/job status transition the router publishes as it
// processes leases and results, for consumption by the HTTP front-end's
// websocket status feed — the task state machine surfaced live instead of
// only through polling GET /api/jobs/{id}.
type Event struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	TaskID   string    `json:"task_id,omitempty"`
	Account  string    `json:"account,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Event types published on the Events channel.
const (
	EventTaskLeased   = "task_leased"
	EventTaskDone     = "task_done"
	EventTaskRequeued = "task_requeued"
	EventTaskError    = "task_error"
	EventJobCancelled = "job_cancelled"
)

// Config configures a Router.
type Config struct {
	// MaxInflightPerAccount is the default per-account in-flight cap.
	MaxInflightPerAccount int
	// KindInflightOverride raises the cap for specific non-browser-driving
	// kinds. Browser-driving kinds should never appear here.
	KindInflightOverride map[string]int
	// LeaseTTL is the default lease duration handed to claim_next.
	LeaseTTL time.Duration
	// LeaseTTLOverride sets a per-kind lease TTL (shorter for quick probes
	// like login_check, longer for browser-driving kinds). The TTL is chosen
	// from the claiming worker's supported kinds before the task is known, so
	// a worker whose kinds carry different TTLs leases every task with the
	// longest of them.
	LeaseTTLOverride map[string]time.Duration
}

// Router is the scheduler's runtime state: the worker registry,
// per-account in-flight
// counters, and in-flight task metadata. All fields below are touched only
// from the Run goroutine — this is what makes the router lock-free.
type Router struct {
	cfg Config
	st  *store.Store
	log zerolog.Logger

	workers  map[string]*WorkerHandle
	inflight map[string]int          // account -> count
	leased   map[string]inflightMeta // task id -> metadata

	readyCh      chan worker.ReadySignal
	resultCh     chan dispatch.ResultEnvelope
	wakeCh       chan struct{}
	cancelCh     chan string // job id
	cancelledJob map[string]bool
	events       chan Event

	mu sync.Mutex // guards only the public registration API below
}

// New builds a Router over st. readyCap and resultCap size the shared
// channels every registered worker publishes on.
func New(cfg Config, st *store.Store, log zerolog.Logger, readyCap, resultCap int) *Router {
	if cfg.MaxInflightPerAccount <= 0 {
		cfg.MaxInflightPerAccount = defaultMaxInflightPerAccount
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 300 * time.Second
	}
	return &Router{
		cfg:          cfg,
		st:           st,
		log:          log.With().Str("component", "router").Logger(),
		workers:      make(map[string]*WorkerHandle),
		inflight:     make(map[string]int),
		leased:       make(map[string]inflightMeta),
		readyCh:      make(chan worker.ReadySignal, readyCap),
		resultCh:     make(chan dispatch.ResultEnvelope, resultCap),
		wakeCh:       make(chan struct{}, 1),
		cancelCh:     make(chan string, 8),
		cancelledJob: make(map[string]bool),
		events:       make(chan Event, 64),
	}
}

// ReadyChan is the channel workers announce themselves on.
func (r *Router) ReadyChan() chan<- worker.ReadySignal { return r.readyCh }

// ResultChan is the channel workers report result envelopes on.
func (r *Router) ResultChan() chan<- dispatch.ResultEnvelope { return r.resultCh }

// Events is the channel of status transitions the HTTP front-end's
// websocket hub subscribes to. Publishing is non-blocking: a slow or
// absent consumer never stalls the event loop, and the channel is a
// read-only side feed, not a second writer against the store.
func (r *Router) Events() <-chan Event { return r.events }

func (r *Router) publish(ev Event) {
	ev.At = time.Now()
	select {
	case r.events <- ev:
	default:
	}
}

// RegisterWorker records a worker's inbox so the router can deliver
// envelopes to it once it announces ready. Enforces one worker per
// account.
func (r *Router) RegisterWorker(h *WorkerHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.workers {
		if existing.Account == h.Account {
			return &ErrDuplicateAccount{Account: h.Account}
		}
	}
	r.workers[h.WorkerID] = h
	return nil
}

// ErrDuplicateAccount is returned by RegisterWorker when a second worker is
// registered for an account already bound to one (enforced at startup).
type ErrDuplicateAccount struct{ Account string }

func (e *ErrDuplicateAccount) Error() string {
	return "router: account " + e.Account + " already has a registered worker"
}

// Wake notifies the router that new work may be available (called by the
// HTTP front-end after create_tasks).
func (r *Router) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// CancelJob asynchronously informs the router a job was cancelled, so any
// result envelopes still in flight for its tasks are discarded.
func (r *Router) CancelJob(jobID string) {
	select {
	case r.cancelCh <- jobID:
	default:
		// Channel full is harmless: the store's own cancelled-job filter in
		// claim_next already blocks new leases, and handleResult checks the
		// job's stored status before recording a result.
	}
}

// Run drives the cooperative event loop until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-r.readyCh:
			r.handleReady(ctx, sig)
		case env := <-r.resultCh:
			r.handleResult(ctx, env)
		case jobID := <-r.cancelCh:
			r.cancelledJob[jobID] = true
			r.publish(Event{Type: EventJobCancelled, JobID: jobID})
		case <-r.wakeCh:
			r.pollAllReadyWorkers(ctx)
		case <-ticker.C:
			r.pollAllReadyWorkers(ctx)
		}
	}
}

// handleReady processes one worker's ready announcement: if it has spare
// in-flight capacity, try to claim it a task immediately.
func (r *Router) handleReady(ctx context.Context, sig worker.ReadySignal) {
	r.mu.Lock()
	h, ok := r.workers[sig.WorkerID]
	r.mu.Unlock()
	if !ok {
		r.log.Warn().Str("worker_id", sig.WorkerID).Msg("ready signal from unregistered worker ignored")
		return
	}
	r.tryAssign(ctx, h)
}

// pollAllReadyWorkers is the wake/tick path: every registered worker is
// given a chance to claim work, honoring its in-flight cap. Workers that
// aren't actually idle simply won't have room in their channel and the
// send below is skipped via the worker's own back-pressure.
func (r *Router) pollAllReadyWorkers(ctx context.Context) {
	r.mu.Lock()
	handles := make([]*WorkerHandle, 0, len(r.workers))
	for _, h := range r.workers {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.tryAssign(ctx, h)
	}
}

// tryAssign attempts to claim and deliver one task to h, honoring the
// account's in-flight cap across all of h's supported kinds.
func (r *Router) tryAssign(ctx context.Context, h *WorkerHandle) {
	inflightCap := r.capFor(h.SupportedKinds)
	if r.inflight[h.Account] >= inflightCap {
		return
	}

	ttl := r.leaseTTLFor(h.SupportedKinds)
	task, ok, err := r.st.ClaimNext(ctx, h.SupportedKinds, h.WorkerID, ttl)
	if err != nil {
		r.log.Error().Err(err).Str("worker_id", h.WorkerID).Msg("claim_next failed")
		return
	}
	if !ok {
		return
	}

	r.inflight[h.Account]++
	r.leased[task.ID] = inflightMeta{account: h.Account, jobID: task.JobID, target: task.Target, startedAt: time.Now()}

	select {
	case h.Inbox <- worker.Envelope{Task: task}:
		r.publish(Event{Type: EventTaskLeased, JobID: task.JobID, TaskID: task.ID, Account: h.Account, WorkerID: h.WorkerID})
	default:
		// Worker's channel is full despite the ready signal (race between
		// ready announcement and a newly queued task); requeue immediately
		// rather than leaking the lease until it expires.
		r.inflight[h.Account]--
		delete(r.leased, task.ID)
		if _, rerr := r.st.RequeueTaskWithAttemptsCap(ctx, task.ID, task.JobID, "router_channel_full"); rerr != nil {
			r.log.Error().Err(rerr).Str("task_id", task.ID).Msg("failed to requeue after full channel")
		}
	}
}

// handleResult processes a worker's completion envelope: free the
// account's slot, then translate the outcome into a store update.
func (r *Router) handleResult(ctx context.Context, env dispatch.ResultEnvelope) {
	meta, ok := r.leased[env.TaskID]
	if !ok {
		r.log.Warn().Str("task_id", env.TaskID).Msg("result envelope for unknown task dropped (stale)")
		return
	}
	delete(r.leased, env.TaskID)
	if r.inflight[meta.account] > 0 {
		r.inflight[meta.account]--
	}

	if !r.cancelledJob[meta.jobID] {
		// Catches a cancellation whose CancelJob notification was dropped.
		if job, err := r.st.GetJob(ctx, meta.jobID); err == nil && job.Status == store.JobCancelled {
			r.cancelledJob[meta.jobID] = true
		}
	}
	if r.cancelledJob[meta.jobID] {
		r.log.Info().Str("task_id", env.TaskID).Str("job_id", meta.jobID).Msg("result discarded: job cancelled")
		return
	}

	if env.OK {
		if err := r.st.MarkDone(ctx, env.TaskID, meta.jobID); err != nil {
			r.log.Error().Err(err).Str("task_id", env.TaskID).Msg("mark_done failed")
			return
		}
		r.publish(Event{Type: EventTaskDone, JobID: meta.jobID, TaskID: env.TaskID, Account: meta.account})
		return
	}

	if env.Retryable {
		requeued, err := r.st.RequeueTaskWithAttemptsCap(ctx, env.TaskID, meta.jobID, env.RetryReason)
		if err != nil {
			r.log.Error().Err(err).Str("task_id", env.TaskID).Msg("requeue_task_with_attempts_cap failed")
			return
		}
		if requeued {
			r.publish(Event{Type: EventTaskRequeued, JobID: meta.jobID, TaskID: env.TaskID, Account: meta.account, Reason: env.RetryReason})
			r.Wake()
			return
		}
		r.publish(Event{Type: EventTaskError, JobID: meta.jobID, TaskID: env.TaskID, Account: meta.account, Reason: env.RetryReason})
		return
	}

	if err := r.st.MarkError(ctx, env.TaskID, meta.jobID, env.Error); err != nil {
		r.log.Error().Err(err).Str("task_id", env.TaskID).Msg("mark_error failed")
		return
	}
	r.publish(Event{Type: EventTaskError, JobID: meta.jobID, TaskID: env.TaskID, Account: meta.account, Reason: env.Error})
}

func (r *Router) capFor(kinds []string) int {
	best := 0
	for _, k := range kinds {
		c := r.cfg.MaxInflightPerAccount
		if override, ok := r.cfg.KindInflightOverride[k]; ok {
			c = override
		}
		if c > best {
			best = c
		}
	}
	if best == 0 {
		best = r.cfg.MaxInflightPerAccount
	}
	return best
}

func (r *Router) leaseTTLFor(kinds []string) time.Duration {
	longest := time.Duration(0)
	for _, k := range kinds {
		ttl := r.cfg.LeaseTTL
		if override, ok := r.cfg.LeaseTTLOverride[k]; ok {
			ttl = override
		}
		if ttl > longest {
			longest = ttl
		}
	}
	if longest == 0 {
		longest = r.cfg.LeaseTTL
	}
	return longest
}
