// Package store implements the durable job/task store: atomic task
// claiming, crash-safe requeue, and the read-only views the router and HTTP
// front-end need. It is the single source of truth — in-memory views may
// lag but never diverge.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"taskforge/internal/database"
)

// Job kinds understood by the system.
const (
	KindAnalyzeProfiles = "analyze_profiles"
	KindSendMessages    = "send_messages"
	KindFetchFollowings = "fetch_followings"
	KindLoginCheck      = "login_check"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobDone      = "done"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Task statuses.
const (
	TaskPending = "pending"
	TaskLeased  = "leased"
	TaskDone    = "done"
	TaskError   = "error"
)

// Job is the store's view of a job row.
type Job struct {
	ID            string
	ClientID      string
	Kind          string
	Priority      int
	Status        string
	CorrelationID string
	TotalTasks    int
	FinishedTasks int
	ErroredTasks  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewTask is the input shape for CreateTasks — everything the caller
// supplies before the store assigns status/attempts defaults.
type NewTask struct {
	ID            string
	JobID         string
	Kind          string
	Target        string
	CorrelationID string
	Payload       map[string]any
	Priority      int
	MaxAttempts   int
	LeaseTTL      time.Duration
}

// Task is the store's view of a job_tasks row.
type Task struct {
	ID              string
	JobID           string
	Kind            string
	Target          string
	CorrelationID   string
	Payload         map[string]any
	Status          string
	Priority        int
	Attempts        int
	MaxAttempts     int
	LastError       string
	LastRetryReason string
	LeasedBy        string
	LeaseExpiresAt  time.Time
}

// Progress summarizes a job's task counts by status, for job_progress.
type Progress struct {
	Total, Pending, Leased, Done, Error int
}

// Store is the job/task store's public surface, consumed by the router,
// reaper, and HTTP front-end.
type Store struct {
	q   *database.Queries
	db  *sql.DB
	log zerolog.Logger
}

// New builds a Store over an initialized *sql.DB (see database.InitDB).
func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{q: database.New(db), db: db, log: log.With().Str("component", "store").Logger()}
}

// retryTransient runs op, retrying a handful of times with exponential
// backoff when the database reports a transient busy/locked condition.
// Persistent errors surface to the caller unchanged; the WAL busy_timeout
// pragma handles most contention before this ever fires.
func (s *Store) retryTransient(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && isTransientDBError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransientDBError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

// NewJobID mints a new opaque job id.
func NewJobID() string { return uuid.NewString() }

// TaskID derives the stable task id {job_id}:{kind}:{target}.
func TaskID(jobID, kind, target string) string {
	return fmt.Sprintf("%s:%s:%s", jobID, kind, target)
}

// CreateJob inserts a job row; idempotent on job id.
func (s *Store) CreateJob(ctx context.Context, j Job) error {
	return s.retryTransient(ctx, func(ctx context.Context) error {
		return s.q.CreateJob(ctx, database.Job{
			ID:            j.ID,
			ClientID:      j.ClientID,
			Kind:          j.Kind,
			Priority:      int64(j.Priority),
			Status:        firstNonEmpty(j.Status, JobPending),
			CorrelationID: j.CorrelationID,
		})
	})
}

// CreateTasks batch-inserts tasks for a job; duplicate ids are silently
// skipped, and the parent job's total_tasks counter is recomputed from the
// table so partial overlaps merge instead of duplicating.
func (s *Store) CreateTasks(ctx context.Context, tasks []NewTask) error {
	rows := make([]database.JobTask, 0, len(tasks))
	for _, t := range tasks {
		payload := t.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal task payload %s: %w", t.ID, err)
		}
		maxAttempts := t.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		leaseTTL := t.LeaseTTL
		if leaseTTL <= 0 {
			leaseTTL = 300 * time.Second
		}
		rows = append(rows, database.JobTask{
			ID:              t.ID,
			JobID:           t.JobID,
			Kind:            t.Kind,
			Target:          t.Target,
			CorrelationID:   t.CorrelationID,
			PayloadJSON:     string(b),
			Priority:        int64(t.Priority),
			MaxAttempts:     int64(maxAttempts),
			LeaseTTLSeconds: int64(leaseTTL.Seconds()),
		})
	}
	return s.retryTransient(ctx, func(ctx context.Context) error {
		return s.q.CreateTasks(ctx, rows)
	})
}

// ClaimNext atomically leases one pending task whose kind is in kinds and
// whose job is not cancelled/terminal, ordered by (priority DESC,
// created_at ASC). Returns (task, false, nil) when the pool is empty.
func (s *Store) ClaimNext(ctx context.Context, kinds []string, workerID string, leaseTTL time.Duration) (Task, bool, error) {
	var (
		row database.JobTask
		ok  bool
	)
	err := s.retryTransient(ctx, func(ctx context.Context) error {
		var err error
		row, ok, err = s.q.ClaimNext(ctx, kinds, workerID, leaseTTL)
		return err
	})
	if err != nil {
		return Task{}, false, fmt.Errorf("claim next: %w", err)
	}
	if !ok {
		return Task{}, false, nil
	}
	t, err := toTask(row)
	if err != nil {
		return Task{}, false, fmt.Errorf("decode claimed task: %w", err)
	}
	return t, true, nil
}

// MarkDone marks a leased task as done and resyncs its job's counters.
func (s *Store) MarkDone(ctx context.Context, taskID, jobID string) error {
	var ok bool
	err := s.retryTransient(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.q.MarkDone(ctx, taskID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if !ok {
		s.log.Warn().Str("task_id", taskID).Msg("mark_done no-op: task was not leased")
		return nil
	}
	return s.q.SyncJobStatus(ctx, jobID)
}

// MarkError marks a leased task as terminally failed and resyncs its job.
func (s *Store) MarkError(ctx context.Context, taskID, jobID, errMsg string) error {
	var ok bool
	err := s.retryTransient(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.q.MarkError(ctx, taskID, errMsg)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	if !ok {
		s.log.Warn().Str("task_id", taskID).Msg("mark_error no-op: task was not leased")
		return nil
	}
	return s.q.SyncJobStatus(ctx, jobID)
}

// RequeueTaskWithAttemptsCap requeues a leased task to pending if attempts
// are below its max, else marks it terminally errored with reason. Returns
// whether a requeue (vs. terminal error) happened.
func (s *Store) RequeueTaskWithAttemptsCap(ctx context.Context, taskID, jobID, reason string) (bool, error) {
	var requeued bool
	err := s.retryTransient(ctx, func(ctx context.Context) error {
		var err error
		requeued, err = s.q.RequeueTaskWithAttemptsCap(ctx, taskID, reason)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("requeue task: %w", err)
	}
	if !requeued {
		if syncErr := s.q.SyncJobStatus(ctx, jobID); syncErr != nil {
			return false, fmt.Errorf("sync job after terminal requeue: %w", syncErr)
		}
	}
	return requeued, nil
}

// ReclaimExpiredLeases returns up to maxN expired leases to pending. Used by
// the reaper.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, maxN int) (int, error) {
	var n int64
	err := s.retryTransient(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.q.ReclaimExpiredLeases(ctx, maxN)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return int(n), nil
}

// CancelJob flips a job to cancelled; the store rejects future claims on
// its tasks (see ClaimNext's `j.status NOT IN (...)` filter).
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	return s.retryTransient(ctx, func(ctx context.Context) error {
		return s.q.CancelJob(ctx, jobID)
	})
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row, err := s.q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	return toJob(row), nil
}

// ListJobs lists a client's jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, clientID, status string) ([]Job, error) {
	rows, err := s.q.ListJobs(ctx, clientID, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, toJob(r))
	}
	return jobs, nil
}

// JobProgress returns per-status task counts for a job.
func (s *Store) JobProgress(ctx context.Context, jobID string) (Progress, error) {
	rows, err := s.q.ListTasksByJob(ctx, jobID)
	if err != nil {
		return Progress{}, fmt.Errorf("job progress: %w", err)
	}
	var p Progress
	for _, r := range rows {
		p.Total++
		switch r.Status {
		case TaskPending:
			p.Pending++
		case TaskLeased:
			p.Leased++
		case TaskDone:
			p.Done++
		case TaskError:
			p.Error++
		}
	}
	return p, nil
}

// AllTasksFinished reports whether every task of jobID is in a terminal
// state.
func (s *Store) AllTasksFinished(ctx context.Context, jobID string) (bool, error) {
	return s.q.AllTasksFinished(ctx, jobID)
}

// Client is the store's view of a clients row. Jobs and tasks are the
// store's core concern, but clients are the tenant the HTTP front-end
// authenticates, so the store exposes the same read/write surface over
// the same connection.
type Client struct {
	ID           string
	Name         string
	Email        string
	APIKeyHash   string
	Status       string
	ScopesJSON   string
	MetadataJSON string
}

// NewClientID mints a new opaque client id.
func NewClientID() string { return uuid.NewString() }

// CreateClient inserts a client row, idempotent on id.
func (s *Store) CreateClient(ctx context.Context, c Client) error {
	return s.q.CreateClient(ctx, database.Client{
		ID: c.ID, Name: c.Name, Email: c.Email, APIKeyHash: c.APIKeyHash,
		Status: firstNonEmpty(c.Status, "active"), ScopesJSON: c.ScopesJSON, MetadataJSON: c.MetadataJSON,
	})
}

// GetClientByEmail fetches a client by email, used during login.
func (s *Store) GetClientByEmail(ctx context.Context, email string) (Client, error) {
	row, err := s.q.GetClientByEmail(ctx, email)
	if err != nil {
		return Client{}, err
	}
	return toClient(row), nil
}

// GetClientByID fetches a client by id.
func (s *Store) GetClientByID(ctx context.Context, id string) (Client, error) {
	row, err := s.q.GetClientByID(ctx, id)
	if err != nil {
		return Client{}, err
	}
	return toClient(row), nil
}

func toClient(r database.Client) Client {
	return Client{
		ID: r.ID, Name: r.Name, Email: r.Email, APIKeyHash: r.APIKeyHash,
		Status: r.Status, ScopesJSON: r.ScopesJSON, MetadataJSON: r.MetadataJSON,
	}
}

func toJob(r database.Job) Job {
	return Job{
		ID:            r.ID,
		ClientID:      r.ClientID,
		Kind:          r.Kind,
		Priority:      int(r.Priority),
		Status:        r.Status,
		CorrelationID: r.CorrelationID,
		TotalTasks:    int(r.TotalTasks),
		FinishedTasks: int(r.FinishedTasks),
		ErroredTasks:  int(r.ErroredTasks),
		CreatedAt:     parseDBTime(r.CreatedAt),
		UpdatedAt:     parseDBTime(r.UpdatedAt),
	}
}

// parseDBTime parses SQLite's CURRENT_TIMESTAMP text format; a zero
// time.Time comes back for anything else rather than an error, since the
// timestamps are informational.
func parseDBTime(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toTask(r database.JobTask) (Task, error) {
	var payload map[string]any
	if r.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(r.PayloadJSON), &payload); err != nil {
			return Task{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	t := Task{
		ID:              r.ID,
		JobID:           r.JobID,
		Kind:            r.Kind,
		Target:          r.Target,
		CorrelationID:   r.CorrelationID,
		Payload:         payload,
		Status:          r.Status,
		Priority:        int(r.Priority),
		Attempts:        int(r.Attempts),
		MaxAttempts:     int(r.MaxAttempts),
		LastError:       r.LastError,
		LastRetryReason: r.LastRetryReason,
	}
	if r.LeasedBy.Valid {
		t.LeasedBy = r.LeasedBy.String
	}
	if r.LeaseExpiresAt.Valid {
		t.LeaseExpiresAt = r.LeaseExpiresAt.Time
	}
	return t, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
