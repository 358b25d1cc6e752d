package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Queries wraps a *sql.DB with the hand-written query layer used by the
// store, authored directly rather than generated since this schema has no
// sqlc step.
type Queries struct {
	db *sql.DB
	tx *sql.Tx
}

// New constructs a Queries from an open database handle.
func New(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to an in-flight transaction, mirroring the
// sqlc-generated WithTx helper.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: nil, tx: tx}
}

// the embedded tx field is kept unexported and accessed only through exec/
// queryRow/query helpers below so every method works whether Queries wraps
// a *sql.DB or a *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var _ execer = (*sql.DB)(nil)
var _ execer = (*sql.Tx)(nil)

func (q *Queries) conn() execer {
	if q.tx != nil {
		return q.tx
	}
	return q.db
}

// BeginTx starts a transaction and returns a Queries bound to it alongside
// the underlying *sql.Tx so callers can Commit/Rollback.
func (q *Queries) BeginTx(ctx context.Context) (*sql.Tx, *Queries, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, &Queries{tx: tx}, nil
}

// CreateClient inserts a client row, idempotent on id.
func (q *Queries) CreateClient(ctx context.Context, c Client) error {
	_, err := q.conn().ExecContext(ctx, `
		INSERT INTO clients (id, name, email, api_key_hash, status, scopes_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Name, c.Email, c.APIKeyHash, c.Status, c.ScopesJSON, c.MetadataJSON,
	)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

// GetClientByID fetches a client by id.
func (q *Queries) GetClientByID(ctx context.Context, id string) (Client, error) {
	var c Client
	row := q.conn().QueryRowContext(ctx, `
		SELECT id, name, email, api_key_hash, status, scopes_json, metadata_json, created_at, updated_at
		FROM clients WHERE id = ?`, id)
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.APIKeyHash, &c.Status, &c.ScopesJSON, &c.MetadataJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Client{}, err
	}
	return c, nil
}

// GetClientByEmail fetches a client by email, used during login.
func (q *Queries) GetClientByEmail(ctx context.Context, email string) (Client, error) {
	var c Client
	row := q.conn().QueryRowContext(ctx, `
		SELECT id, name, email, api_key_hash, status, scopes_json, metadata_json, created_at, updated_at
		FROM clients WHERE email = ?`, email)
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.APIKeyHash, &c.Status, &c.ScopesJSON, &c.MetadataJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Client{}, err
	}
	return c, nil
}

// CreateJob inserts a job row, idempotent on id.
func (q *Queries) CreateJob(ctx context.Context, j Job) error {
	_, err := q.conn().ExecContext(ctx, `
		INSERT INTO jobs (id, client_id, kind, priority, status, correlation_id, total_tasks, finished_tasks, errored_tasks)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT(id) DO NOTHING`,
		j.ID, j.ClientID, j.Kind, j.Priority, j.Status, j.CorrelationID, j.TotalTasks,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// CreateTasks batch-inserts tasks for a job, silently skipping duplicate ids.
func (q *Queries) CreateTasks(ctx context.Context, tasks []JobTask) error {
	if len(tasks) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO job_tasks
		(id, job_id, kind, target, correlation_id, payload_json, status, priority, attempts, max_attempts, lease_ttl_seconds)
		VALUES `)
	args := make([]any, 0, len(tasks)*11)
	for i, t := range tasks {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?,?,?,?,?,?,?,?,?,?,?)")
		args = append(args, t.ID, t.JobID, t.Kind, t.Target, t.CorrelationID, t.PayloadJSON, "pending", t.Priority, 0, t.MaxAttempts, t.LeaseTTLSeconds)
	}
	sb.WriteString(" ON CONFLICT(id) DO NOTHING")

	if _, err := q.conn().ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("create tasks: %w", err)
	}

	_, err := q.conn().ExecContext(ctx, `
		UPDATE jobs SET total_tasks = (SELECT COUNT(*) FROM job_tasks WHERE job_id = ?), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, tasks[0].JobID, tasks[0].JobID)
	if err != nil {
		return fmt.Errorf("update job total_tasks: %w", err)
	}
	return nil
}

// ClaimNext atomically selects one pending task matching kinds whose job is
// not cancelled, ordered by (priority DESC, created_at ASC), and leases it
// to workerID. The UPDATE...WHERE id = (subquery LIMIT 1)...RETURNING
// pattern is the conditional-update equivalent of SELECT FOR UPDATE under
// SQLite's single-writer model: the write is serialized by the engine and
// the claimed row comes back from the same statement, so no two callers can
// ever receive the same task.
func (q *Queries) ClaimNext(ctx context.Context, kinds []string, workerID string, leaseTTL time.Duration) (JobTask, bool, error) {
	if len(kinds) == 0 {
		return JobTask{}, false, nil
	}

	placeholders := make([]string, len(kinds))
	args := make([]any, 0, len(kinds)+2)
	for i, k := range kinds {
		placeholders[i] = "?"
		args = append(args, k)
	}

	ttlSeconds := int64(leaseTTL.Seconds())
	query := fmt.Sprintf(`
		UPDATE job_tasks
		SET status = 'leased',
			leased_by = ?,
			leased_at = CURRENT_TIMESTAMP,
			lease_expires_at = datetime(CURRENT_TIMESTAMP, '+' || ? || ' seconds'),
			attempts = attempts + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT jt.id FROM job_tasks jt
			JOIN jobs j ON j.id = jt.job_id
			WHERE jt.status = 'pending'
			AND jt.kind IN (%s)
			AND j.status NOT IN ('cancelled', 'done', 'failed')
			ORDER BY jt.priority DESC, jt.created_at ASC
			LIMIT 1
		)
		RETURNING id, job_id, kind, target, correlation_id, payload_json, status, priority, attempts, max_attempts,
			last_error, last_retry_reason, leased_by, leased_at, lease_expires_at, lease_ttl_seconds,
			created_at, updated_at`, strings.Join(placeholders, ","))

	fullArgs := append([]any{workerID, ttlSeconds}, args...)
	row := q.conn().QueryRowContext(ctx, query, fullArgs...)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return JobTask{}, false, nil
		}
		return JobTask{}, false, fmt.Errorf("claim next: %w", err)
	}
	return t, true, nil
}

// MarkDone marks task as done, requiring it currently be leased.
func (q *Queries) MarkDone(ctx context.Context, taskID string) (bool, error) {
	res, err := q.conn().ExecContext(ctx, `
		UPDATE job_tasks
		SET status = 'done', leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'leased'`, taskID)
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	return affected(res)
}

// MarkError marks task as error, clearing its lease.
func (q *Queries) MarkError(ctx context.Context, taskID, lastError string) (bool, error) {
	res, err := q.conn().ExecContext(ctx, `
		UPDATE job_tasks
		SET status = 'error', last_error = ?, leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'leased'`, truncate(lastError, 2000), taskID)
	if err != nil {
		return false, fmt.Errorf("mark error: %w", err)
	}
	return affected(res)
}

// RequeueTaskWithAttemptsCap requeues a leased task to pending if its
// current attempts are below max_attempts, otherwise marks it error with
// reason. One conditional UPDATE so the decision and the write cannot be
// split by a concurrent reaper pass. Returns whether a requeue (as opposed
// to a terminal error) happened.
func (q *Queries) RequeueTaskWithAttemptsCap(ctx context.Context, taskID, reason string) (bool, error) {
	row := q.conn().QueryRowContext(ctx, `
		UPDATE job_tasks
		SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'error' END,
			last_error = CASE WHEN attempts < max_attempts THEN last_error ELSE ? END,
			last_retry_reason = ?,
			leased_by = NULL, leased_at = NULL, lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'leased'
		RETURNING status`, reason, reason, taskID)

	var status string
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("requeue: %w", err)
	}
	return status == "pending", nil
}

// ReclaimExpiredLeases returns up to maxN leased tasks whose lease has
// expired back to pending, without touching attempts.
func (q *Queries) ReclaimExpiredLeases(ctx context.Context, maxN int) (int64, error) {
	res, err := q.conn().ExecContext(ctx, `
		UPDATE job_tasks
		SET status = 'pending', leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id IN (
			SELECT id FROM job_tasks
			WHERE status = 'leased' AND lease_expires_at < CURRENT_TIMESTAMP
			LIMIT ?
		)`, maxN)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases rows affected: %w", err)
	}
	return n, nil
}

// CancelJob flips a job to cancelled.
func (q *Queries) CancelJob(ctx context.Context, jobID string) error {
	_, err := q.conn().ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// SyncJobStatus recomputes a job's status and counters from its tasks.
// Called by the store after each terminal task transition (mark_done,
// mark_error, and a requeue that hit the attempts cap).
func (q *Queries) SyncJobStatus(ctx context.Context, jobID string) error {
	row := q.conn().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status IN ('done','cancelled') THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
		FROM job_tasks WHERE job_id = ?`, jobID)

	var total, finished, errored int64
	if err := row.Scan(&total, &finished, &errored); err != nil {
		return fmt.Errorf("sync job status count: %w", err)
	}

	// A job is failed only when every task ended in error; a partially
	// successful job finishes as done, with the errors visible through the
	// per-task breakdown.
	status := "running"
	switch {
	case total > 0 && errored == total:
		status = "failed"
	case total > 0 && finished+errored == total:
		status = "done"
	}

	_, err := q.conn().ExecContext(ctx, `
		UPDATE jobs
		SET total_tasks = ?, finished_tasks = ?, errored_tasks = ?, status = CASE WHEN status = 'cancelled' THEN status ELSE ? END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, total, finished, errored, status, jobID)
	if err != nil {
		return fmt.Errorf("sync job status update: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (q *Queries) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := q.conn().QueryRowContext(ctx, `
		SELECT id, client_id, kind, priority, status, correlation_id, total_tasks, finished_tasks, errored_tasks, created_at, updated_at
		FROM jobs WHERE id = ?`, jobID)
	var j Job
	err := row.Scan(&j.ID, &j.ClientID, &j.Kind, &j.Priority, &j.Status, &j.CorrelationID, &j.TotalTasks, &j.FinishedTasks, &j.ErroredTasks, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// ListJobs lists jobs for a client, optionally filtered by status.
func (q *Queries) ListJobs(ctx context.Context, clientID, status string) ([]Job, error) {
	query := `SELECT id, client_id, kind, priority, status, correlation_id, total_tasks, finished_tasks, errored_tasks, created_at, updated_at
		FROM jobs WHERE client_id = ?`
	args := []any{clientID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := q.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.ClientID, &j.Kind, &j.Priority, &j.Status, &j.CorrelationID, &j.TotalTasks, &j.FinishedTasks, &j.ErroredTasks, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list jobs scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListTasksByJob fetches every task belonging to a job.
func (q *Queries) ListTasksByJob(ctx context.Context, jobID string) ([]JobTask, error) {
	rows, err := q.conn().QueryContext(ctx, `
		SELECT id, job_id, kind, target, correlation_id, payload_json, status, priority, attempts, max_attempts,
			last_error, last_retry_reason, leased_by, leased_at, lease_expires_at, lease_ttl_seconds,
			created_at, updated_at
		FROM job_tasks WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by job: %w", err)
	}
	defer rows.Close()

	var tasks []JobTask
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks by job scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AllTasksFinished reports whether every task of jobID is in a terminal
// state (done, cancelled, or error with attempts exhausted).
func (q *Queries) AllTasksFinished(ctx context.Context, jobID string) (bool, error) {
	row := q.conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_tasks
		WHERE job_id = ? AND status NOT IN ('done', 'cancelled', 'error')`, jobID)
	var n int64
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("all tasks finished: %w", err)
	}
	return n == 0, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (JobTask, error) {
	var t JobTask
	err := row.Scan(&t.ID, &t.JobID, &t.Kind, &t.Target, &t.CorrelationID, &t.PayloadJSON, &t.Status, &t.Priority, &t.Attempts, &t.MaxAttempts,
		&t.LastError, &t.LastRetryReason, &t.LeasedBy, &t.LeasedAt, &t.LeaseExpiresAt, &t.LeaseTTLSeconds,
		&t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func scanTaskRows(rows *sql.Rows) (JobTask, error) {
	return scanTask(rows)
}
