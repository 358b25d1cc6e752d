package database

import "database/sql"

// Client mirrors a row of the clients table.
type Client struct {
	ID            string
	Name          string
	Email         string
	APIKeyHash    string
	Status        string
	ScopesJSON    string
	MetadataJSON  string
	CreatedAt     string
	UpdatedAt     string
}

// Job mirrors a row of the jobs table.
type Job struct {
	ID            string
	ClientID      string
	Kind          string
	Priority      int64
	Status        string
	CorrelationID string
	TotalTasks    int64
	FinishedTasks int64
	ErroredTasks  int64
	CreatedAt     string
	UpdatedAt     string
}

// JobTask mirrors a row of the job_tasks table. Nullable lease columns use
// sql.NullString/sql.NullTime since a task may be unleased.
type JobTask struct {
	ID              string
	JobID           string
	Kind            string
	Target          string
	CorrelationID   string
	PayloadJSON     string
	Status          string
	Priority        int64
	Attempts        int64
	MaxAttempts     int64
	LastError       string
	LastRetryReason string
	LeasedBy        sql.NullString
	LeasedAt        sql.NullTime
	LeaseExpiresAt  sql.NullTime
	LeaseTTLSeconds int64
	CreatedAt       string
	UpdatedAt       string
}
