package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"taskforge/internal/router"
	"taskforge/internal/store"
)

var validate = validator.New()

// decodeAndValidate decodes r's JSON body into v and runs struct
// validation, writing the error envelope itself on failure: a body that
// tripped the size cap is PAYLOAD_TOO_LARGE, anything else BAD_REQUEST.
// Returns whether the handler may proceed.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		err = validate.Struct(v)
	}
	if err == nil {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body exceeds the configured limit")
		return false
	}
	writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request: "+err.Error())
	return false
}

// loginRequest is POST /api/auth/login's body: an opaque API key plus the
// client's login identifier, exchanged for a scoped bearer token.
type loginRequest struct {
	Email  string `json:"email" validate:"required,email"`
	APIKey string `json:"api_key" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	client, err := s.store.GetClientByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
		return
	}
	if client.Status != "active" {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "client is not active")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.APIKeyHash), []byte(req.APIKey)); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
		return
	}

	var scopes []string
	if err := json.Unmarshal([]byte(client.ScopesJSON), &scopes); err != nil || len(scopes) == 0 {
		scopes = []string{"fetch", "analyze", "send"}
	}

	now := time.Now()
	token, err := s.signer.Issue(client.ID, scopes, now)
	if err != nil {
		writeDomainError(w, fmt.Errorf("failed to issue token: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: now.Add(s.cfg.AccessTokenTTL), Scopes: scopes})
}

// dmTarget is one recipient of a send_messages job.
type dmTarget struct {
	Username   string `json:"username" validate:"required"`
	Text       string `json:"text"`
	TemplateID string `json:"template_id"`
	Category   string `json:"category"`
}

type submitDMRequest struct {
	Targets       []dmTarget `json:"targets" validate:"required,min=1,dive"`
	Priority      int        `json:"priority"`
	CorrelationID string     `json:"correlation_id"`
}

func (s *Server) handleSubmitDM(w http.ResponseWriter, r *http.Request) {
	var req submitDMRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	for _, t := range req.Targets {
		if t.Text == "" && t.TemplateID == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "target "+t.Username+" needs text or template_id")
			return
		}
	}

	jobID := store.NewJobID()
	job := store.Job{ID: jobID, ClientID: clientIDFromCtx(r.Context()), Kind: store.KindSendMessages, Priority: req.Priority, CorrelationID: req.CorrelationID}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeDomainError(w, fmt.Errorf("failed to create job: %w", err))
		return
	}

	tasks := make([]store.NewTask, 0, len(req.Targets))
	for _, t := range req.Targets {
		tasks = append(tasks, store.NewTask{
			ID:            store.TaskID(jobID, store.KindSendMessages, t.Username),
			JobID:         jobID,
			Kind:          store.KindSendMessages,
			Target:        t.Username,
			CorrelationID: req.CorrelationID,
			Priority:      req.Priority,
			Payload:       map[string]any{"username": t.Username, "text": t.Text, "template_id": t.TemplateID, "category": t.Category},
		})
	}
	if err := s.store.CreateTasks(r.Context(), tasks); err != nil {
		writeDomainError(w, fmt.Errorf("failed to create tasks: %w", err))
		return
	}
	s.router.Wake()

	writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID, "task_count": len(tasks)})
}

type submitAnalyzeRequest struct {
	Usernames     []string `json:"usernames" validate:"required,min=1,dive,required"`
	FetchReels    bool     `json:"fetch_reels"`
	MaxReels      int      `json:"max_reels"`
	Priority      int      `json:"priority"`
	CorrelationID string   `json:"correlation_id"`
}

func (s *Server) handleSubmitAnalyze(w http.ResponseWriter, r *http.Request) {
	var req submitAnalyzeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	jobID := store.NewJobID()
	job := store.Job{ID: jobID, ClientID: clientIDFromCtx(r.Context()), Kind: store.KindAnalyzeProfiles, Priority: req.Priority, CorrelationID: req.CorrelationID}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeDomainError(w, fmt.Errorf("failed to create job: %w", err))
		return
	}

	tasks := make([]store.NewTask, 0, len(req.Usernames))
	for _, u := range req.Usernames {
		tasks = append(tasks, store.NewTask{
			ID:            store.TaskID(jobID, store.KindAnalyzeProfiles, u),
			JobID:         jobID,
			Kind:          store.KindAnalyzeProfiles,
			Target:        u,
			CorrelationID: req.CorrelationID,
			Priority:      req.Priority,
			Payload:       map[string]any{"username": u, "fetch_reels": req.FetchReels, "max_reels": req.MaxReels},
		})
	}
	if err := s.store.CreateTasks(r.Context(), tasks); err != nil {
		writeDomainError(w, fmt.Errorf("failed to create tasks: %w", err))
		return
	}
	s.router.Wake()

	writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID, "task_count": len(tasks)})
}

type submitFollowingsRequest struct {
	Owner         string `json:"owner" validate:"required"`
	MaxFollowings int    `json:"max_followings"`
	Priority      int    `json:"priority"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleSubmitFollowings(w http.ResponseWriter, r *http.Request) {
	var req submitFollowingsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	jobID := store.NewJobID()
	job := store.Job{ID: jobID, ClientID: clientIDFromCtx(r.Context()), Kind: store.KindFetchFollowings, Priority: req.Priority, CorrelationID: req.CorrelationID}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeDomainError(w, fmt.Errorf("failed to create job: %w", err))
		return
	}

	task := store.NewTask{
		ID:            store.TaskID(jobID, store.KindFetchFollowings, req.Owner),
		JobID:         jobID,
		Kind:          store.KindFetchFollowings,
		Target:        req.Owner,
		CorrelationID: req.CorrelationID,
		Priority:      req.Priority,
		Payload:       map[string]any{"owner": req.Owner, "max_followings": req.MaxFollowings},
	}
	if err := s.store.CreateTasks(r.Context(), []store.NewTask{task}); err != nil {
		writeDomainError(w, fmt.Errorf("failed to create task: %w", err))
		return
	}
	s.router.Wake()

	writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID, "task_count": 1})
}

type taskBreakdown struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
	Done    int `json:"done"`
	Error   int `json:"error"`
}

type jobStatusResponse struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	Status        string        `json:"status"`
	Priority      int           `json:"priority"`
	TotalTasks    int           `json:"total_tasks"`
	FinishedTasks int           `json:"finished_tasks"`
	ErroredTasks  int           `json:"errored_tasks"`
	Tasks         taskBreakdown `json:"tasks"`
	Finished      bool          `json:"finished"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if job.ClientID != clientIDFromCtx(r.Context()) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}

	progress, err := s.store.JobProgress(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("failed to read job progress: %w", err))
		return
	}
	finished, err := s.store.AllTasksFinished(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("failed to read job completion: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, jobStatusResponse{
		ID: job.ID, Kind: job.Kind, Status: job.Status, Priority: job.Priority,
		TotalTasks: job.TotalTasks, FinishedTasks: job.FinishedTasks, ErroredTasks: job.ErroredTasks,
		Tasks: taskBreakdown{
			Pending: progress.Pending,
			Leased:  progress.Leased,
			Done:    progress.Done,
			Error:   progress.Error,
		},
		Finished:      finished,
		CorrelationID: job.CorrelationID,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if job.ClientID != clientIDFromCtx(r.Context()) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}

	if err := s.store.CancelJob(r.Context(), jobID); err != nil {
		writeDomainError(w, fmt.Errorf("failed to cancel job: %w", err))
		return
	}
	s.router.CancelJob(jobID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// routerWaker is the subset of Router methods the HTTP layer touches: Wake
// and CancelJob to nudge the scheduling event loop, and Events to subscribe the
// websocket status hub to task/job transitions — kept as a narrow interface
// so tests can inject a fake instead of a real *router.Router.
type routerWaker interface {
	Wake()
	CancelJob(jobID string)
	Events() <-chan router.Event
}

var _ routerWaker = (*router.Router)(nil)
