package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/openclaw/internal/adapter/observability"
	"github.com/fairyhunter13/openclaw/internal/config"
	"github.com/fairyhunter13/openclaw/internal/domain"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg  config.Config
	Jobs domain.JobRepository
}

// NewServer constructs the broker HTTP surface over a job repository.
func NewServer(cfg config.Config, jobs domain.JobRepository) *Server {
	return &Server{Cfg: cfg, Jobs: jobs}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// jobPayload is the wire shape of a job record; absent optional fields are
// explicit nulls.
type jobPayload struct {
	ID         string  `json:"id"`
	CreatedAt  int64   `json:"created_at"`
	StartedAt  *int64  `json:"started_at"`
	FinishedAt *int64  `json:"finished_at"`
	LeaseUntil *int64  `json:"lease_until"`
	Status     string  `json:"status"`
	Command    string  `json:"command"`
	Payload    string  `json:"payload"`
	Result     *string `json:"result"`
	Error      *string `json:"error"`
	WorkerID   *string `json:"worker_id"`
	Requires   *string `json:"requires"`
}

func toWire(j domain.Job) jobPayload {
	return jobPayload{
		ID:         j.ID,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		LeaseUntil: j.LeaseUntil,
		Status:     string(j.Status),
		Command:    j.Command,
		Payload:    j.Payload,
		Result:     j.Result,
		Error:      j.Error,
		WorkerID:   j.WorkerID,
		Requires:   j.Requires,
	}
}

// HealthHandler is an unauthenticated liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ts_bound": true})
	}
}

type createJobRequest struct {
	Command  string  `json:"command" validate:"required"`
	Payload  string  `json:"payload"`
	Requires *string `json:"requires"`
}

// CreateJobHandler inserts a new queued job on behalf of the bot.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid body: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: command required", domain.ErrInvalidArgument))
			return
		}
		job, err := s.Jobs.Create(r.Context(), req.Command, req.Payload, req.Requires)
		if err != nil {
			writeError(w, r, err)
			return
		}
		observability.JobsCreatedTotal.WithLabelValues(job.Command).Inc()
		LoggerFrom(r).Info("job created", "job_id", job.ID, "command", job.Command)
		writeJSON(w, http.StatusOK, map[string]string{"id": job.ID, "status": string(domain.JobQueued)})
	}
}

// GetJobHandler returns the full job record.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toWire(job))
	}
}

// NextJobHandler atomically claims the next runnable job for the calling
// worker, requeueing stale running jobs first. Returns {"job": null} when
// nothing matches the worker's declared capabilities.
func (s *Server) NextJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workerID := strings.TrimSpace(r.Header.Get(HeaderWorkerID))
		caps := domain.ParseCaps(r.Header.Get(HeaderWorkerCaps))
		job, err := s.Jobs.Claim(r.Context(), workerID, caps, s.Cfg.Lease())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if job == nil {
			writeJSON(w, http.StatusOK, map[string]any{"job": nil})
			return
		}
		LoggerFrom(r).Info("job claimed", "job_id", job.ID, "command", job.Command, "worker_id", workerID)
		writeJSON(w, http.StatusOK, map[string]any{"job": toWire(*job)})
	}
}

type resultRequest struct {
	Result string `json:"result"`
}

type failRequest struct {
	Error string `json:"error"`
}

func terminalResponse(out domain.TerminalOutcome) map[string]any {
	resp := map[string]any{"ok": true, "status": string(out.Status)}
	if out.Note != "" {
		resp["note"] = out.Note
	}
	return resp
}

// ResultHandler records a terminal success. Idempotent.
func (s *Server) ResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req resultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid body: %v", domain.ErrInvalidArgument, err))
			return
		}
		out, err := s.Jobs.Finish(r.Context(), id, req.Result)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, terminalResponse(out))
	}
}

// FailHandler records a terminal failure. Idempotent.
func (s *Server) FailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req failRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid body: %v", domain.ErrInvalidArgument, err))
			return
		}
		out, err := s.Jobs.Fail(r.Context(), id, req.Error)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, terminalResponse(out))
	}
}
