package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os/user"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/qrun/internal/jobspec"
	"github.com/mattjoyce/qrun/internal/pbs"
	"github.com/mattjoyce/qrun/internal/queue"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleSubmitJob handles POST /jobs. The spec is loaded and validated
// before anything is queued, so a broken spec is rejected at submit time.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SpecPath == "" {
		s.writeError(w, http.StatusBadRequest, "spec_path is required")
		return
	}

	spec, err := jobspec.Load(req.SpecPath)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := jobspec.ComputeFileHash(req.SpecPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Name:        spec.Name,
		SpecPath:    req.SpecPath,
		SpecHash:    hash,
		SubmittedBy: submitter(),
	})
	if err != nil {
		s.logger.Error("failed to enqueue job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	s.logger.Info("job submitted", "job_id", jobID, "name", spec.Name)
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: jobID})
}

// handleListJobs handles GET /jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.queue.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toJobResponse(j))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to get job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleGetJobScript handles GET /jobs/{id}/script: the PBS submission
// script rendered from the job's spec file, as plain text.
func (s *Server) handleGetJobScript(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	spec, err := jobspec.Load(job.SpecPath)
	if err != nil {
		s.writeError(w, http.StatusConflict, "spec no longer loadable: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pbs.Script(spec)))
}

func toJobResponse(j *queue.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		Name:        j.Name,
		SpecPath:    j.SpecPath,
		SpecHash:    j.SpecHash,
		Status:      string(j.Status),
		ExitCode:    j.ExitCode,
		SubmittedBy: j.SubmittedBy,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		LastError:   j.LastError,
		StderrTail:  j.StderrTail,
	}
}

func submitter() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "api"
}
