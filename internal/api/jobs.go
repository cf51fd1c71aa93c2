package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/mediagen/internal/genjob"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	maxBodyBytes    = 1 << 20
)

// submitJob handles POST /v1/jobs. A request answered from the cache returns
// 200 with the completed job; anything admitted for generation returns 202.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req genjob.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if owner := r.Header.Get("X-Owner"); req.Owner == "" && owner != "" {
		req.Owner = owner
	}
	job, err := s.jobs.Create(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, "create job", err)
		return
	}
	status := http.StatusAccepted
	if job.Status.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"job": toJobDTO(job)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job)})
}

// listJobs handles GET /v1/jobs?status=&op=&owner=&limit=&offset=. status
// accepts a comma-separated list.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.jobs.Query(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, "list jobs", err)
		return
	}
	out := make([]jobDTO, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobDTO(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, "retry job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": toJobDTO(job)})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job)})
}

func parseFilter(r *http.Request) (genjob.Filter, error) {
	q := r.URL.Query()
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		return genjob.Filter{}, err
	}
	filter := genjob.Filter{
		OpType: strings.TrimSpace(q.Get("op")),
		Owner:  strings.TrimSpace(q.Get("owner")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := genjob.Status(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Valid() {
				return genjob.Filter{}, fmt.Errorf("invalid status %q", part)
			}
			filter.Status = append(filter.Status, st)
		}
	}
	return filter, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type jobDTO struct {
	ID           string            `json:"id"`
	Status       genjob.Status     `json:"status"`
	OpType       string            `json:"op_type"`
	Owner        string            `json:"owner,omitempty"`
	ProviderID   string            `json:"provider_id"`
	AccountID    string            `json:"account_id,omitempty"`
	CanonicalKey string            `json:"canonical_key"`
	Attempt      int               `json:"attempt"`
	MaxAttempts  int               `json:"max_attempts"`
	Priority     int               `json:"priority"`
	CacheHit     bool              `json:"cache_hit"`
	Progress     float64           `json:"progress,omitempty"`
	ResultRef    string            `json:"result_ref,omitempty"`
	Error        *genjob.ErrorInfo `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func toJobDTO(job genjob.Job) jobDTO {
	return jobDTO{
		ID:           job.ID,
		Status:       job.Status,
		OpType:       job.OpType,
		Owner:        job.Owner,
		ProviderID:   job.ProviderID,
		AccountID:    job.AccountID,
		CanonicalKey: job.CanonicalKey,
		Attempt:      job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		Priority:     job.Priority,
		CacheHit:     job.CacheHit,
		Progress:     job.Poll.Progress,
		ResultRef:    job.ResultRef,
		Error:        job.ErrorInfo,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}
