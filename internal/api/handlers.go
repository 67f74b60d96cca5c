package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/orchestrator"
	"github.com/JakeFAU/datasource-broker/internal/registry"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

func (s *Server) listConnectors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connectors": s.connectors.Descriptors(),
	})
}

func (s *Server) describeConnector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	desc, err := s.connectors.Describe(name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// listJobs handles GET /v1/jobs?status=&limit=&offset=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status orchestrator.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		if status, err = parseStatus(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	all := s.jobs.Jobs()
	filtered := make([]orchestrator.Job, 0, len(all))
	for _, job := range all {
		if status == "" || job.Status == status {
			filtered = append(filtered, job)
		}
	}
	total := len(filtered)
	if offset > len(filtered) {
		offset = len(filtered)
	}
	filtered = filtered[offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  filtered,
		"total": total,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.Job(pid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Stop(pid); err != nil {
		s.writeDomainError(w, err)
		return
	}
	job, err := s.jobs.Job(pid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Remove(pid); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"process_id": pid, "removed": true})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, orchestrator.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("admin request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pidParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "invalid process id")
		return 0, false
	}
	return pid, true
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

func parseStatus(input string) (orchestrator.Status, error) {
	switch strings.ToLower(input) {
	case "running":
		return orchestrator.StatusRunning, nil
	case "exited", "success":
		return orchestrator.StatusExited, nil
	case "failed", "error", "failure":
		return orchestrator.StatusFailed, nil
	case "stopped":
		return orchestrator.StatusStopped, nil
	default:
		return "", errors.New("invalid status")
	}
}
