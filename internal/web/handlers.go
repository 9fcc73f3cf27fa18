package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/core"
	"github.com/go-chi/chi/v5"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Quota(r.Context())
	if err != nil {
		respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// RunsResponse is the body of GET /api/runs.
type RunsResponse struct {
	Runs []core.RunResult `json:"runs"`
}

// handleRuns lists finished commands, newest first. ?limit=N trims the list.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.backend.LastRuns()
	if limit := parseIntParam(r, "limit", 0); limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []core.RunResult{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	for _, run := range s.backend.LastRuns() {
		if run.ID == id {
			respondJSON(w, http.StatusOK, run)
			return
		}
	}
	respondJSON(w, http.StatusNotFound, ErrorResponse{
		Error:   "run not found",
		Message: "Run not found",
		Action:  "Only recent runs are kept",
		Code:    "HTTP404",
	})
}

// parseIntParam parses a positive integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}
