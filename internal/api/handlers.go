package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hostmux/hostmux/internal/jobs"
)

type healthResponse struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime_s"`
	Jobs   int     `json:"jobs"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Seconds(),
		Jobs:   s.table.Count(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	snapshot := s.table.Snapshot()
	if snapshot == nil {
		snapshot = []jobs.JobInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": snapshot})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}

	runs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
