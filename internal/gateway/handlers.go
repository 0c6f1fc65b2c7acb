package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// writeJSON sends a JSON response with CORS and cache-busting headers
// so tunneled dashboards always see fresh data.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(dashboardHTML)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap, err := s.gatherer.FullStatus(time.Now())
	if err != nil {
		if errors.Is(err, workspace.ErrNoState) {
			writeError(w, http.StatusNotFound, "workspace not initialized")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.snapshotDuration.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimPrefix(r.URL.Path, "/api/agent/")
	if agentID == "" || strings.Contains(agentID, "/") {
		writeError(w, http.StatusBadRequest, "agent id required")
		return
	}
	detail, err := s.gatherer.AgentDetails(agentID, time.Now())
	if err != nil {
		if errors.Is(err, workspace.ErrNoState) {
			writeError(w, http.StatusNotFound, "workspace not initialized")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"events": s.gatherer.RecentEvents(),
	})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gatherer.CacheStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"uptime_seconds":      int(time.Since(s.startTime).Seconds()),
		"ws_connection_count": s.ClientCount(),
		"config_hash":         s.cfg.Hash(),
	})
}
