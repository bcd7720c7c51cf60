package httpapi

import (
	"io"
	"net/http"
)

// handleHealthz reports gateway liveness, per-server upstream status,
// and the metrics snapshot.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"name":      serverName,
		"version":   serverVersion,
		"timestamp": s.nowFunc().UnixMilli(),
		"sessions":  s.deps.Sessions.Len(),
	}
	if s.deps.Health != nil {
		servers := make(map[string]string)
		for id, status := range s.deps.Health.HealthCheck() {
			servers[id] = string(status)
		}
		body["servers"] = servers
	}
	if s.deps.Metrics != nil {
		body["metrics"] = s.deps.Metrics.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleMetrics serves the Prometheus text exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	io.WriteString(w, s.deps.Metrics.PrometheusFormat())
}
