package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":                 "healthy",
		"uptime_seconds":         int64(time.Since(s.startTime).Seconds()),
		"active_sessions":        s.sessions.CountOnline(),
		"authenticated_sessions": s.sessions.CountAuthenticated(),
	}

	status := http.StatusOK
	identities, err := s.db.CountIdentities()
	if err != nil {
		log.WithError(err).Warn("Health check could not reach the database")
		health["status"] = "degraded"
		health["database_accessible"] = false
		status = http.StatusServiceUnavailable
	} else {
		health["database_accessible"] = true
		health["identities"] = identities
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.WithError(err).Warn("Error encoding health JSON")
	}
}

// MetricsMux routes GET /metrics and /health
func (s *Server) MetricsMux() http.Handler {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	router.HandlerFunc(http.MethodGet, "/health", s.HealthHandler)
	return router
}

// WebSocketMux routes the WebSocket transport on GET /ws plus /health
func (s *Server) WebSocketMux() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/ws", s.HandleWebSocket)
	router.HandlerFunc(http.MethodGet, "/health", s.HealthHandler)
	return router
}
