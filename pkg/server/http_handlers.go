package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"
)

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	}

	// Registry views take its lock and roles are atomic flags, so this runs
	// beside the event loop
	health["active_users"] = s.registry.Count()
	health["admins"] = s.registry.Admins()
	health["max_connections"] = s.config.MaxConnections
	health["open_connections"] = len(s.slots)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}

// metricsMux routes the internal HTTP endpoints
func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// startMetricsServer starts the internal metrics HTTP server
func (s *Server) startMetricsServer() error {
	if s.config.MetricsPort <= 0 {
		log.Printf("Metrics server disabled (metrics_port=%d)", s.config.MetricsPort)
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.MetricsPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.metricsServer = &http.Server{Handler: s.metricsMux()}
	log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", addr)

	go func() {
		if err := s.metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Metrics server error: %v", err)
		}
	}()

	return nil
}
