package api

import (
	"context"
	"net/http"
	"time"
)

// Version is injected at build time via ldflags.
var Version = "dev"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	StoreConnected bool   `json:"store_connected"`
	Version        string `json:"version"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeOK := s.store.Ping(ctx) == nil
	status := "healthy"
	code := http.StatusOK
	if !storeOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, HealthResponse{
		Status:         status,
		StoreConnected: storeOK,
		Version:        Version,
	})
}
