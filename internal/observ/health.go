package observ

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus represents overall process health
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "degraded", "failed"
	Timestamp  string            `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags

	healthMu   sync.RWMutex
	components = map[string]string{}
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// SetComponentHealth records "healthy", "degraded" or "failed" for a component.
func SetComponentHealth(name, status string) {
	healthMu.Lock()
	components[name] = status
	healthMu.Unlock()

	v := 0.0
	switch status {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	}
	SetGauge("component_health", v, map[string]string{"component": name})
}

// CurrentHealth aggregates component states; the worst one wins.
func CurrentHealth() HealthStatus {
	healthMu.RLock()
	defer healthMu.RUnlock()

	h := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Uptime:     time.Since(startTime).String(),
		Version:    version,
		Components: make(map[string]string, len(components)),
	}
	for name, status := range components {
		h.Components[name] = status
		switch status {
		case "failed":
			h.Status = "failed"
		case "degraded":
			if h.Status != "failed" {
				h.Status = "degraded"
			}
		}
	}
	return h
}

// HealthHandler returns the health endpoint
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := CurrentHealth()
		statusCode := http.StatusOK
		if health.Status == "failed" {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}
