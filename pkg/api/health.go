package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/scanplane/pkg/metrics"
)

// Version is reported by /health
var Version = "dev"

// ReadinessCheck reports whether one dependency can serve traffic
type ReadinessCheck struct {
	Name  string
	Check func() error
}

// TCPCheck is ready while addr accepts connections
func TCPCheck(name, addr string, timeout time.Duration) ReadinessCheck {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return ReadinessCheck{
		Name: name,
		Check: func() error {
			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return fmt.Errorf("connection failed: %w", err)
			}
			return conn.Close()
		},
	}
}

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	checks []ReadinessCheck
	mux    *http.ServeMux
}

// NewHealthServer creates the /health, /ready and /metrics handlers
func NewHealthServer(checks ...ReadinessCheck) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		checks: checks,
		mux:    mux,
	}

	mux.HandleFunc("GET /health", hs.healthHandler)
	mux.HandleFunc("GET /ready", hs.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	return hs
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a liveness check: 200 while the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	})
}

// readyHandler runs every readiness check
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(hs.checks))
	ready := true
	var message string

	for _, c := range hs.checks {
		if err := c.Check(); err != nil {
			checks[c.Name] = fmt.Sprintf("error: %v", err)
			if ready {
				message = fmt.Sprintf("%s not ready", c.Name)
			}
			ready = false
			continue
		}
		checks[c.Name] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
