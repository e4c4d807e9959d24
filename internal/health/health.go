package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check for a component
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler manages health and readiness checks
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	ready    bool
}

// NewHandler creates a new health handler
func NewHandler() *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
	}
}

// RegisterChecker adds a health checker
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// SetMetadata sets metadata for the health response
func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady marks the service as ready
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness status
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// HealthHandler handles health check requests
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()

	response := Response{
		Timestamp: time.Now(),
		Checks:    []Check{},
		Metadata:  metadata,
	}

	overallStatus := StatusHealthy

	for name, checker := range checkers {
		check := checker.Check(ctx)
		check.Name = name
		response.Checks = append(response.Checks, check)

		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	response.Status = overallStatus

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles readiness check requests
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()

	response := map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"metadata":  metadata,
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// LivenessHandler handles liveness check requests (always returns OK if the
// process is serving)
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// PingChecker wraps a connectivity probe (Redis, shared cache tier).
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker around a ping function. A nil ping
// function reports healthy with a "not configured" message.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// Check performs the connectivity check
func (c *PingChecker) Check(ctx context.Context) Check {
	start := time.Now()

	if c.ping == nil {
		return Check{
			Status:      StatusHealthy,
			Message:     c.name + " not configured",
			LastChecked: time.Now(),
			Duration:    time.Since(start) / time.Millisecond,
		}
	}

	err := c.ping(ctx)
	duration := time.Since(start)

	if err != nil {
		return Check{
			Status:      StatusUnhealthy,
			Message:     c.name + " connection failed: " + err.Error(),
			LastChecked: time.Now(),
			Duration:    duration / time.Millisecond,
		}
	}

	return Check{
		Status:      StatusHealthy,
		Message:     c.name + " connection OK",
		LastChecked: time.Now(),
		Duration:    duration / time.Millisecond,
	}
}

// GateChecker reports admission-gate utilization for the fetch orchestrator.
type GateChecker struct {
	inFlight func() int
	capacity int
}

// NewGateChecker creates a new admission gate health checker
func NewGateChecker(inFlight func() int, capacity int) *GateChecker {
	return &GateChecker{inFlight: inFlight, capacity: capacity}
}

// Check performs the gate utilization check
func (c *GateChecker) Check(ctx context.Context) Check {
	start := time.Now()
	active := c.inFlight()

	status := StatusHealthy
	message := "admission gate operating normally"

	if c.capacity > 0 && float64(active)/float64(c.capacity) > 0.9 {
		status = StatusDegraded
		message = "admission gate near capacity"
	}

	return Check{
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
		Duration:    time.Since(start) / time.Millisecond,
	}
}
