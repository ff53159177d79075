package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// DefaultReadyTimeout bounds all readiness checks of one request.
const DefaultReadyTimeout = 5 * time.Second

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	dbChecker    HealthChecker
	queueChecker HealthChecker
	timeout      time.Duration
	now          func() time.Time
}

// HealthHandlersConfig configures the health check handlers. A nil checker
// means the dependency runs in memory and is always ready.
type HealthHandlersConfig struct {
	DBChecker    HealthChecker
	QueueChecker HealthChecker
	Timeout      time.Duration
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return &HealthHandlers{
		dbChecker:    config.DBChecker,
		queueChecker: config.QueueChecker,
		timeout:      timeout,
		now:          time.Now,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health. If we can respond, we're alive.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready. It returns 503 when the database or the retry
// queue cannot be reached.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true
	for _, c := range []struct {
		name    string
		checker HealthChecker
	}{
		{"database", h.dbChecker},
		{"retry_queue", h.queueChecker},
	} {
		if c.checker == nil {
			checks[c.name] = "ok"
			continue
		}
		if err := c.checker.HealthCheck(ctx); err != nil {
			checks[c.name] = "error"
			healthy = false
			slog.WarnContext(ctx, "health check failed", "check", c.name, "error", err)
			continue
		}
		checks[c.name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, r.Context(), code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}
