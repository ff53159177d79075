package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/billing/internal/middleware"
)

// RouterConfig holds the dependencies of the HTTP router.
type RouterConfig struct {
	Payments  PaymentService
	Health    *HealthHandlers
	Validator middleware.TokenValidator
	Metrics   *middleware.Metrics
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// RateLimitStore throttles mutating payment routes per tenant. Nil
	// disables throttling.
	RateLimitStore middleware.RateLimitStore
	RateLimit      middleware.RateLimitConfig
	Logger         *slog.Logger
	ServiceName    string
}

// NewRouter builds the API handler. Payment routes require a bearer token;
// the probes and /metrics do not.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	health := cfg.Health
	if health == nil {
		health = NewHealthHandlers(HealthHandlersConfig{})
	}

	ph := NewPaymentHandlers(cfg.Payments)
	authed := middleware.Auth(cfg.Validator, cfg.Metrics)
	protect := func(h http.HandlerFunc) http.Handler { return authed(h) }
	mutate := protect
	if cfg.RateLimitStore != nil {
		limit := middleware.RateLimiter(cfg.RateLimitStore, cfg.RateLimit, middleware.TenantKey)
		mutate = func(h http.HandlerFunc) http.Handler { return authed(limit(h)) }
	}

	mux := http.NewServeMux()
	mux.Handle("POST /payments", mutate(ph.CreatePayment))
	mux.Handle("GET /payments/{id}", protect(ph.GetPayment))
	mux.Handle("GET /payments/{id}/attempts", protect(ph.GetPaymentAttempts))
	mux.Handle("POST /payments/{id}/captures", mutate(ph.CapturePayment))
	mux.Handle("POST /payments/{id}/refunds", mutate(ph.RefundPayment))
	mux.Handle("GET /payments/{id}/refunds", protect(ph.GetRefunds))
	mux.Handle("GET /accounts/{id}/payments", protect(ph.GetAccountPayments))
	mux.Handle("POST /accounts/{id}/payment-methods", mutate(ph.AddPaymentMethod))
	mux.Handle("GET /accounts/{id}/payment-methods", protect(ph.GetPaymentMethods))
	mux.Handle("GET /payment-methods/{id}", protect(ph.GetPaymentMethod))
	mux.Handle("DELETE /payment-methods/{id}", mutate(ph.DeletePaymentMethod))

	mux.HandleFunc("GET /health", health.Health)
	mux.HandleFunc("GET /ready", health.Ready)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "route not found")
	})

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "billing-api"
	}

	// Outermost first: request ID, tracing, logging, metrics.
	var handler http.Handler = mux
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.RequestID(handler)
	return handler
}
