// Package main is the entry point for the billing API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/onnwee/billing/internal/api"
	"github.com/onnwee/billing/internal/app"
	"github.com/onnwee/billing/internal/auth"
	"github.com/onnwee/billing/internal/config"
	"github.com/onnwee/billing/internal/middleware"
	"github.com/onnwee/billing/internal/paymentapi"
	"github.com/onnwee/billing/internal/tracing"
)

const (
	serviceName     = "billing-api"
	shutdownTimeout = 10 * time.Second
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Billing API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(cfg.Tracing(serviceName))
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	cat, err := app.LoadCatalog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if cat != nil {
		logger.Info("catalog loaded", "catalog", cat.Name(), "plans", len(cat.Plans()))
	}

	core, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("failed to close connections", "error", err)
		}
	}()

	// With an in-memory queue only this process can run the retries it schedules.
	if core.Redis == nil {
		go core.NewWorker(cfg, logger).Run(ctx)
	}

	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(core.Registry); err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}

	routerCfg := api.RouterConfig{
		Payments: paymentapi.New(core.Runner, core.Store, core.Store, logger),
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			DBChecker:    core.DBChecker(),
			QueueChecker: core.QueueChecker(),
		}),
		Validator:   auth.NewJWTService(cfg.JWTSecret, cfg.JWTPreviousSecret),
		Metrics:     httpMetrics,
		Gatherer:    core.Registry,
		Logger:      logger,
		ServiceName: serviceName,
	}
	if cfg.RateLimitRequests > 0 {
		routerCfg.RateLimit = middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimitRequests, WindowDuration: cfg.RateLimitWindow}
		if core.Redis != nil {
			routerCfg.RateLimitStore = middleware.NewRedisRateLimitStore(core.Redis)
		} else {
			routerCfg.RateLimitStore = middleware.NewInMemoryRateLimitStore()
		}
	}
	handler := api.NewRouter(routerCfg)

	logger.Info("starting server", "port", cfg.Port)
	return serve(ctx, newServer(":"+strconv.Itoa(cfg.Port), handler, cfg.PluginTimeout), logger)
}

// newServer builds the HTTP server. Writes may wait for a full plugin call.
func newServer(addr string, handler http.Handler, pluginTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: pluginTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serve runs server until ctx is done, then drains in-flight requests for up
// to shutdownTimeout.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
