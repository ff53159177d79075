// Package main is the entry point for the payment retry worker.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/billing/internal/app"
	"github.com/onnwee/billing/internal/config"
	"github.com/onnwee/billing/internal/middleware"
	"github.com/onnwee/billing/internal/tracing"
)

const serviceName = "billing-retry-worker"

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address of the /metrics endpoint, empty to disable")
	flag.Parse()

	if *help {
		fmt.Println("Billing Payment Retry Worker")
		fmt.Println()
		fmt.Println("Usage: retry-worker [options]")
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

	if err := run(cfg, *metricsAddr, logger); err != nil {
		logger.Error("retry worker error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, metricsAddr string, logger *slog.Logger) error {
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required: the retry worker reads the shared queue")
	}

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

	core, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("failed to close connections", "error", err)
		}
	}()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(core.Registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: metricsAddr, Handler: mux, ReadTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	core.NewWorker(cfg, logger).Run(ctx)
	return nil
}
