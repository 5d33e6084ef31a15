// Package main is the entry point for the license registry server binary. It
// dispatches two subcommands — serve and version — via a simple switch on
// os.Args so the binary's full CLI surface is readable in one place without
// requiring a cobra dependency.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/license-registry/license-registry/internal/api"
	"github.com/license-registry/license-registry/internal/auth"
	"github.com/license-registry/license-registry/internal/config"
	"github.com/license-registry/license-registry/internal/store"
	"github.com/license-registry/license-registry/internal/telemetry"

	// Import store backends to register them via init()
	_ "github.com/license-registry/license-registry/internal/store/file"
	_ "github.com/license-registry/license-registry/internal/store/mongo"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		configPath := os.Getenv("CONFIG_PATH")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return serve(configPath, cfg)
	case "version":
		fmt.Printf("License Registry v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, version", command)
	}
}

func serve(configPath string, cfg *config.Config) error {
	// Initialise structured logging as early as possible so all subsequent
	// output uses the configured format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Fails in production if LR_JWT_SECRET is not set; in dev mode a random
	// per-process secret is generated.
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	st, err := store.New(cfg.Store.Backend, store.Settings{
		URI:      cfg.Store.Mongo.URI,
		Database: cfg.Store.Mongo.Database,
		Path:     cfg.Store.File.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(ctx); err != nil {
			slog.Warn("closing record store", "error", err)
		}
	}()
	slog.Info("record store ready", "backend", cfg.Store.Backend)

	// Prometheus metrics on a dedicated port so the scrape path is never
	// reachable through the public API ingress.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// Re-apply the log level and format when the config file changes on disk.
	// Everything else (backend selection, listen address, secrets) is fixed
	// for the process lifetime.
	config.Watch(configPath, func(next *config.Config) {
		telemetry.SetupLogger(next.Logging.Format, next.Logging.Level)
		slog.Info("log settings re-applied",
			"level", next.Logging.Level, "format", next.Logging.Format)
	})

	router, bgServices := api.NewRouter(cfg, st)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"store", cfg.Store.Backend,
			"discord_login", cfg.Auth.Discord.Enabled)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop background jobs and rate limiter goroutines after in-flight
	// requests are drained.
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}
