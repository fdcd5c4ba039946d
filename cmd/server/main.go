package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wasm-kata-runner/internal/api"
	"wasm-kata-runner/internal/config"
	"wasm-kata-runner/internal/monitor"
	"wasm-kata-runner/internal/storage"
	"wasm-kata-runner/internal/wasmvm"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg, err = config.FromEnv()
	}
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	backend, err := wasmvm.NewBackend(cfg, metrics, tracer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure kata backend")
	}

	// Database is optional; the runner works without it.
	var store api.RunStore
	var audit api.AuditLogger
	if cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				log.Warn().Err(err).Msg("schema setup failed")
			}

			auditWriter := storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
			auditWriter.Start()
			defer auditWriter.Flush(10 * time.Second)

			store = db
			audit = auditWriter
		}
	}

	server := api.NewServer(cfg, backend.Runner, backend.Runtime.Name(), store, audit, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Waits for an in-flight run before tearing the guest down.
		if err := backend.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", store != nil).
		Str("runtime", backend.Runtime.Name()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}
