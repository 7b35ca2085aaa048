package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/scrollharvest/internal/config"
	"github.com/Rorqualx/scrollharvest/internal/handlers"
	"github.com/Rorqualx/scrollharvest/internal/metrics"
	"github.com/Rorqualx/scrollharvest/internal/middleware"
	"github.com/Rorqualx/scrollharvest/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(st *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job API and the browser pools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), st.cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting scrollharvest")

	a, err := newApp(ctx, cfg, cfg.EnabledPlatforms())
	if err != nil {
		return err
	}

	stopCh := make(chan struct{})
	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metricsServer, err = startMetrics(cfg, a)
		if err != nil {
			log.Error().Err(err).Msg("Metrics disabled")
		} else {
			go metrics.StartMemoryCollector(10*time.Second, stopCh)
		}
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.TrustProxy)
		defer limiter.Close()
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handlers.NewRouter(handlers.New(a.manager), cfg, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", addr).
			Strs("platforms", cfg.EnabledPlatforms()).
			Str("storage", cfg.StorageDriver).
			Int("max_concurrent_jobs", cfg.MaxConcurrentJobs).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Msg("scrollharvest is ready to accept jobs")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
			runErr = err
		}
	}

	close(stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	log.Info().Msg("Shutdown complete")
	return runErr
}

func startMetrics(cfg *config.Config, a *app) (*http.Server, error) {
	if err := metrics.RegisterPoolCollector(a.registry); err != nil {
		return nil, fmt.Errorf("register pool collector: %w", err)
	}
	metrics.SetBuildInfo(version.Full(), version.GoVersion())

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv, nil
}
