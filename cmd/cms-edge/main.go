// Package main is the entry point for the CMS edge. It loads configuration,
// builds the API client and its collaborators, starts the HTTP server, and
// handles graceful shutdown on SIGINT/SIGTERM.
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

	"github.com/dskow/cms-edge/internal/admin"
	"github.com/dskow/cms-edge/internal/config"
	"github.com/dskow/cms-edge/internal/edge"
	"github.com/dskow/cms-edge/internal/health"
	"github.com/dskow/cms-edge/internal/logging"
	"github.com/dskow/cms-edge/internal/metrics"
	"github.com/dskow/cms-edge/internal/ratelimit"
	"github.com/dskow/cms-edge/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/cms-edge.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("cms-edge failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"content_rules", len(cfg.Content.Rules),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"shared_cache", cfg.Cache.Shared.Enabled,
		"micro_cache", cfg.Edge.MicroCache.Enabled,
		"tls", cfg.Server.TLS.Enabled,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	comp, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comp.close()

	micro, err := edge.NewMicroCache(cfg.Edge.MicroCache, logger.With("component", "microcache"))
	if err != nil {
		return fmt.Errorf("creating micro-cache: %w", err)
	}
	defer micro.Close()

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	// A nil *netmon.Monitor must not become a non-nil health.Network.
	var network health.Network
	if comp.monitor != nil {
		network = comp.monitor
	}
	healthHandler := health.New(network, comp.breakers, logger)

	reloader := config.NewReloader(configPath, cfg, logger)

	var adminHandler *admin.Handler
	if cfg.Admin.Enabled {
		adminHandler = admin.New(admin.Options{
			Client:    comp.client,
			Breakers:  comp.breakers,
			Config:    reloader,
			Limiter:   limiter,
			OnPurge:   func(prefix string) { micro.DeletePrefix(prefix) },
			Allowlist: cfg.Admin.IPAllowlist,
			Logger:    logger.With("component", "admin"),
		})
		logger.Info("admin API enabled", "allowlist", cfg.Admin.IPAllowlist)
	}

	srvEdge := edge.New(edge.Options{
		Config:  cfg,
		Client:  comp.client,
		Micro:   micro,
		Health:  healthHandler,
		Admin:   adminHandler,
		Limiter: limiter,
		Logger:  logger,
	})

	reloader.Start()
	defer reloader.Stop()

	// Listener, auth and client settings need a restart; limits, content
	// classes and breaker defaults for new groups apply immediately.
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
		srvEdge.SetClassifier(edge.NewClassifier(newCfg.Content))
		comp.breakers.UpdateDefaults(breakerConfig(newCfg.CircuitBreaker))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srvEdge.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled {
		certLoader, err := tlsutil.New(cfg.Server.TLS, logger.With("component", "tls"))
		if err != nil {
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		defer certLoader.Stop()
		srv.TLSConfig = certLoader.ServerConfig()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting cms-edge", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			// Certificates come from TLSConfig.GetCertificate.
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	// Pending batch requests are flushed before the client closes them.
	comp.client.FlushQueues()
	logger.Info("cms-edge stopped gracefully")
	return nil
}
