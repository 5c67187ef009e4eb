package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dskow/cms-edge/internal/apiclient"
	"github.com/dskow/cms-edge/internal/cache"
	"github.com/dskow/cms-edge/internal/circuitbreaker"
	"github.com/dskow/cms-edge/internal/config"
	"github.com/dskow/cms-edge/internal/netmon"
	"github.com/dskow/cms-edge/internal/queue"
	"github.com/dskow/cms-edge/internal/ratelimit"
	"github.com/dskow/cms-edge/internal/retry"
	"github.com/dskow/cms-edge/internal/sharedcache"
	"github.com/dskow/cms-edge/internal/telemetry"
)

// components are the long-lived service objects behind the HTTP surface.
// close releases them in reverse construction order.
type components struct {
	client   *apiclient.Client
	breakers *circuitbreaker.Registry
	monitor  *netmon.Monitor
	sink     *telemetry.Sink
	closers  []func()
}

func (c *components) onClose(fn func()) { c.closers = append(c.closers, fn) }

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func retryConfig(rc config.RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:        rc.MaxAttempts,
		InitialDelay:       rc.InitialDelay,
		MaxDelay:           rc.MaxDelay,
		BackoffFactor:      rc.BackoffFactor,
		RetryableStatuses:  rc.RetryableStatuses,
		RetryNetworkErrors: rc.RetryNetworkErrors,
	}
}

func breakerConfig(cb config.CircuitBreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: cb.FailureThreshold,
		FailureWindow:    cb.FailureWindow,
		ResetTimeout:     cb.ResetTimeout,
		HalfOpenLimit:    cb.HalfOpenLimit,
	}
}

func queueConfig(cfg *config.Config) queue.Config {
	qc := queue.Config{
		MaxBatchSize: cfg.Batch.MaxBatchSize,
		MaxDelay:     cfg.Batch.MaxDelay,
		Deduplicate:  cfg.Batch.Deduplicate,
		Endpoint:     cfg.Batch.Endpoint,
		BaseURL:      cfg.Upstream.BaseURL,
		Header:       make(http.Header),
		Timeout:      cfg.Upstream.Timeout,
	}
	if cfg.Upstream.Token != "" {
		qc.Header.Set("Authorization", "Bearer "+cfg.Upstream.Token)
	}
	return qc
}

// defaultCacheOptions applies to GETs that carry no preset. A disabled cache
// keeps its TTL so the client does not substitute its own defaults.
func defaultCacheOptions(cc config.CacheConfig) apiclient.CacheOptions {
	return apiclient.CacheOptions{
		Enabled:              cc.IsEnabled(),
		TTL:                  cc.DefaultTTL,
		StaleWhileRevalidate: true,
	}
}

// upstreamOrigin returns scheme://host of the CMS base URL; the health
// path is resolved against it.
func upstreamOrigin(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("upstream url %q is not absolute", baseURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// build constructs the API client and everything it depends on. The
// returned components are started; call close to stop them.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	comp := &components{}
	httpClient := &http.Client{}

	mem := cache.New(cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: cfg.Cache.DefaultTTL,
		OnError: func(err error) {
			logger.Warn("cache error", "tier", "memory", "error", err)
		},
	})
	janitor := cache.NewJanitor(mem, cfg.Cache.CleanupInterval, logger.With("component", "cache"))
	janitor.Start(ctx)
	comp.onClose(janitor.Stop)

	comp.breakers = circuitbreaker.NewRegistry(breakerConfig(cfg.CircuitBreaker), logger.With("component", "circuitbreaker"))
	engine := retry.NewEngine(logger.With("component", "retry"))

	var shared *sharedcache.Store
	if sc := cfg.Cache.Shared; sc.Enabled {
		rc, err := sharedcache.NewRedisClient(sharedcache.ClientConfig{
			URL:          sc.URL,
			DialTimeout:  sc.DialTimeout,
			ReadTimeout:  sc.ReadTimeout,
			WriteTimeout: sc.WriteTimeout,
			PoolSize:     sc.PoolSize,
		}, logger)
		if err != nil {
			// The edge still serves from memory and upstream.
			logger.Warn("shared cache unavailable, continuing without it", "error", err)
		} else {
			shared = sharedcache.New(rc, sharedcache.Options{
				KeyPrefix:    cfg.Cache.KeyPrefix,
				ReadTimeout:  sc.ReadTimeout,
				WriteTimeout: sc.WriteTimeout,
				StaleGrace:   cfg.Cache.DefaultTTL,
			}, logger.With("component", "sharedcache"))
			comp.onClose(func() {
				if err := shared.Close(); err != nil {
					logger.Warn("closing shared cache", "error", err)
				}
			})
		}
	}

	if cfg.Network.IsEnabled() {
		origin, err := upstreamOrigin(cfg.Upstream.BaseURL)
		if err != nil {
			comp.close()
			return nil, err
		}
		source, err := netmon.NewDialSource(cfg.Upstream.BaseURL)
		if err != nil {
			comp.close()
			return nil, err
		}
		prober := netmon.NewHTTPProber(origin, cfg.Upstream.HealthPath, &http.Client{Timeout: cfg.Network.ProbeTimeout})
		comp.monitor = netmon.New(source, prober, netmon.Config{
			ProbeInterval: cfg.Network.ProbeInterval,
			ProbeTimeout:  cfg.Network.ProbeTimeout,
		}, logger.With("component", "netmon"))
		comp.monitor.Start(ctx)
		comp.onClose(comp.monitor.Stop)
	}

	q := queue.New(queueConfig(cfg), httpClient, logger.With("component", "queue"))

	client, err := apiclient.New(apiclient.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		Token:     cfg.Upstream.Token,
		Timeout:   cfg.Upstream.Timeout,
		Retry:     retryConfig(cfg.Retry),
		Cache:     defaultCacheOptions(cfg.Cache),
		KeyPrefix: cfg.Cache.KeyPrefix,
		Batch:     queueConfig(cfg),
	}, apiclient.Deps{
		Logger:   logger.With("component", "apiclient"),
		HTTP:     httpClient,
		Queue:    q,
		Cache:    mem,
		Shared:   shared,
		Breakers: comp.breakers,
		Monitor:  comp.monitor,
		Engine:   engine,
		Limiter:  ratelimit.NewUpstream(cfg.Upstream.RequestsPerSecond, cfg.Upstream.Burst),
	})
	if err != nil {
		q.Close()
		comp.close()
		return nil, fmt.Errorf("creating api client: %w", err)
	}
	comp.client = client
	comp.onClose(client.Close)

	if tc := cfg.Telemetry; tc.Enabled {
		comp.sink = telemetry.New(telemetry.Config{
			Endpoint:      tc.Endpoint,
			BufferSize:    tc.BufferSize,
			BatchSize:     tc.BatchSize,
			FlushInterval: tc.FlushInterval,
		}, httpClient, logger.With("component", "telemetry"))
		cancels := []func(){
			comp.sink.ObserveQueue(q),
			comp.sink.ObserveBreakers(comp.breakers),
			comp.sink.ObserveRetries(engine),
		}
		if comp.monitor != nil {
			cancels = append(cancels, comp.sink.ObserveNetwork(comp.monitor))
		}
		comp.sink.Start(ctx)
		sink := comp.sink
		comp.onClose(func() {
			for _, cancel := range cancels {
				cancel()
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			sink.Close(flushCtx)
		})
	}

	return comp, nil
}
