package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/ccflare/ccflare/internal/auth"
	"github.com/ccflare/ccflare/internal/config"
	"github.com/ccflare/ccflare/internal/dispatch"
	"github.com/ccflare/ccflare/internal/pricing"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/provider/anthropic"
	"github.com/ccflare/ccflare/internal/provider/openaicompat"
	"github.com/ccflare/ccflare/internal/selector"
	"github.com/ccflare/ccflare/internal/server"
	"github.com/ccflare/ccflare/internal/storage/sqlite"
	"github.com/ccflare/ccflare/internal/telemetry"
	"github.com/ccflare/ccflare/internal/tokens"
	"github.com/ccflare/ccflare/internal/worker"
)

const dnsRefreshInterval = 5 * time.Minute

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	closeLog, err := config.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	slog.Info("starting ccflare", "version", version, "addr", cfg.Server.Addr())

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Bootstrap accounts and keys from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// Metrics
	var (
		metrics  *telemetry.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}

	// Upstream HTTP client with cached DNS
	resolver := &dnscache.Resolver{}
	upstream := &http.Client{Transport: provider.NewTransport(resolver, true)}

	// Register providers
	mapper, err := provider.NewModelMapper()
	if err != nil {
		return err
	}
	oauthAdapter := anthropic.NewOAuth("", upstream, mapper)
	registry := provider.NewRegistry()
	registry.Register(oauthAdapter)
	registry.Register(anthropic.NewConsole("", upstream, mapper))
	registry.Register(anthropic.NewOther("", upstream, mapper))
	registry.Register(openaicompat.New(mapper))

	// Wire services
	tm := tokens.New(store, registry, cfg.Proxy.RefreshTimeout, slog.Default())
	sel := selector.New(store, cfg.Proxy.SessionDuration, slog.Default())
	catalog := pricing.NewCatalog()

	writer := worker.NewRequestWriter(store, metrics)
	dispatcher := dispatch.New(store, registry, tm, sel, catalog, writer, upstream, metrics, dispatch.Options{
		RetryAttempts:   cfg.Proxy.RetryAttempts,
		RetryDelay:      cfg.Proxy.RetryDelay,
		RetryBackoff:    cfg.Proxy.RetryBackoff,
		RequestTimeout:  cfg.Proxy.RequestTimeout,
		CapturePayloads: cfg.Proxy.CapturePayloads,
	}, slog.Default())
	proxy := http.HandlerFunc(dispatcher.ServeProxy)

	gate, err := auth.NewGate(store)
	if err != nil {
		return err
	}
	keys := auth.NewKeyManager(store, gate)

	// Create HTTP server
	handler := server.New(server.Deps{
		Store:     store,
		Gate:      gate,
		Keys:      keys,
		Proxy:     proxy,
		Providers: registry,
		Queue:     writer,
		Metrics:   gatherer,
		OAuth:     oauthAdapter,
		Runtime:   server.NewRuntimeConfig(cfg.Proxy.Strategy, cfg.Proxy.SessionDuration),
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	// Background workers
	sched := worker.NewScheduler(slog.Default())
	sched.Register("dns_refresh", func(context.Context) {
		resolver.Refresh(true)
	}, dnsRefreshInterval, false)

	runner := worker.NewRunner(
		writer,
		sched,
		worker.NewUsagePollWorker(store, registry, tm, slog.Default()),
		worker.NewAutoRefreshWorker(store, proxy, cfg.Proxy.SessionDuration, slog.Default()),
		worker.NewRetentionWorker(store, cfg.Retention.PayloadDays, cfg.Retention.RequestDays, slog.Default()),
	)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertPath, cfg.Server.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("ccflare ready", "addr", cfg.Server.Addr(), "tls", cfg.Server.TLSEnabled())

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		<-workerDone
		return err
	}

	// Shutdown: stop accepting, then let the write queue drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}

	stopWorkers()
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("ccflare stopped")
	return nil
}
