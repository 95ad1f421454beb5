package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ntonix/internal/balancer"
	"ntonix/internal/breaker"
	"ntonix/internal/cache"
	"ntonix/internal/config"
	"ntonix/internal/forwarder"
	"ntonix/internal/health"
	"ntonix/internal/metrics"
	"ntonix/internal/middleware"
	"ntonix/internal/pipeline"
	"ntonix/internal/pool"
	"ntonix/internal/registry"
	"ntonix/internal/server"
	"ntonix/internal/types"
	"ntonix/internal/version"
)

func main() {
	var (
		configFile  = flag.String("config", "configs/ntonix.yaml", "Configuration file path")
		showVersion = flag.Bool("version", false, "Show version information")
		validate    = flag.Bool("validate", false, "Validate configuration and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	logger := wrapZapLogger(zapLogger)

	loader := config.NewLoader(*configFile, logger)
	cfg, err := loader.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *validate {
		logger.Info("configuration is valid")
		os.Exit(0)
	}

	app := buildApp(cfg, logger)

	watcher, err := config.NewWatcher(loader, logger)
	if err != nil {
		logger.Error("failed to start config watcher", "error", err)
		os.Exit(1)
	}
	watcher.OnChange(app.reconcileBackends)
	if err := watcher.Start(context.Background()); err != nil {
		logger.Error("failed to watch configuration", "error", err)
		os.Exit(1)
	}
	defer watcher.Stop()

	app.health.Start()
	defer app.health.Stop()
	app.pool.StartCleanup()
	defer app.pool.StopCleanup()
	defer app.metrics.Stop()

	if err := app.srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGracePeriod)
	defer cancel()
	if err := app.srv.Stop(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// application bundles every component the wiring graph produces, so
// reconcileBackends (the config watcher's callback) can push a new
// backend set through the registry into every component that derives
// state from it.
type application struct {
	registry *registry.Registry
	health   *health.Monitor
	selector *balancer.Selector
	breaker  *breaker.Manager
	pool     *pool.Manager
	metrics  *metrics.Collector
	srv      *server.Server
}

func buildApp(cfg *types.ProxyConfig, logger types.Logger) *application {
	reg := registry.New()
	reg.SetBackends(types.ToBackends(cfg.Backends))

	healthMonitor := health.New(health.Config{
		Interval:           cfg.Health.Interval,
		Timeout:            cfg.Health.Timeout,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		HealthyThreshold:   cfg.Health.HealthyThreshold,
		HealthPath:         cfg.Health.HealthPath,
	}, logger)
	healthMonitor.SetBackends(reg.Snapshot())

	selector := balancer.NewSelector(healthMonitor)
	selector.SetBackends(reg.Snapshot())

	breakerMgr := breaker.New(breaker.Config{
		Enabled:       cfg.Breaker.Enabled,
		TripThreshold: cfg.Breaker.TripThreshold,
		Cooldown:      cfg.Breaker.Cooldown,
	})

	poolMgr := pool.New(pool.Config{
		PoolSizePerBackend: cfg.Pool.PoolSizePerBackend,
		IdleTimeout:        cfg.Pool.IdleTimeout,
		ConnectTimeout:     cfg.Pool.ConnectTimeout,
		CleanupInterval:    cfg.Pool.CleanupInterval,
		EnableKeepAlive:    cfg.Pool.EnableKeepAlive,
	})
	poolMgr.SetBackends(reg.Snapshot())

	fwd := forwarder.New(forwarder.Config{
		RequestTimeout:      cfg.Forwarder.RequestTimeout,
		ConnectTimeout:      cfg.Forwarder.ConnectTimeout,
		AddForwardedHeaders: cfg.Forwarder.AddForwardedHeaders,
		GenerateRequestID:   cfg.Forwarder.GenerateRequestID,
		StreamBufferSize:    cfg.Stream.BufferSize,
		StreamReadTimeout:   cfg.Stream.ReadTimeout,
		DetectDoneMarker:    cfg.Stream.DetectDoneMarker,
		ForwardChunked:      cfg.Stream.ForwardChunked,
	}, poolMgr, breakerMgr)

	respCache := cache.New(cache.Config{
		Enabled:      cfg.Cache.Enabled,
		MaxSizeBytes: cfg.Cache.MaxSizeBytes,
		TTL:          cfg.Cache.TTL,
	})

	collector := metrics.New()

	// A backend leaving the Healthy set is reflected in the selector's
	// next Select() call automatically (it reads HealthyBackends() live),
	// so this listener only logs transitions. Breaker state for backends
	// the registry no longer carries is dropped in reconcileBackends.
	healthMonitor.OnStateChange(func(b types.Backend, old, new types.HealthState) {
		logger.Info("backend health transition", "backend", b.Key(), "old", old.String(), "new", new.String())
	})

	pipe := pipeline.New(pipeline.Config{
		Selector:  selector,
		Forwarder: fwd,
		Cache:     respCache,
		Logger:    logger,
		Metrics:   collector,
	})

	chain := middleware.NewChain(
		middleware.AccessLogging(logger),
		middleware.SecurityHeaders(),
		middleware.ServerHeader("NTONIX/"+version.Version),
		middleware.RateLimit(*cfg),
		middleware.Compression(*cfg),
	)
	handler := chain.Then(pipe)
	if cfg.Metrics.Enabled {
		handler = mountMetricsEndpoint(handler, cfg.Metrics.Path, collector)
	}

	srv := server.New(cfg, handler, logger)

	return &application{
		registry: reg,
		health:   healthMonitor,
		selector: selector,
		breaker:  breakerMgr,
		pool:     poolMgr,
		metrics:  collector,
		srv:      srv,
	}
}

// reconcileBackends is the config watcher's OnChange callback: it
// replaces the registry's backend set and pushes the new snapshot to
// every component that reconciles its own state against it.
func (a *application) reconcileBackends(cfg *types.ProxyConfig) {
	backends := types.ToBackends(cfg.Backends)
	a.registry.SetBackends(backends)
	a.health.SetBackends(backends)
	a.selector.SetBackends(backends)
	a.pool.SetBackends(backends)
	a.breaker.Reconcile(backends)
}

// mountMetricsEndpoint serves the Prometheus scrape handler at path
// alongside the gateway's main handler on the same listener.
func mountMetricsEndpoint(handler http.Handler, path string, collector *metrics.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, collector.Handler())
	mux.Handle("/", handler)
	return mux
}

func wrapZapLogger(z *zap.Logger) types.Logger {
	return &zapLoggerWrapper{zap: z}
}

type zapLoggerWrapper struct {
	zap *zap.Logger
}

func (w *zapLoggerWrapper) Debug(msg string, fields ...interface{}) {
	w.zap.Debug(msg, fieldsToZap(fields)...)
}

func (w *zapLoggerWrapper) Info(msg string, fields ...interface{}) {
	w.zap.Info(msg, fieldsToZap(fields)...)
}

func (w *zapLoggerWrapper) Warn(msg string, fields ...interface{}) {
	w.zap.Warn(msg, fieldsToZap(fields)...)
}

func (w *zapLoggerWrapper) Error(msg string, fields ...interface{}) {
	w.zap.Error(msg, fieldsToZap(fields)...)
}

func (w *zapLoggerWrapper) With(fields ...interface{}) types.Logger {
	return &zapLoggerWrapper{zap: w.zap.With(fieldsToZap(fields)...)}
}

func fieldsToZap(fields []interface{}) []zap.Field {
	var zapFields []zap.Field
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			if key, ok := fields[i].(string); ok {
				zapFields = append(zapFields, zap.Any(key, fields[i+1]))
			}
		}
	}
	return zapFields
}
