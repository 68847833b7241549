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

	"quotaengine/internal/api"
	"quotaengine/internal/config"
	"quotaengine/internal/logger"
	"quotaengine/internal/models"
	"quotaengine/internal/observability"
	"quotaengine/internal/quota"
	"quotaengine/internal/ratelimit"
	"quotaengine/internal/storage"
	"quotaengine/internal/usage"
	"quotaengine/internal/version"
)

var (
	configFile   = flag.String("config", "", "Path to configuration file")
	writeExample = flag.String("write-example-config", "", "Write an example configuration to this path and exit")
	printVersion = flag.Bool("version", false, "Print version information and exit")
)

const shutdownGrace = 30 * time.Second

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Println(version.GetInfo().String())
		return
	}
	if *writeExample != "" {
		if err := config.SaveExample(*writeExample); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Example configuration written to %s\n", *writeExample)
		return
	}

	if err := run(); err != nil {
		slog.Error("Quota engine stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	info := version.GetInfo()
	log, closer, err := logger.Setup(cfg.Logging, info)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)
	slog.Info("Starting quota engine", "build", info.String(), "storage", cfg.Storage.Type, "fail_open", cfg.Limits.FailOpen)

	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, info)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	store, err := initializeStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close storage", "error", err)
		}
	}()

	catalog, err := usage.LoadCatalog(cfg.Usage.PlansFile, cfg.Usage.DefaultPlan)
	if err != nil {
		return fmt.Errorf("failed to load plan catalog: %w", err)
	}
	slog.Info("Plan catalog loaded", "path", cfg.Usage.PlansFile, "plans", catalog.PlanNames(), "default_plan", catalog.DefaultPlan())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Usage.WatchPlans {
		if err := catalog.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch plan catalog: %w", err)
		}
	}

	var serviceOpts []quota.Option
	if cfg.Metrics.Enabled {
		serviceOpts = append(serviceOpts, quota.WithDecisionMetrics(observability.NewDecisionMetrics(nil)))
	}
	quotaService := quota.NewService(store, catalog, cfg.Limits, cfg.Usage, serviceOpts...)
	defer func() {
		// Runs before the store is closed so pending usage reaches it.
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := quotaService.Close(flushCtx); err != nil {
			slog.Error("Failed to flush usage on shutdown", "error", err)
		}
	}()

	if cfg.Usage.ResetSchedule != "" {
		rotator, err := usage.NewRotator(quotaService.Ledger(), cfg.Usage.ResetSchedule)
		if err != nil {
			return err
		}
		if err := rotator.Start(ctx); err != nil {
			return err
		}
		defer rotator.Stop()
	}

	handlers := api.NewHandlers(quotaService, api.WithPinger(quotaService))

	var routeOpts []api.RouteOption
	if otelProvider.TracingEnabled() {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if cfg.Security.RateLimit.Enabled {
		anonLimiter, authLimiter := newAdmissionLimiters(cfg)
		defer anonLimiter.Close()
		defer authLimiter.Close()
		routeOpts = append(routeOpts, api.WithRateLimiter(ratelimit.Middleware(anonLimiter, authLimiter)))
	}
	if cfg.Security.EnableAuth {
		for _, key := range cfg.Security.APIKeys {
			if key.Enabled {
				slog.Info("API key configured", "name", key.Name, "fingerprint", api.Fingerprint(key.Key), "permissions", key.Permissions)
			}
		}
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", server.Addr, "tls", cfg.Server.TLSEnabled)
		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// initializeStorage opens the configured backend, wrapped with tracing and
// storage metrics when either is enabled.
func initializeStorage(cfg *models.Config) (storage.Store, error) {
	store, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if !cfg.Metrics.Enabled && !cfg.Observability.Tracing.Enabled {
		return store, nil
	}

	instrumented, err := observability.NewInstrumentedStore(store, cfg.Storage.Type)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to instrument storage: %w", err)
	}
	return instrumented, nil
}

// newAdmissionLimiters builds the limiters guarding the API itself.
// Authenticated callers default to twice the anonymous budget.
func newAdmissionLimiters(cfg *models.Config) (anonymous, authenticated *ratelimit.AdmissionLimiter) {
	rl := cfg.Security.RateLimit
	authRPM := rl.AuthenticatedRequestsPerMinute
	if authRPM == 0 {
		authRPM = rl.RequestsPerMinute * 2
	}

	opts := quota.KeyedOptions(cfg.Limits, time.Now)
	return ratelimit.NewAdmissionLimiter(rl.RequestsPerMinute, opts),
		ratelimit.NewAdmissionLimiter(authRPM, opts)
}
