// Command wts runs the workspace token service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"wts/internal/aggregate"
	"wts/internal/api"
	"wts/internal/config"
	"wts/internal/crypto"
	"wts/internal/domain"
	"wts/internal/oauth"
	"wts/internal/observability"
	"wts/internal/provider"
)

func main() {
	logger := observability.NewLogger(observability.ConfigFromEnv())

	addr := envOr("ADDR", ":8080")
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	flag.StringVar(&addr, "addr", addr, "listen address (host:port)")
	migrate := flag.String("migrate", "", "run migrations: 'up' to apply, 'status' to show status")
	genKey := flag.Bool("gen-key", false, "print a new ENCRYPTION_KEY and exit")
	flag.Parse()

	if *genKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			logger.Error("generate key", "error", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	sentryEnabled := false
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          cfg.AppVersion,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "release", cfg.AppVersion)
			sentryEnabled = true
		}
	}

	if *migrate != "" {
		runMigrationsCLI(cfg, logger, *migrate)
		return
	}

	key, err := crypto.ParseKey(cfg.EncryptionKey)
	if err != nil {
		logger.Error("invalid ENCRYPTION_KEY", "error", err)
		os.Exit(1)
	}
	envelope, err := crypto.NewEnvelope(key)
	if err != nil {
		logger.Error("create envelope", "error", err)
		os.Exit(1)
	}

	store, sessions := selectStores(cfg, logger)

	metricsCfg := observability.MetricsConfigFromEnv()
	metricsCfg.Version = cfg.AppVersion
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled", "namespace", metricsCfg.Namespace)
	} else {
		logger.Info("metrics disabled")
	}

	providers, err := provider.NewRegistry(domain.DefaultIDP, cfg.Providers(),
		provider.WithHTTPClient(provider.NewHTTPClient(cfg.AppVersion, provider.DefaultTimeout, nil)),
		provider.WithLogger(logger),
		provider.WithMetrics(metrics),
	)
	if err != nil {
		logger.Error("invalid provider configuration", "error", err)
		os.Exit(1)
	}
	for _, p := range providers.List() {
		logger.Info("provider configured", "idp", p.IDP(), "commons", p.Config().CommonsHostname)
	}

	rateCfg := api.DefaultRateLimitConfig()
	if !rateCfg.Enabled() {
		logger.Info("rate limiting disabled")
	} else {
		logger.Info("rate limiting configured",
			"requests_per_second", rateCfg.RequestsPerSecond,
			"burst", rateCfg.Burst,
		)
	}

	var proxies *api.TrustedProxyConfig
	if raw := os.Getenv("WTS_TRUSTED_PROXIES"); raw != "" {
		proxies, err = api.ParseTrustedProxies(raw)
		if err != nil {
			logger.Error("invalid WTS_TRUSTED_PROXIES", "error", err)
		} else {
			logger.Info("trusted proxies configured", "count", len(proxies.CIDRs))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exchanger := oauth.NewExchanger(providers, store, envelope, logger)
	aggregator := aggregate.New(aggregate.Config{
		Endpoints: cfg.AggregateEndpoints,
		Timeout:   cfg.AggregateTimeout,
	}, store, providers, exchanger,
		provider.NewHTTPClient(cfg.AppVersion, cfg.AggregateTimeout, nil), logger, metrics)

	mux := http.NewServeMux()
	srv := api.NewServer(mux, api.Deps{
		Providers:    providers,
		Store:        store,
		Sessions:     sessions,
		Flow:         oauth.NewFlow(providers, store, envelope, logger),
		Exchanger:    exchanger,
		Aggregator:   aggregator,
		Auth:         newAuthenticator(ctx, cfg, proxies, logger),
		WTSBaseURL:   cfg.WTSBaseURL,
		BasePath:     cfg.BasePath,
		CookieSecure: cfg.SessionCookieSecure,
		Logger:       logger,
		Metrics:      metrics,
	})
	srv.RegisterRoutes()

	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := sessions.Cleanup(ctx)
				if err != nil {
					logger.Warn("session cleanup error", "error", err)
				} else if n > 0 {
					logger.Info("cleaned up expired sessions", "count", n)
				}
			}
		}
	}()

	// Order: metrics (outermost) -> requestID -> logging -> rate limiting.
	handler := api.ApplyMiddlewares(
		mux,
		observability.MetricsMiddleware(metrics),
		api.RequestIDMiddleware(),
		api.LoggingMiddleware(logger),
		observability.RateLimitMetricsMiddleware(metrics, rateCfg.Enabled()),
		api.RateLimitMiddleware(rateCfg, proxies, logger),
	)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Aggregate calls may take up to AGGREGATE_TIMEOUT.
		WriteTimeout: cfg.AggregateTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("wts listening", "addr", addr, "base_url", cfg.WTSBaseURL)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	logger.Info("shutting down server", "timeout", "15s")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if err := store.Close(); err != nil {
		logger.Error("error closing store", "error", err)
	} else {
		logger.Info("database connection closed")
	}

	if sentryEnabled {
		logger.Info("flushing sentry events", "deadline", "2s")
		sentry.Flush(2 * time.Second)
	}

	logger.Info("shutdown complete")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
