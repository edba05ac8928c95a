// Package app assembles the license gate service: store, limiter, security
// checker, audit, license service, auth, realtime hub, and the HTTP router.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"licensegate/internal/audit"
	"licensegate/internal/auth"
	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/middleware"
	"licensegate/internal/ratelimit"
	"licensegate/internal/realtime"
	"licensegate/internal/security"
	"licensegate/internal/store"
	transporthttp "licensegate/internal/transport/http"
	"licensegate/pkg/contracts"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	store   *store.Store
	limiter *ratelimit.Limiter
	hub     *realtime.Hub
	otel    *infrastructure.OTelProviders
	server  *http.Server
}

// New builds the application from config. Nothing is started yet; call Run.
func New(cfg *config.Config) (*App, error) {
	logger := infrastructure.GetLogger().With(slog.String("component", "app"))

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st := store.New(db)

	otelProviders, err := infrastructure.InitializeOTel(&infrastructure.OTelConfig{
		ServiceName:    "licensegate",
		ServiceVersion: contracts.Version,
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		SampleRatio:    1.0,
	}, infrastructure.GetLogger())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize otel: %w", err)
	}
	metrics, err := infrastructure.NewGateMetrics(otelProviders.Meter)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	auditor := audit.NewLogger(st)
	limiter := ratelimit.New(
		ratelimit.Window{Max: cfg.RateLimit.Validation.Max, Window: cfg.RateLimit.Validation.Window},
		ratelimit.Window{Max: cfg.RateLimit.Activation.Max, Window: cfg.RateLimit.Activation.Window},
		ratelimit.Window{Max: cfg.RateLimit.Global.Max, Window: cfg.RateLimit.Global.Window},
	)
	checker := security.New(cfg.Security.RequiredHeaders)

	svc := license.NewService(st, auditor, license.Config{
		GraceDays:          cfg.License.GraceDays,
		ActivationCooldown: cfg.License.ActivationCooldown,
	}, metrics)
	sessions := auth.NewManager(st, auditor, 24*time.Hour)

	hub := realtime.NewHub(infrastructure.GetLogger())
	hub.Start()

	a := &App{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		store:   st,
		limiter: limiter,
		hub:     hub,
		otel:    otelProviders,
	}
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.router(svc, sessions, auditor, checker, metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return a, nil
}

func (a *App) router(svc *license.Service, sessions *auth.Manager,
	auditor *audit.Logger, checker *security.Checker, metrics *infrastructure.GateMetrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.StructuredLogger(infrastructure.GetLogger()))
	r.Use(middleware.Recoverer(infrastructure.GetLogger()))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBody(a.cfg.Security.MaxBodyBytes))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.Security.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "apikey", "X-Client-Info"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	globalLimiter := middleware.NewGlobalRateLimiter(
		a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst, infrastructure.GetLogger())
	r.Use(globalLimiter.Handler)

	licenseHandler := transporthttp.NewLicenseHandler(svc, a.limiter, checker, auditor, a.hub, metrics)
	authHandler := transporthttp.NewAuthHandler(sessions)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.SecurityScreen(checker, auditor, metrics)).
			Method("POST", "/license", licenseHandler)
		r.Method("GET", "/license/status", transporthttp.NewStatusHandler(svc, sessions))
		r.Method("POST", "/audit/batch", transporthttp.NewAuditIngestHandler(auditor))
		r.Post("/auth/signin", authHandler.SignIn)
		r.Post("/auth/signout", authHandler.SignOut)
		r.Get("/auth/session", authHandler.Session)
		r.Method("GET", "/health", transporthttp.NewHealthHandler(a.db, contracts.Version))
	})
	r.Method("GET", "/ws/licenses", transporthttp.NewWSHandler(a.hub, sessions, a.cfg.Security.AllowedOrigins))
	r.Method("GET", "/metrics", promhttp.Handler())

	return r
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go a.purgeSessions(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	a.hub.Stop()
	a.limiter.Stop()
	if a.otel != nil {
		_ = a.otel.Shutdown(shutdownCtx)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("store close failed", slog.String("error", err.Error()))
	}
	_ = infrastructure.CloseLogFile()
	return nil
}

// purgeSessions removes expired session rows every hour until the context
// is cancelled.
func (a *App) purgeSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := a.store.PurgeExpiredSessions(ctx, time.Now())
			if err != nil {
				a.logger.Error("session purge failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.Info("expired sessions purged", slog.Int64("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
