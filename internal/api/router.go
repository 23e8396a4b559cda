// Package api provides the pumpsync operator HTTP API.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pumpsync/pumpsync/internal/api/handler"
	"github.com/pumpsync/pumpsync/internal/api/middleware"
	"github.com/pumpsync/pumpsync/internal/auth"
	"github.com/pumpsync/pumpsync/internal/featureflags"
	"github.com/pumpsync/pumpsync/internal/provider/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	RequireTLS  bool

	// Tokens validates operator bearer tokens.
	Tokens middleware.TokenValidator

	Pumps  *handler.Pumps
	Ledger handler.LedgerReader
	Links  *resilience.Registry

	// Flags backs the command interlocks and the admin routes. Optional.
	Flags *featureflags.Service

	// CommandRateLimit is the per-operator command budget per minute.
	// Default: 10
	CommandRateLimit int
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pumpsync"
	}
	pumps := cfg.Pumps
	if pumps == nil {
		pumps = handler.NewPumps()
	}

	// Order matters: the request id must exist before tracing and logging.
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.RequireJSON)

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, pumps, cfg.Links)
	var interlocks handler.Interlocks
	if cfg.Flags != nil {
		interlocks = cfg.Flags
	}
	pumpHandler := handler.NewPumpHandler(pumps, cfg.Ledger, interlocks, cfg.Logger)

	authMiddleware := middleware.Auth(cfg.Tokens)

	commandLimit := middleware.CommandRateLimit
	if cfg.CommandRateLimit > 0 {
		commandLimit = middleware.RateLimitConfig{RequestLimit: cfg.CommandRateLimit, WindowLength: time.Minute}
	}

	r.Route("/v1", func(r chi.Router) {
		// Liveness and readiness stay public for probes.
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.With(authMiddleware, middleware.RequireScope(auth.ScopeRead)).Get("/links", opsHandler.Links)
		})

		r.Route("/pumps", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(middleware.RateLimitByOperator(middleware.StandardRateLimit))

			r.With(middleware.RequireScope(auth.ScopeRead)).Get("/", pumpHandler.ListPumps)
			r.Route("/{deviceId}", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireScope(auth.ScopeRead))
					r.Get("/", pumpHandler.GetStatus)
					r.Get("/doses", pumpHandler.ListDoses)
					r.Get("/glucose", pumpHandler.ListGlucose)
				})
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireScope(auth.ScopeCommand))
					r.Use(middleware.RateLimitByOperator(commandLimit))
					r.Post("/bolus", pumpHandler.EnactBolus)
					r.Post("/troubleshoot", pumpHandler.Troubleshoot)
				})
			})
		})

		if cfg.Flags != nil {
			adminHandler := handler.NewAdminHandler(cfg.Flags, cfg.Logger)
			r.Route("/admin/flags", func(r chi.Router) {
				r.Use(authMiddleware)
				r.Use(middleware.RequireScope(auth.ScopeAdmin))
				r.Get("/", adminHandler.ListFlags)
				r.Put("/", adminHandler.UpdateFlags)
				r.Delete("/{key}", adminHandler.DeleteFlag)
			})
		}
	})

	return r
}
