package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"keyserve/internal/channels"
	"keyserve/internal/config"
	"keyserve/internal/middleware"
	"keyserve/internal/services"
	"keyserve/internal/store"
	transport "keyserve/internal/transport/http"
)

type routerDeps struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	licenses *services.LicenseService
	issuance *services.IssuanceService
	adapters []channels.Adapter
	metrics  http.Handler
}

// newRouter assembles the route tree. Rate limiting covers only the
// public surfaces; the admin API sits behind its bearer token and
// webhook providers behind their own signatures.
func newRouter(deps routerDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.StructuredLogger(deps.logger))
	r.Use(middleware.Recovery(deps.logger))
	r.Use(chimiddleware.Timeout(deps.cfg.Server.RequestTimeout))

	if deps.cfg.Security.EnableCORS {
		r.Use(middleware.CORS(deps.cfg.Security.AllowedOrigins))
	}

	licenseHandler := transport.NewLicenseHandler(deps.licenses, deps.logger)
	webhookHandler := transport.NewWebhookHandler(deps.issuance, deps.adapters, deps.logger)
	adminHandler := transport.NewAdminHandler(deps.issuance, deps.store, deps.logger)
	healthHandler := transport.NewHealthHandler(deps.store, Version, deps.logger)

	r.Group(func(r chi.Router) {
		if rl := deps.cfg.Security.RateLimit; rl.Enabled {
			r.Use(middleware.RateLimit(rl.RPS, rl.Burst, deps.logger))
		}
		r.Mount("/api/license", licenseHandler.Routes())
		r.Mount("/api/webhooks", webhookHandler.Routes())
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(deps.cfg.Admin.Token, deps.logger))
		r.Mount("/", adminHandler.Routes())
	})

	r.Get("/api/health", healthHandler.Health)
	r.Handle("/metrics", deps.metrics)

	return r
}
