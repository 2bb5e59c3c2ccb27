// Package app wires configuration, storage, services, and transport into
// a runnable application with graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"keyserve/internal/channels"
	"keyserve/internal/config"
	"keyserve/internal/infrastructure"
	"keyserve/internal/license"
	"keyserve/internal/services"
	"keyserve/internal/store"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Application holds the wired dependency graph.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	server *http.Server
}

// New builds the application from configuration. Construction order
// follows the dependency chain: logger, store, signer, adapters,
// services, transport.
func New(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	signer := license.NewSigner(cfg.Signing.Secret)
	metrics := services.NewMetrics(prometheus.DefaultRegisterer)

	adapters := []channels.Adapter{
		channels.NewGumroadAdapter(cfg.Channels.Gumroad),
		channels.NewAppSumoAdapter(cfg.Channels.AppSumo),
		channels.NewStripeAdapter(cfg.Channels.Stripe),
	}

	licenses := services.NewLicenseService(st, signer, metrics, logger)
	issuance := services.NewIssuanceService(st, signer, metrics, logger)

	router := newRouter(routerDeps{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		licenses: licenses,
		issuance: issuance,
		adapters: adapters,
		metrics:  promhttp.Handler(),
	})

	app := &Application{
		cfg:    cfg,
		logger: logger,
		store:  st,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}

	return app, nil
}

// Run serves HTTP until ctx is canceled, then drains in-flight requests
// within the configured shutdown timeout.
func (a *Application) Run(ctx context.Context) error {
	// Lifecycle log lines share one trace id so a restart reads as a
	// single thread in aggregated logs.
	ctx = infrastructure.EnsureTraceID(ctx)

	a.logger.InfoContext(ctx, "starting server",
		slog.String("addr", a.server.Addr),
		slog.String("version", Version),
		slog.String("store", a.cfg.Store.Path))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		a.logger.InfoContext(ctx, "shutting down server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()

	if cerr := a.store.Close(); cerr != nil {
		a.logger.Error("store close failed", slog.String("error", cerr.Error()))
	}
	infrastructure.CloseLogFile()

	return err
}
