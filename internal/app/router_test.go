package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserve/internal/channels"
	"keyserve/internal/config"
	"keyserve/internal/license"
	"keyserve/internal/services"
	"keyserve/internal/store"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	cfg := config.Default()
	cfg.Admin.Token = "admin-token"
	cfg.Security.RateLimit.Enabled = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := prometheus.NewRegistry()
	signer := license.NewSigner(cfg.Signing.Secret)
	metrics := services.NewMetrics(registry)

	return newRouter(routerDeps{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		licenses: services.NewLicenseService(st, signer, metrics, logger),
		issuance: services.NewIssuanceService(st, signer, metrics, logger),
		adapters: []channels.Adapter{channels.NewGumroadAdapter(cfg.Channels.Gumroad)},
		metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
}

func TestRouterWiring(t *testing.T) {
	router := newTestRouter(t)

	get := func(path, token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", path, nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, r)
		return rec
	}

	t.Run("health is public", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get("/api/health", "").Code)
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		rec := get("/metrics", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("admin requires the token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get("/api/admin/licenses", "").Code)
		assert.Equal(t, http.StatusUnauthorized, get("/api/admin/licenses", "wrong").Code)
		assert.Equal(t, http.StatusOK, get("/api/admin/licenses", "admin-token").Code)
	})

	t.Run("verify is routed", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/license/verify", strings.NewReader(`{"license_key":"nope"}`))
		r.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, r)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), license.ReasonInvalidFormat)
	})
}
