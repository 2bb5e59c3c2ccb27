package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keyserve/internal/errors"
	"keyserve/internal/license"
	"keyserve/internal/services"
	"keyserve/internal/store"
)

// AdminHandler serves the operator API. License keys are base64 and can
// contain path separators, so key-addressed operations take the key in
// the request body instead of the URL.
type AdminHandler struct {
	issuance *services.IssuanceService
	store    *store.Store
	logger   *slog.Logger
}

// NewAdminHandler creates the admin API handler.
func NewAdminHandler(issuance *services.IssuanceService, st *store.Store, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		issuance: issuance,
		store:    st,
		logger:   logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the /api/admin router. AdminAuth is applied by the
// parent router.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/licenses", h.List)
	r.Post("/licenses", h.Create)
	r.Post("/licenses/lookup", h.Lookup)
	r.Post("/licenses/revoke", h.Revoke)
	r.Post("/licenses/restore", h.Restore)
	r.Post("/licenses/release", h.Release)
	return r
}

type createLicenseRequest struct {
	Email          string            `json:"email" validate:"required,email"`
	Name           string            `json:"name"`
	ProductID      string            `json:"product_id"`
	SaleID         string            `json:"sale_id"`
	MaxActivations int               `json:"max_activations" validate:"gte=0"`
	ExpiresAt      *time.Time        `json:"expires_at"`
	Notes          string            `json:"notes"`
	Metadata       map[string]string `json:"metadata"`
}

type licenseResponse struct {
	LicenseKey     string               `json:"license_key"`
	Email          string               `json:"email"`
	Name           string               `json:"name,omitempty"`
	ProductID      string               `json:"product_id,omitempty"`
	Platform       license.Platform     `json:"platform"`
	SaleID         string               `json:"sale_id"`
	MaxActivations int                  `json:"max_activations"`
	BoundMachines  []string             `json:"bound_machines"`
	IsActive       bool                 `json:"is_active"`
	CreatedAt      time.Time            `json:"created_at"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	Notes          string               `json:"notes,omitempty"`
	Metadata       map[string]string    `json:"metadata,omitempty"`
	Activations    []license.Activation `json:"activations,omitempty"`
}

func toLicenseResponse(rec *license.Record) licenseResponse {
	machines := rec.Machines
	if machines == nil {
		machines = []string{}
	}
	return licenseResponse{
		LicenseKey:     rec.LicenseKey,
		Email:          rec.Email,
		Name:           rec.Name,
		ProductID:      rec.ProductID,
		Platform:       rec.Platform,
		SaleID:         rec.SaleID,
		MaxActivations: rec.MaxActivations,
		BoundMachines:  machines,
		IsActive:       rec.IsActive,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		Notes:          rec.Notes,
		Metadata:       rec.Metadata,
		Activations:    rec.Activations,
	}
}

// Create handles POST /api/admin/licenses, granting a license outside
// the sales channels.
func (h *AdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createLicenseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("email", "a valid email is required"))
		return
	}

	result, err := h.issuance.CreateManual(r.Context(), services.ManualInput{
		Email:          req.Email,
		Name:           req.Name,
		ProductID:      req.ProductID,
		SaleID:         req.SaleID,
		MaxActivations: req.MaxActivations,
		ExpiresAt:      req.ExpiresAt,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
	})
	if err != nil {
		render.Render(w, r, apierrors.StoreError(err))
		return
	}

	if result.Created {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, toLicenseResponse(result.Record))
}

// List handles GET /api/admin/licenses with an optional ?email= filter.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		render.Render(w, r, apierrors.StoreError(err))
		return
	}

	emailFilter := strings.ToLower(r.URL.Query().Get("email"))

	out := make([]licenseResponse, 0, len(records))
	for _, rec := range records {
		if emailFilter != "" && strings.ToLower(rec.Email) != emailFilter {
			continue
		}
		out = append(out, toLicenseResponse(rec))
	}

	render.JSON(w, r, map[string]any{
		"licenses": out,
		"count":    len(out),
	})
}

type keyRequest struct {
	Key string `json:"license_key" validate:"required"`
}

func (h *AdminHandler) decodeKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req keyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return "", false
	}
	if req.Key == "" {
		render.Render(w, r, apierrors.ErrValidation("key", "license key is required"))
		return "", false
	}
	return req.Key, true
}

// Lookup handles POST /api/admin/licenses/lookup, returning the full
// record including the activation history.
func (h *AdminHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	key, ok := h.decodeKey(w, r)
	if !ok {
		return
	}

	rec, found, err := h.store.GetByKey(r.Context(), key)
	if err != nil {
		render.Render(w, r, apierrors.StoreError(err))
		return
	}
	if !found {
		render.Render(w, r, apierrors.ErrLicenseNotFound)
		return
	}

	render.JSON(w, r, toLicenseResponse(rec))
}

// Revoke handles POST /api/admin/licenses/revoke. Revocation flips the
// active flag; the record and its history stay.
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// Restore handles POST /api/admin/licenses/restore, re-enabling a
// previously revoked license.
func (h *AdminHandler) Restore(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *AdminHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	key, ok := h.decodeKey(w, r)
	if !ok {
		return
	}

	if err := h.store.SetActive(r.Context(), key, active); err != nil {
		render.Render(w, r, mapLicenseError(r, err))
		return
	}

	h.logger.InfoContext(r.Context(), "license active flag changed",
		slog.Bool("active", active))
	render.JSON(w, r, map[string]bool{"is_active": active})
}

type releaseRequest struct {
	Key       string `json:"license_key" validate:"required"`
	MachineID string `json:"machine_id" validate:"required"`
}

// Release handles POST /api/admin/licenses/release: an operator-forced
// machine deactivation that works even when the client is gone.
func (h *AdminHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("key", "key and machine_id are required"))
		return
	}

	released, err := h.store.Deactivate(r.Context(), req.Key, req.MachineID)
	if err != nil {
		render.Render(w, r, mapLicenseError(r, err))
		return
	}

	render.JSON(w, r, deactivateResponse{Released: released})
}
