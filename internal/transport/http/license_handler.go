package http

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "keyserve/internal/errors"
	"keyserve/internal/services"
)

var validate = validator.New()

// LicenseHandler serves the client-facing verification endpoints.
type LicenseHandler struct {
	licenses *services.LicenseService
	logger   *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(licenses *services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		licenses: licenses,
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the /api/license router.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/verify", h.Verify)
	r.Post("/deactivate", h.Deactivate)
	return r
}

type verifyRequest struct {
	Key       string `json:"license_key" validate:"required"`
	MachineID string `json:"machine_id"`
	OS        string `json:"os"`
	App       string `json:"app"`
}

type verifyResponse struct {
	Valid     bool       `json:"valid"`
	Reason    string     `json:"reason,omitempty"`
	Email     string     `json:"email,omitempty"`
	Name      string     `json:"name,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Verify handles POST /api/license/verify. An invalid key is still a 200:
// the check ran and produced a verdict. Only infrastructure failures map
// to 5xx so clients can tell "rejected" from "try again".
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("key", "license key is required"))
		return
	}

	result, err := h.licenses.Verify(r.Context(), services.VerifyRequest{
		Key:       req.Key,
		MachineID: req.MachineID,
		IP:        clientIP(r),
		OS:        req.OS,
		App:       req.App,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "verification failed", slog.String("error", err.Error()))
		render.Render(w, r, apierrors.StoreError(err))
		return
	}

	if !result.Valid {
		render.JSON(w, r, verifyResponse{Valid: false, Reason: result.Reason})
		return
	}

	render.JSON(w, r, verifyResponse{
		Valid:     true,
		Email:     result.Email,
		Name:      result.Name,
		ExpiresAt: result.ExpiresAt,
	})
}

type deactivateRequest struct {
	Key       string `json:"license_key" validate:"required"`
	MachineID string `json:"machine_id" validate:"required"`
}

type deactivateResponse struct {
	Released bool `json:"released"`
}

// Deactivate handles POST /api/license/deactivate, releasing one machine
// binding so the slot can be reused elsewhere.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, apierrors.ErrValidation("key", "key and machine_id are required"))
		return
	}

	released, err := h.licenses.Deactivate(r.Context(), req.Key, req.MachineID)
	if err != nil {
		render.Render(w, r, mapLicenseError(r, err))
		return
	}

	render.JSON(w, r, deactivateResponse{Released: released})
}

// clientIP strips the port from RemoteAddr so the audit trail stores a
// stable address. RealIP has already resolved proxy headers by the time
// a handler runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
