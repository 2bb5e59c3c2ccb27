package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"keyserve/internal/store"
)

// HealthHandler reports service liveness and store reachability.
type HealthHandler struct {
	store   *store.Store
	version string
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(st *store.Store, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:   st,
		version: version,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health handles GET /api/health. A store that cannot be pinged degrades
// the status and the response code so load balancers stop routing here.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
	}

	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "store ping failed", slog.String("error", err.Error()))
		resp.Status = "degraded"
		render.Status(r, http.StatusServiceUnavailable)
	}

	render.JSON(w, r, resp)
}
