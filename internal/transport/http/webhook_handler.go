package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keyserve/internal/channels"
	apierrors "keyserve/internal/errors"
	"keyserve/internal/services"
)

// WebhookHandler receives purchase notifications from the sales channels
// and hands the normalized sale to the issuance service. Providers retry
// on non-2xx, so everything that must not be retried (ignored events,
// already-processed sales) is acked with a 200.
type WebhookHandler struct {
	issuance *services.IssuanceService
	adapters []channels.Adapter
	logger   *slog.Logger
}

// NewWebhookHandler creates a webhook handler serving one route per adapter.
func NewWebhookHandler(issuance *services.IssuanceService, adapters []channels.Adapter, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		issuance: issuance,
		adapters: adapters,
		logger:   logger.With(slog.String("handler", "webhook")),
	}
}

// Routes returns the /api/webhooks router.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	for _, adapter := range h.adapters {
		r.Post("/"+string(adapter.Platform()), h.handle(adapter))
	}
	return r
}

type webhookResponse struct {
	Status     string `json:"status"`
	LicenseKey string `json:"license_key,omitempty"`
}

func (h *WebhookHandler) handle(adapter channels.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		platform := string(adapter.Platform())

		sale, err := adapter.Parse(r)
		switch {
		case errors.Is(err, channels.ErrUnauthenticated):
			h.logger.WarnContext(ctx, "webhook rejected",
				slog.String("platform", platform),
				slog.String("remote_addr", r.RemoteAddr))
			render.Render(w, r, apierrors.UnauthenticatedError("Webhook signature verification failed"))
			return
		case errors.Is(err, channels.ErrEventIgnored):
			render.JSON(w, r, webhookResponse{Status: "ignored"})
			return
		case err != nil:
			h.logger.WarnContext(ctx, "webhook payload rejected",
				slog.String("platform", platform),
				slog.String("error", err.Error()))
			render.Render(w, r, apierrors.InvalidRequestWithError(err))
			return
		}

		result, err := h.issuance.IssueFromSale(ctx, sale)
		if err != nil {
			h.logger.ErrorContext(ctx, "issuance failed",
				slog.String("platform", platform),
				slog.String("sale_id", sale.SaleID),
				slog.String("error", err.Error()))
			render.Render(w, r, apierrors.StoreError(err))
			return
		}

		status := "issued"
		if !result.Created {
			status = "already_issued"
		}
		render.JSON(w, r, webhookResponse{Status: status, LicenseKey: result.Record.LicenseKey})
	}
}
