package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	apierrors "keyserve/internal/errors"
	"keyserve/internal/license"
)

// mapLicenseError translates service-layer errors into API responses.
// Validity failures are client errors; anything unrecognized is a store
// failure and surfaces as 503.
func mapLicenseError(r *http.Request, err error) render.Renderer {
	switch {
	case errors.Is(err, license.ErrNotFound):
		return apierrors.ErrLicenseNotFound
	case license.IsVerificationError(err):
		return apierrors.NewWithDetails(http.StatusBadRequest, "INVALID_LICENSE_KEY",
			"License key was rejected", map[string]string{"reason": license.Reason(err)})
	default:
		return apierrors.StoreError(err)
	}
}
