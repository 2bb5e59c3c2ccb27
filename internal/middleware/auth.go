package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	apierrors "keyserve/internal/errors"
)

// AdminAuth guards the admin API with a static bearer token. An empty
// configured token disables the admin surface entirely rather than
// leaving it open.
func AdminAuth(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token == "" {
				logger.WarnContext(ctx, "admin api disabled, no token configured",
					slog.String("path", r.URL.Path))
				render.Render(w, r, apierrors.ErrForbidden)
				return
			}

			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				logger.WarnContext(ctx, "missing or malformed authorization header",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				render.Render(w, r, apierrors.UnauthenticatedError("Use: Authorization: Bearer <token>"))
				return
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				logger.WarnContext(ctx, "admin token rejected",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				render.Render(w, r, apierrors.UnauthenticatedError("Invalid token"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
