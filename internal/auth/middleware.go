package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-procure/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// Bearer attaches the principal of a valid bearer token to the request.
// Requests without an Authorization header pass through unauthenticated.
func Bearer(tokens *TokenManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			scheme, raw, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(raw) == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authorization header must be 'Bearer <token>'")
				return
			}
			principal, err := tokens.Parse(strings.TrimSpace(raw))
			if err != nil {
				if logger != nil {
					logger.Debug("bearer token rejected", slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}
