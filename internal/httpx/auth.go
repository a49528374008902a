package httpx

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/auth"
	"github.com/marketplace/checkout/internal/orders"
)

type TokenVerifier interface {
	Verify(token string) (string, error)
}

// RequireUser rejects requests without a valid bearer session and puts the
// user id on the context for handlers.
func RequireUser(v TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				writeError(w, logger, r, orders.ErrUnauthenticated)
				return
			}
			userID, err := v.Verify(token)
			if err != nil {
				writeError(w, logger, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
		})
	}
}
