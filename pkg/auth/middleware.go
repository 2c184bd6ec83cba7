package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mahaj/threadgate/pkg/model"
	"go.uber.org/zap"
)

type contextKey string

const UserKey contextKey = "user"

// TokenFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter used by websocket clients.
func TokenFromRequest(r *http.Request) string {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(token, "Bearer ")
}

func WithUser(ctx context.Context, user model.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

func UserFrom(ctx context.Context) (model.User, bool) {
	user, ok := ctx.Value(UserKey).(model.User)
	return user, ok
}

// Middleware rejects requests without a valid access token and stores the
// authenticated user in the request context.
func Middleware(v Verifier, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			user, err := v.Verify(r.Context(), token)
			if errors.Is(err, ErrUnauthorized) {
				http.Error(w, "Invalid authentication credentials", http.StatusUnauthorized)
				return
			}
			if err != nil {
				log.Error("verify_token_failed", zap.Error(err))
				http.Error(w, "Authentication unavailable", http.StatusServiceUnavailable)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
