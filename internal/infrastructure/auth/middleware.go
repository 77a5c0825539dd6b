package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/redis"
	"github.com/honeynil/LendingServiceTochka/internal/models"
)

type ctxKey struct{}

// WithClaims stores claims in ctx the way AuthMiddleware does.
func WithClaims(ctx context.Context, claims *models.TokenClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

func ClaimsFromContext(ctx context.Context) (*models.TokenClaims, bool) {
	claims, ok := ctx.Value(ctxKey{}).(*models.TokenClaims)
	return claims, ok && claims != nil
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return "", false
	}
	return claims.UserID, true
}

// RevokedKey is where the identity service marks a token id as revoked.
func RevokedKey(jti string) string {
	return "auth:revoked:" + jti
}

// AuthMiddleware accepts bearer tokens signed with the shared secret.
// redisClient may be nil, which disables the revocation check.
func AuthMiddleware(jwtService *JWTService, redisClient redis.RedisClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "authorization header missing", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := jwtService.ParseToken(parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			if redisClient != nil && claims.ID != "" {
				_, err := redisClient.Get(r.Context(), RevokedKey(claims.ID))
				switch {
				case err == nil:
					slog.Warn("revoked token presented", "user_id", claims.UserID, "jti", claims.ID)
					http.Error(w, "invalid or revoked token", http.StatusUnauthorized)
					return
				case !errors.Is(err, redis.ErrKeyNotFound):
					slog.Error("failed to check token revocation", "user_id", claims.UserID, "error", err)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireOperator rejects callers without the operator role claim.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || !claims.IsOperator() {
			http.Error(w, "operator role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
