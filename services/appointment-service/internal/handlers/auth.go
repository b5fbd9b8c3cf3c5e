package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/skinalyze/consult/libs/auth"
	"github.com/skinalyze/consult/services/appointment-service/internal/lifecycle"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
)

type contextKey int

const actorKey contextKey = iota

// ActorFromContext returns the authenticated caller placed by RequireAuth.
func ActorFromContext(ctx context.Context) (lifecycle.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(lifecycle.Actor)
	return actor, ok
}

// ContextWithActor is used by tests to bypass token verification.
func ContextWithActor(ctx context.Context, actor lifecycle.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// RequireAuth verifies the bearer token and attaches the caller to the
// request context. RS256 tokens are verified against the JWKS endpoint when
// one is configured; everything else falls back to the shared HS256 secret.
func RequireAuth(next http.Handler, jwtSecret string, jwksClient *auth.JWKSClient) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") || len(strings.TrimSpace(authHeader)) <= len("Bearer ") {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		var claims *auth.Claims
		var err error

		if jwksClient != nil {
			header, headerErr := auth.ParseHeader(token)
			if headerErr != nil {
				http.Error(w, "invalid token header", http.StatusUnauthorized)
				return
			}
			if header.Alg == "RS256" && header.Kid != "" {
				pub, keyErr := jwksClient.Get(header.Kid)
				if keyErr != nil {
					http.Error(w, "invalid token key", http.StatusUnauthorized)
					return
				}
				claims, err = auth.VerifyRS256(token, pub)
			} else {
				claims, err = auth.ParseAndVerifyHS256(token, jwtSecret)
			}
		} else {
			claims, err = auth.ParseAndVerifyHS256(token, jwtSecret)
		}
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		actor := lifecycle.Actor{UserID: claims.Sub, Role: model.Role(claims.Role)}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}
