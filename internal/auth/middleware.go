package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"todo-service/internal/observability"
)

type contextKey int

const claimsKey contextKey = iota

// TokenValidator is the part of TokenService the guard depends on.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (Claims, error)
}

// Guard resolves the bearer token on protected routes and enforces role
// requirements.
type Guard struct {
	tokens           TokenValidator
	logger           *observability.Logger
	forbiddenOnRoles bool
}

func NewGuard(tokens TokenValidator) *Guard {
	return &Guard{tokens: tokens}
}

// WithForbiddenOnRoleMismatch answers an authenticated caller lacking the
// required role with 403 instead of 401.
func (g *Guard) WithForbiddenOnRoleMismatch(forbidden bool) *Guard {
	g.forbiddenOnRoles = forbidden
	return g
}

func (g *Guard) WithLogger(logger *observability.Logger) *Guard {
	g.logger = logger
	return g
}

func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "could not validate credentials")
			return
		}

		claims, err := g.tokens.Validate(r.Context(), raw)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				unauthorized(w, "could not validate credentials")
				return
			}
			if g.logger != nil {
				g.logger.Error("token_validation_failed", map[string]any{"error": err.Error()})
			}
			observability.CaptureError(r.Context(), err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole must run behind Authenticate.
func (g *Guard) RequireRole(role Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			unauthorized(w, "could not validate credentials")
			return
		}
		if identity.Role != role {
			if g.forbiddenOnRoles {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			unauthorized(w, "authentication failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(Claims)
	return claims, ok
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return Identity{}, false
	}
	return claims.Identity(), true
}

// ContextWithClaims is used by tests and internal callers that already hold
// validated claims.
func ContextWithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, message)
}
