package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tahplatform/accesshub/internal/audit"
	"github.com/tahplatform/accesshub/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type ctxKey int

const (
	claimsKey ctxKey = iota
	rawTokenKey
)

// withAuth verifies the bearer token and stamps the caller's claims and
// audit actor onto the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		claims, err := a.tokens.Verify(r.Context(), raw)
		if err != nil {
			if errors.Is(err, token.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid_token", "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "internal", "authentication error")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = context.WithValue(ctx, rawTokenKey, raw)
		ctx = audit.ContextWithActor(ctx, claims.Subject, claims.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*token.Claims)
	return c, ok
}

func rawTokenFromContext(ctx context.Context) string {
	raw, _ := ctx.Value(rawTokenKey).(string)
	return raw
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}
