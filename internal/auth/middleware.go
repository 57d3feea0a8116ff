package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/sikapay/backend-core/internal/common"
)

var errNoToken = errors.New("auth: token missing")

// Middleware authenticates bearer tokens issued by the platform's identity
// service and attaches the subject to the request context.
type Middleware struct {
	Secret    []byte
	Issuer    string
	ClockSkew time.Duration
}

// RequireAuth enforces that a valid token is present before executing the next handler.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _, err := m.authenticate(r)
		if err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin enforces an authenticated token carrying the admin role claim.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, tok, err := m.authenticate(r)
		if err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		if !hasRole(tok, "admin") {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m Middleware) authenticate(r *http.Request) (context.Context, jwt.Token, error) {
	raw := extractToken(r)
	if raw == "" {
		return r.Context(), nil, errNoToken
	}
	tok, err := m.Parse(raw)
	if err != nil {
		return r.Context(), nil, err
	}
	sub := strings.TrimSpace(tok.Subject())
	if sub == "" {
		return r.Context(), nil, errors.New("auth: token missing subject")
	}
	return common.WithUserID(r.Context(), sub), tok, nil
}

// Parse verifies the token signature and standard claims.
func (m Middleware) Parse(raw string) (jwt.Token, error) {
	if len(m.Secret) == 0 {
		return nil, errors.New("auth: secret not configured")
	}
	options := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, m.Secret),
		jwt.WithValidate(true),
	}
	if m.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.Issuer))
	}
	if m.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(m.ClockSkew))
	}
	return jwt.Parse([]byte(raw), options...)
}

func hasRole(tok jwt.Token, role string) bool {
	if tok == nil {
		return false
	}
	claim, ok := tok.Get("role")
	if !ok {
		return false
	}
	switch v := claim.(type) {
	case string:
		return v == role
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == role {
				return true
			}
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
