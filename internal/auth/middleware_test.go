package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/sikapay/backend-core/internal/common"
)

var testSecret = []byte("super-secret-key")

func signToken(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("user-1").
		Issuer("sikapay").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, testSecret))
	require.NoError(t, err)
	return string(signed)
}

func callProtected(m Middleware, wrap func(http.Handler) http.Handler, token string) (*httptest.ResponseRecorder, string) {
	var gotUser string
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = common.UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, gotUser
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	m := Middleware{Secret: testSecret, Issuer: "sikapay"}
	rec, user := callProtected(m, m.RequireAuth, signToken(t, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "user-1", user)
}

func TestRequireAuthRejectsMissingToken(t *testing.T) {
	m := Middleware{Secret: testSecret}
	rec, _ := callProtected(m, m.RequireAuth, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsWrongKey(t *testing.T) {
	m := Middleware{Secret: []byte("another-secret")}
	rec, _ := callProtected(m, m.RequireAuth, signToken(t, nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsExpiredToken(t *testing.T) {
	m := Middleware{Secret: testSecret}
	token := signToken(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Minute))
	})
	rec, _ := callProtected(m, m.RequireAuth, token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsWrongIssuer(t *testing.T) {
	m := Middleware{Secret: testSecret, Issuer: "sikapay"}
	token := signToken(t, func(b *jwt.Builder) {
		b.Issuer("someone-else")
	})
	rec, _ := callProtected(m, m.RequireAuth, token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminChecksRoleClaim(t *testing.T) {
	m := Middleware{Secret: testSecret}

	rec, _ := callProtected(m, m.RequireAdmin, signToken(t, nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	admin := signToken(t, func(b *jwt.Builder) {
		b.Claim("role", "admin")
	})
	rec, user := callProtected(m, m.RequireAdmin, admin)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "user-1", user)
}

func TestRequireAdminAcceptsRoleList(t *testing.T) {
	m := Middleware{Secret: testSecret}
	token := signToken(t, func(b *jwt.Builder) {
		b.Claim("role", []string{"support", "admin"})
	})
	rec, _ := callProtected(m, m.RequireAdmin, token)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
