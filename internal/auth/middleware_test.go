package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New("test-secret", zap.NewNop())
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func serve(a *Authenticator, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	e.GET("/admin", func(c echo.Context) error {
		who, _ := OperatorFromContext(c)
		return c.String(http.StatusOK, who)
	}, a.Middleware)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_AdminSecretHeader(t *testing.T) {
	a := newTestAuth(t)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(AdminSecretHeader, "test-secret")
	rec := serve(a, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin-secret", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(AdminSecretHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(a, req).Code)
}

func TestMiddleware_OperatorToken(t *testing.T) {
	a := newTestAuth(t)
	token, err := a.IssueToken("alice", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(a, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestMiddleware_Rejections(t *testing.T) {
	a := newTestAuth(t)

	expired, err := a.IssueToken("alice", time.Minute)
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC) }

	other, err := New("other-secret", nil)
	require.NoError(t, err)
	foreign, err := other.IssueToken("mallory", time.Hour)
	require.NoError(t, err)

	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			ExpiresAt: jwt.NewNumericDate(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"missing":  "",
		"scheme":   "Basic abc",
		"garbage":  "Bearer not-a-token",
		"expired":  "Bearer " + expired,
		"foreign":  "Bearer " + foreign,
		"bad role": "Bearer " + viewer,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			assert.Equal(t, http.StatusUnauthorized, serve(a, req).Code)
		})
	}
}

func TestVerify_RoleAndExpiry(t *testing.T) {
	a := newTestAuth(t)
	token, err := a.IssueToken("ops", 0)
	require.NoError(t, err)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, a.now().Add(DefaultTokenTTL).Unix(), claims.ExpiresAt.Unix())

	_, err = a.Verify(token + "x")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNew_EphemeralSecret(t *testing.T) {
	a, err := New("  ", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, a.secret)

	b, err := New("", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.secret, b.secret)
}
