package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	RoleOperator      = "operator"
	AdminSecretHeader = "X-Admin-Secret"

	// DefaultTokenTTL is the lifetime of tokens minted by IssueToken when no
	// TTL is given.
	DefaultTokenTTL = 24 * time.Hour

	operatorKey = "operator"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the payload of an operator token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator guards the operator routes. Requests pass with either the
// shared admin secret in X-Admin-Secret or a Bearer HS256 token signed with
// that secret and carrying role=operator.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// New builds an Authenticator. An empty secret is replaced by an ephemeral
// random one, which makes every previously minted token invalid.
func New(secret string, logger *zap.Logger) (*Authenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(buf)
		if logger != nil {
			logger.Warn("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
		}
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken mints an operator token for subject.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := a.now()
	claims := Claims{
		Role: RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify checks signature, expiry and role, returning the claims.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Role != RoleOperator {
		return nil, fmt.Errorf("%w: role %q is not allowed", ErrInvalidToken, claims.Role)
	}
	return &claims, nil
}

// Middleware rejects requests that carry neither the admin secret nor a
// valid operator token.
func (a *Authenticator) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if given := c.Request().Header.Get(AdminSecretHeader); given != "" {
			if subtle.ConstantTimeCompare([]byte(given), a.secret) == 1 {
				c.Set(operatorKey, "admin-secret")
				return next(c)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized admin access")
		}

		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization header")
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization header format")
		}

		claims, err := a.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}
		c.Set(operatorKey, claims.Subject)
		return next(c)
	}
}

// OperatorFromContext returns who passed Middleware: the token subject, or
// "admin-secret" for header-authenticated calls.
func OperatorFromContext(c echo.Context) (string, bool) {
	v, ok := c.Get(operatorKey).(string)
	return v, ok
}
