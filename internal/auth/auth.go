// Package auth resolves bearer tokens into principals. Tokens are HS256 JWTs
// issued by the account service sharing auth.secret_key.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"formbar/pkg/types"
)

const contextPrincipalKey = "principal"

var (
	ErrMissingToken = types.Forbidden("missing_token", "missing or malformed bearer token")
	ErrInvalidToken = types.Forbidden("invalid_token", "invalid or expired token")
)

// Claims is the payload of a formbar token.
type Claims struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Permissions int    `json:"permissions"`
	IsGuest     bool   `json:"isGuest,omitempty"`
	API         bool   `json:"api,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies tokens with one shared secret.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// New creates an authenticator. A zero ttl defaults to one day.
func New(secret, issuer string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// GenerateToken signs a token for principal. The user id is not embedded;
// the registry resolves it from the email.
func (a *Authenticator) GenerateToken(principal types.Principal) (string, error) {
	if principal.Email == "" {
		return "", errors.New("principal has no email")
	}
	now := a.now()
	claims := &Claims{
		Email:       normalizeEmail(principal.Email),
		DisplayName: principal.DisplayName,
		Permissions: principal.Permissions,
		IsGuest:     principal.IsGuest,
		API:         principal.API,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   normalizeEmail(principal.Email),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// ParseToken verifies the signature, issuer and expiry of token.
func (a *Authenticator) ParseToken(token string) (types.Principal, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return types.Principal{}, ErrInvalidToken
	}

	email := normalizeEmail(claims.Email)
	if email == "" {
		return types.Principal{}, ErrInvalidToken
	}
	if claims.Permissions < types.BannedPermissions || claims.Permissions > types.ManagerPermissions {
		return types.Principal{}, ErrInvalidToken
	}
	return types.Principal{
		Email:       email,
		DisplayName: claims.DisplayName,
		Permissions: claims.Permissions,
		IsGuest:     claims.IsGuest,
		API:         claims.API,
	}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// principal on the echo context.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				return ErrMissingToken
			}
			principal, err := a.ParseToken(strings.TrimSpace(token))
			if err != nil {
				return err
			}
			c.Set(contextPrincipalKey, principal)
			return next(c)
		}
	}
}

// PrincipalFrom returns the principal stored by Middleware.
func PrincipalFrom(c echo.Context) (types.Principal, bool) {
	principal, ok := c.Get(contextPrincipalKey).(types.Principal)
	return principal, ok
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
