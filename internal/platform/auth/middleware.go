// Package auth turns bearer tokens into a user identity on the request
// context. Domain code only ever sees the user id.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// ErrNoUser is returned when the context carries no authenticated user.
var ErrNoUser = errors.New("no authenticated user")

// DevUserID is the identity DevAuthMiddleware assigns to anonymous requests.
var DevUserID = uuid.MustParse("00000000-0000-4000-8000-000000000001")

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 verification instead of JWKS.
	SigningKey []byte
	// Skipper bypasses authentication for matching requests.
	Skipper func(echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var jwks *JWKSCache
	if len(cfg.SigningKey) == 0 {
		jwks = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL, nil)
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if len(cfg.SigningKey) > 0 {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			var keyFunc jwt.Keyfunc
			if len(cfg.SigningKey) > 0 {
				keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			} else {
				keyFunc = jwks.keyFunc(c.Request().Context())
			}

			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "token subject is not a user id")
			}

			c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), userID, claims.Roles)))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token act as DevUserID; an X-User-ID header picks another user.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := DevUserID
			if h := c.Request().Header.Get("X-User-ID"); h != "" {
				id, err := uuid.Parse(h)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "X-User-ID must be a UUID")
				}
				userID = id
			}
			ctx := WithUser(c.Request().Context(), userID, []string{"admin"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithUser stores an identity in ctx.
func WithUser(ctx context.Context, userID uuid.UUID, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

// UserIDFromContext returns the authenticated user id.
func UserIDFromContext(ctx context.Context) (uuid.UUID, error) {
	uid, ok := ctx.Value(UserIDKey).(uuid.UUID)
	if !ok || uid == uuid.Nil {
		return uuid.Nil, ErrNoUser
	}
	return uid, nil
}

// UserID reads the user id from an echo request, answering 401 when absent.
func UserID(c echo.Context) (uuid.UUID, error) {
	uid, err := UserIDFromContext(c.Request().Context())
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return uid, nil
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
