// Package middleware provides HTTP middleware for the API server
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/git-hunters/githunters/internal/database"
	"github.com/git-hunters/githunters/internal/errors"
	"github.com/git-hunters/githunters/internal/httputil"
	"github.com/git-hunters/githunters/internal/logging"
)

const issuer = "githunters"

// Auth methods recorded in the token.
const (
	AuthMethodWallet = "wallet"
	AuthMethodGitHub = "github"
)

// Claims represents JWT claims
type Claims struct {
	UserID      string `json:"user_id"`
	Address     string `json:"address,omitempty"`
	GitHubLogin string `json:"github_login,omitempty"`
	AuthMethod  string `json:"auth_method"`
	jwt.RegisteredClaims
}

type claimsKey struct{}
type tokenKey struct{}

// AuthMiddleware issues and validates HS256 session tokens. Every issued
// token is recorded by hash in the session store so logout revokes it.
type AuthMiddleware struct {
	secret   []byte
	ttl      time.Duration
	sessions database.SessionStore
	logger   *logging.Logger
	now      func() time.Time
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(secret []byte, ttl time.Duration, sessions database.SessionStore, logger *logging.Logger) *AuthMiddleware {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &AuthMiddleware{
		secret:   secret,
		ttl:      ttl,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// HashToken returns the session key for a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue signs a token for user and records the session.
func (m *AuthMiddleware) Issue(ctx context.Context, user *database.User, method string) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	claims := &Claims{
		UserID:      user.ID,
		Address:     user.Address,
		GitHubLogin: user.GitHubLogin,
		AuthMethod:  method,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	err = m.sessions.CreateSession(ctx, &database.Session{
		TokenHash: HashToken(token),
		UserID:    user.ID,
		ExpiresAt: expires,
		CreatedAt: now,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("record session: %w", err)
	}
	return token, expires, nil
}

// Revoke deletes the session of token.
func (m *AuthMiddleware) Revoke(ctx context.Context, token string) error {
	return m.sessions.DeleteSession(ctx, HashToken(token))
}

// Authenticate validates the token signature, expiry and session.
func (m *AuthMiddleware) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := m.validateToken(token)
	if err != nil {
		return nil, err
	}

	session, err := m.sessions.GetSession(ctx, HashToken(token))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errors.InvalidToken(nil).WithDetails("reason", "session revoked")
		}
		return nil, errors.Internal("session lookup failed", err)
	}
	if !m.now().Before(session.ExpiresAt) || session.UserID != claims.UserID {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "session expired")
	}
	return claims, nil
}

// Handler requires a valid bearer token
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("Missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			m.respondError(w, r, errors.Unauthorized("Invalid Authorization header format"))
			return
		}
		tokenString := strings.TrimSpace(parts[1])

		claims, err := m.Authenticate(r.Context(), tokenString)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.UserID)
		ctx = context.WithValue(ctx, claimsKey{}, claims)
		ctx = context.WithValue(ctx, tokenKey{}, tokenString)

		m.logger.WithContext(ctx).WithField("auth_method", claims.AuthMethod).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken validates a JWT token and returns claims
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, errors.InvalidToken(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims")
	}
	return claims, nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, err)

	m.logger.LogSecurityEvent(r.Context(), "authentication_failed", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"error":  err.Error(),
	})
}

// ClaimsFromContext returns the authenticated claims, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// TokenFromContext returns the raw bearer token of the request.
func TokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey{}).(string)
	return t
}
