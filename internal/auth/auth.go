// Package auth resolves the principal behind a websocket upgrade request.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crisiscenter/crisis-relay/internal/config"
	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/security"
)

// Principal is an authenticated client.
type Principal struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

// Authenticator verifies the credentials on an upgrade request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Principal, error)
}

// New builds the authenticator selected by cfg.Mode.
func New(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case "jwt", "":
		return NewJWTAuthenticator(cfg.JWTSecret, cfg.Issuer, cfg.DefaultRole)
	case "insecure":
		return &InsecureAuthenticator{DefaultRole: cfg.DefaultRole}, nil
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown auth mode: %s", cfg.Mode))
	}
}

// Claims are the token claims the relay reads. user_id may be a string or a
// number depending on the issuing service.
type Claims struct {
	UserID any    `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns user_id, falling back to sub and then email.
func (c *Claims) Identity() string {
	switch v := c.UserID.(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	if c.Subject != "" {
		return c.Subject
	}
	return c.Email
}

// JWTAuthenticator accepts HS256 bearer tokens.
type JWTAuthenticator struct {
	secret      []byte
	parser      *jwt.Parser
	defaultRole string
}

// NewJWTAuthenticator creates an authenticator for tokens signed with secret.
// A non-empty issuer is enforced.
func NewJWTAuthenticator(secret, issuer, defaultRole string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.ValidationError("jwt secret is required")
	}
	if defaultRole == "" {
		defaultRole = "citizen"
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &JWTAuthenticator{
		secret:      []byte(secret),
		parser:      jwt.NewParser(opts...),
		defaultRole: defaultRole,
	}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return Principal{}, errors.UnauthorizedError().WithDetail("reason", "missing token")
	}
	return a.Verify(raw)
}

// Verify parses and validates a raw token.
func (a *JWTAuthenticator) Verify(raw string) (Principal, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return Principal{}, errors.Wrap(errors.CodeUnauthorized, "invalid token", err)
	}

	p := Principal{Identity: claims.Identity(), Role: claims.Role}
	if p.Role == "" {
		p.Role = a.defaultRole
	}
	if err := security.ValidateIdentity(p.Identity); err != nil {
		return Principal{}, errors.Wrap(errors.CodeUnauthorized, "token carries no usable identity", err)
	}
	return p, nil
}

// Sign issues a token for p. Used by tooling and tests.
func (a *JWTAuthenticator) Sign(p Principal, claims jwt.RegisteredClaims) (string, error) {
	if claims.Subject == "" {
		claims.Subject = p.Identity
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           p.Identity,
		Role:             p.Role,
		RegisteredClaims: claims,
	})
	return token.SignedString(a.secret)
}

// InsecureAuthenticator trusts the identity and role query parameters.
// Development only.
type InsecureAuthenticator struct {
	DefaultRole string
}

// Authenticate implements Authenticator.
func (a *InsecureAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	q := r.URL.Query()
	p := Principal{Identity: q.Get("identity"), Role: q.Get("role")}
	if p.Role == "" {
		p.Role = a.DefaultRole
	}
	if p.Role == "" {
		p.Role = "citizen"
	}
	if err := security.ValidateIdentity(p.Identity); err != nil {
		return Principal{}, errors.Wrap(errors.CodeUnauthorized, "identity query parameter required", err)
	}
	return p, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header or
// the token query parameter. Browsers cannot set headers on websocket
// upgrades, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
