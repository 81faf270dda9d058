// Package auth verifies bearer tokens issued by the data/auth platform.
package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID string // platform user id (the token's "sub")
	Email  string
	Role   string // "admin" or "user"
}

// IsAdmin reports whether the identity carries the admin role.
func (i *Identity) IsAdmin() bool { return i != nil && i.Role == "admin" }

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// Claims are the platform's access-token claims.
type Claims struct {
	Email       string      `json:"email"`
	AppMetadata AppMetadata `json:"app_metadata"`
	jwt.RegisteredClaims
}

// AppMetadata is the server-controlled part of the platform's user record.
type AppMetadata struct {
	Role string `json:"role,omitempty"`
}

func identityFromClaims(c *Claims) (*Identity, error) {
	if c.Subject == "" {
		return nil, ErrUnauthorized
	}
	role := "user"
	if c.AppMetadata.Role == "admin" {
		role = "admin"
	}
	return &Identity{UserID: c.Subject, Email: c.Email, Role: role}, nil
}

// parserOptions are shared by every provider. Tokens must carry an expiry.
func parserOptions(audience string, methods ...string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods(methods),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return opts
}
