package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates asymmetrically signed platform tokens against a JWKS endpoint.
type JWKSProvider struct {
	audience string
	jwks     keyfunc.Keyfunc
	cancel   context.CancelFunc
}

// NewJWKSProvider starts fetching keys from jwksURL. The key set is refreshed in
// the background until Close is called.
func NewJWKSProvider(jwksURL, audience string) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{
		audience: audience,
		jwks:     jwks,
		cancel:   cancel,
	}, nil
}

// ValidateToken parses a platform JWT and returns an Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, p.jwks.KeyfuncCtx(ctx),
		parserOptions(p.audience, "RS256", "ES256")...,
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return identityFromClaims(claims)
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// Close stops the JWKS background refresh goroutine.
func (p *JWKSProvider) Close() error {
	p.cancel()
	return nil
}
