package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Service verifies HS256 tokens signed with the platform's shared JWT secret.
type Service struct {
	jwtSecret []byte
	audience  string
}

// NewService creates a shared-secret token verifier. An empty audience disables the aud check.
func NewService(secret, audience string) *Service {
	return &Service{
		jwtSecret: []byte(secret),
		audience:  audience,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "jwt" }

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, parserOptions(s.audience, jwt.SigningMethodHS256.Alg())...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return identityFromClaims(claims)
}
