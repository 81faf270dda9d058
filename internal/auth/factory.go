package auth

import (
	"fmt"

	"github.com/directoryhub/directory-hub/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "jwks":
		return NewJWKSProvider(cfg.JWKSURL, cfg.Audience)
	case "jwt", "":
		return NewService(cfg.JWTSecret, cfg.Audience), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
