// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Platform  PlatformConfig  `json:"platform"`
	Billing   BillingConfig   `json:"billing"`
	Email     EmailConfig     `json:"email,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr" validate:"required"`          // e.g. ":8080"
	BaseURL        string   `json:"base_url" validate:"required,url"` // public site URL used for checkout redirects
	Environment    string   `json:"environment,omitempty" validate:"omitempty,oneof=development staging production"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB

	// ShutdownTimeout bounds graceful shutdown, including draining background email tasks.
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
}

// AuthConfig defines how bearer tokens issued by the platform are verified.
type AuthConfig struct {
	Provider  string `json:"provider,omitempty" validate:"omitempty,oneof=jwt jwks"` // "jwt" (default) or "jwks"
	JWTSecret string `json:"jwt_secret,omitempty"`
	Audience  string `json:"audience,omitempty"` // expected "aud" claim; empty disables the check
	JWKSURL   string `json:"jwks_url,omitempty" validate:"omitempty,url"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=sqlite postgres"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`                                               // e.g. "directory.db" or a postgres URL
}

// PlatformConfig points at the data/auth platform and its service credential.
type PlatformConfig struct {
	URL        string `json:"url,omitempty" validate:"omitempty,url"`
	ServiceKey string `json:"service_key,omitempty"`
}

// BillingConfig defines Stripe billing settings.
type BillingConfig struct {
	StripeSecretKey     string `json:"stripe_secret_key"`
	StripeWebhookSecret string `json:"stripe_webhook_secret,omitempty"`
	PriceID             string `json:"price_id,omitempty"` // recurring monthly price; takes precedence over PriceCents
	PriceCents          int64  `json:"price_cents,omitempty" validate:"gte=0"`
	Currency            string `json:"currency,omitempty" validate:"omitempty,len=3"`
	ProductName         string `json:"product_name,omitempty"`
}

// EmailConfig defines how confirmation emails are delivered.
type EmailConfig struct {
	Provider    string   `json:"provider,omitempty" validate:"omitempty,oneof=function log"` // "function" or "log"
	FunctionURL string   `json:"function_url,omitempty" validate:"omitempty,url"`
	From        string   `json:"from,omitempty"`
	Timeout     Duration `json:"timeout,omitempty"` // per-send timeout; default 10s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format,omitempty" validate:"omitempty,oneof=json text"`
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Path     string `json:"path,omitempty"` // default "/metrics"
}

// IsProduction reports whether the hub runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads an optional config file, applies environment overrides and validates the result.
// An empty path means the configuration comes from the environment only.
func Load(path string) (*Config, error) {
	// Best-effort .env loading (not required).
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overrides file values with the environment. Secrets are normally
// provided this way rather than written to the config file.
func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Server.Addr, "HUB_ADDR")
	override(&c.Server.Environment, "HUB_ENV")
	override(&c.Server.BaseURL, "APP_BASE_URL")
	override(&c.Billing.StripeSecretKey, "STRIPE_SECRET_KEY")
	override(&c.Billing.StripeWebhookSecret, "STRIPE_WEBHOOK_SECRET")
	override(&c.Billing.PriceID, "STRIPE_PRICE_ID")
	override(&c.Platform.URL, "PLATFORM_URL")
	override(&c.Platform.ServiceKey, "PLATFORM_SERVICE_KEY")
	override(&c.Auth.JWTSecret, "PLATFORM_JWT_SECRET")
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		c.Storage.DSN = dsn
		if c.Storage.Driver == "" && (strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")) {
			c.Storage.Driver = "postgres"
		}
	}
}

var validate = newValidator()

// newValidator names fields by their JSON keys so errors match the config file.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath turns "Config.server.base_url" into "server.base_url".
func fieldPath(fe validator.FieldError) string {
	if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
		return rest
	}
	return fe.Field()
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation", fieldPath(fe), fe.Tag())
		}
		return err
	}

	base, err := url.Parse(c.Server.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return fmt.Errorf("server.base_url must be an absolute http(s) URL")
	}

	if c.Billing.StripeSecretKey == "" {
		return fmt.Errorf("billing.stripe_secret_key is required")
	}
	if c.Billing.PriceID == "" && c.Billing.PriceCents <= 0 {
		return fmt.Errorf("billing.price_id or billing.price_cents is required")
	}
	// Unsigned webhooks are a development convenience only.
	if c.IsProduction() && c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("billing.stripe_webhook_secret is required in production")
	}

	switch c.Auth.Provider {
	case "jwt", "":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if c.IsProduction() && knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" && c.Platform.URL == "" {
			return fmt.Errorf("auth.jwks_url or platform.url is required when provider is jwks")
		}
	}

	if c.Email.Provider == "function" && c.Email.FunctionURL == "" && c.Platform.URL == "" {
		return fmt.Errorf("email.function_url or platform.url is required when email provider is function")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 15 * time.Second
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	if c.Auth.Provider == "" {
		c.Auth.Provider = "jwt"
	}
	c.Platform.URL = strings.TrimRight(c.Platform.URL, "/")
	if c.Auth.Provider == "jwks" && c.Auth.JWKSURL == "" {
		c.Auth.JWKSURL = c.Platform.URL + "/auth/v1/.well-known/jwks.json"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "directory.db"
	}
	if c.Billing.Currency == "" {
		c.Billing.Currency = "usd"
	}
	c.Billing.Currency = strings.ToLower(c.Billing.Currency)
	if c.Billing.ProductName == "" {
		c.Billing.ProductName = "Featured listing"
	}
	if c.Email.Provider == "" {
		if c.Platform.URL != "" || c.Email.FunctionURL != "" {
			c.Email.Provider = "function"
		} else {
			c.Email.Provider = "log"
		}
	}
	if c.Email.Provider == "function" && c.Email.FunctionURL == "" {
		c.Email.FunctionURL = c.Platform.URL + "/functions/v1/send-email"
	}
	if c.Email.Timeout.Duration == 0 {
		c.Email.Timeout.Duration = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
