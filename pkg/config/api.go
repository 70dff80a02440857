package config

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultAPIListen is the default listen address of the operator API.
const DefaultAPIListen = ":8080"

// APIConfig contains the operator API configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server" mapstructure:"server"`
	Auth   APIAuthConfig   `yaml:"auth" mapstructure:"auth"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting of the endpoints that
// enqueue work.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig protects mutating endpoints with a bearer token. Only the
// bcrypt hash of the token is stored in config.
type APIAuthConfig struct {
	TokenHash string `yaml:"token_hash,omitempty" mapstructure:"token_hash"`
}

func (c *APIConfig) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultAPIListen
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		c.Server.RateLimit.RequestsPerMinute = 60
	}
}

func (c *APIConfig) validate() error {
	if c.Auth.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Auth.TokenHash)); err != nil {
			return fmt.Errorf("auth.token_hash is not a bcrypt hash: %w", err)
		}
	}

	return nil
}

// CheckToken reports whether token matches the configured token hash. When
// no hash is configured every token is accepted.
func (c *APIAuthConfig) CheckToken(token string) bool {
	if c.TokenHash == "" {
		return true
	}

	return bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(token)) == nil
}
