// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the service reads at startup.
type Config struct {
	ListenAddr string `env:"CORPUSHUB_LISTEN_ADDR" envDefault:":8080"`
	PGDSN      string `env:"CORPUSHUB_PG_DSN"`

	// TokenSecret signs session tokens; the server refuses to start
	// without one.
	TokenSecret string        `env:"CORPUSHUB_TOKEN_SECRET"`
	TokenTTL    time.Duration `env:"CORPUSHUB_TOKEN_TTL" envDefault:"15m"`

	LockoutThreshold int      `env:"CORPUSHUB_LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutExempt    []string `env:"CORPUSHUB_LOCKOUT_EXEMPT" envSeparator:"," envDefault:"public"`

	// ProtectedInstall refuses mutation of ReservedSubjects, keeping
	// shared demo identities intact.
	ProtectedInstall bool     `env:"CORPUSHUB_PROTECTED_INSTALL" envDefault:"true"`
	ReservedSubjects []string `env:"CORPUSHUB_RESERVED_SUBJECTS" envSeparator:"," envDefault:"public"`

	// Mail provider; when the URL is empty, notifications are discarded.
	MailProviderURL string `env:"CORPUSHUB_MAIL_PROVIDER_URL"`
	MailAPIKey      string `env:"CORPUSHUB_MAIL_API_KEY"`
	MailFrom        string `env:"CORPUSHUB_MAIL_FROM" envDefault:"no-reply@corpushub.org"`

	RateLimitPerSecond float64 `env:"CORPUSHUB_RATE_LIMIT_PER_SECOND" envDefault:"20"`
	RateLimitBurst     int     `env:"CORPUSHUB_RATE_LIMIT_BURST" envDefault:"40"`

	MaxBodyBytes int64 `env:"CORPUSHUB_MAX_BODY_BYTES" envDefault:"1048576"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TokenSecret == "" {
		return errors.New("config: CORPUSHUB_TOKEN_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: CORPUSHUB_TOKEN_TTL must be positive")
	}
	if c.LockoutThreshold <= 0 {
		return errors.New("config: CORPUSHUB_LOCKOUT_THRESHOLD must be positive")
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("config: rate limit knobs must be positive")
	}
	return nil
}
