package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "webhook-secret", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	PaymentWebhookSecret string `env:"PAYMENT_WEBHOOK_SECRET,required"`
	AdminKeyHash         string `env:"ADMIN_KEY_HASH"`

	TokenSigningSecret        string `env:"TOKEN_SIGNING_SECRET,required"`
	TokenIssuer               string `env:"TOKEN_ISSUER" envDefault:"tutorly-session-broker"`
	TransportTokenTTLSeconds  int    `env:"TRANSPORT_TOKEN_TTL_SECONDS" envDefault:"600"`
	CompletionTokenTTLSeconds int    `env:"COMPLETION_TOKEN_TTL_SECONDS" envDefault:"60"`

	CompletionURL            string `env:"COMPLETION_URL" envDefault:"https://api.openai.com/v1/chat/completions"`
	CompletionAPIKey         string `env:"COMPLETION_API_KEY"`
	CompletionModel          string `env:"COMPLETION_MODEL" envDefault:"gpt-4o-mini"`
	CompletionTimeoutSeconds int    `env:"COMPLETION_TIMEOUT_SECONDS" envDefault:"30"`

	UserTurnCredits     int64 `env:"USER_TURN_CREDITS" envDefault:"1"`
	AgentCreditsPerUnit int64 `env:"AGENT_CREDITS_PER_UNIT" envDefault:"1"`
	AgentCharsPerUnit   int   `env:"AGENT_CHARS_PER_UNIT" envDefault:"15"`

	SessionIdleTimeoutSeconds int `env:"SESSION_IDLE_TIMEOUT_SECONDS" envDefault:"300"`
	SessionRetentionHours     int `env:"SESSION_RETENTION_HOURS" envDefault:"720"`
	SessionCreateLimitPerMin  int `env:"SESSION_CREATE_LIMIT_PER_MIN" envDefault:"10"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) TransportTokenTTL() time.Duration {
	return time.Duration(c.TransportTokenTTLSeconds) * time.Second
}

func (c *Config) CompletionTokenTTL() time.Duration {
	return time.Duration(c.CompletionTokenTTLSeconds) * time.Second
}

func (c *Config) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutSeconds) * time.Second
}

func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSeconds) * time.Second
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionHours) * time.Hour
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminKeyHash != "" {
		if !strings.HasPrefix(c.AdminKeyHash, "$2a$") &&
			!strings.HasPrefix(c.AdminKeyHash, "$2b$") &&
			!strings.HasPrefix(c.AdminKeyHash, "$2y$") {
			return fmt.Errorf("ADMIN_KEY_HASH must be a bcrypt hash (generate with: go run scripts/hash-admin-key.go <key>)")
		}
	}

	if c.UserTurnCredits < 0 || c.AgentCreditsPerUnit < 0 {
		return fmt.Errorf("metering rates must not be negative")
	}
	if c.AgentCharsPerUnit <= 0 {
		return fmt.Errorf("AGENT_CHARS_PER_UNIT must be positive")
	}
	if c.SessionIdleTimeoutSeconds <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT_SECONDS must be positive")
	}

	if isProduction {
		if err := validateSecret("PAYMENT_WEBHOOK_SECRET", c.PaymentWebhookSecret); err != nil {
			return err
		}
		if err := validateSecret("TOKEN_SIGNING_SECRET", c.TokenSigningSecret); err != nil {
			return err
		}

		if c.AdminKeyHash == "" {
			log.Warn().Msg("ADMIN_KEY_HASH is empty in production: admin endpoints are disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.CompletionAPIKey == "" {
			log.Warn().Msg("COMPLETION_API_KEY is empty in production: completion requests carry only the issued credential")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
