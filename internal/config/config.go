package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the agent's settings.
type Config struct {
	BackendBaseURL  string `env:"BACKEND_BASE_URL,required"`
	ExchangeBaseURL string `env:"EXCHANGE_BASE_URL,required"`

	NativeProviderURL string `env:"NATIVE_PROVIDER_URL"`
	NativeIssuer      string `env:"NATIVE_ISSUER"`
	NativeClientID    string `env:"NATIVE_CLIENT_ID"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	LoopbackPort       int    `env:"LOOPBACK_PORT" envDefault:"53682"`

	CalendarScopes []string `env:"CALENDAR_SCOPES" envSeparator:"," envDefault:"https://www.googleapis.com/auth/calendar.events,https://www.googleapis.com/auth/calendar.readonly"`

	MaxConnectionAttempts int `env:"MAX_CONNECTION_ATTEMPTS" envDefault:"3"`
	ReauthBackoffSeconds  int `env:"REAUTH_BACKOFF_SECONDS" envDefault:"30"`

	InactivityTimeoutMinutes  int `env:"INACTIVITY_TIMEOUT_MINUTES" envDefault:"30"`
	ValidationCooldownSeconds int `env:"VALIDATION_COOLDOWN_SECONDS" envDefault:"30"`
	RefreshLookaheadMinutes   int `env:"REFRESH_LOOKAHEAD_MINUTES" envDefault:"10"`

	CachePath string `env:"CACHE_PATH" envDefault:"echocal.db"`
	Timezone  string `env:"TIMEZONE" envDefault:"UTC"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) ReauthBackoff() time.Duration {
	return time.Duration(c.ReauthBackoffSeconds) * time.Second
}

func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMinutes) * time.Minute
}

func (c *Config) ValidationCooldown() time.Duration {
	return time.Duration(c.ValidationCooldownSeconds) * time.Second
}

func (c *Config) RefreshLookahead() time.Duration {
	return time.Duration(c.RefreshLookaheadMinutes) * time.Minute
}

func (c *Config) LoopbackAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.LoopbackPort)
}

func (c *Config) Validate() error {
	if c.MaxConnectionAttempts <= 0 {
		return fmt.Errorf("MAX_CONNECTION_ATTEMPTS must be positive")
	}
	if c.ReauthBackoffSeconds <= 0 {
		return fmt.Errorf("REAUTH_BACKOFF_SECONDS must be positive")
	}
	if c.ValidationCooldownSeconds < 0 {
		return fmt.Errorf("VALIDATION_COOLDOWN_SECONDS must not be negative")
	}
	if len(c.CalendarScopes) == 0 {
		return fmt.Errorf("CALENDAR_SCOPES must not be empty")
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

// StoreConfig holds the credential store service's settings.
type StoreConfig struct {
	Port                 int      `env:"PORT" envDefault:"8081"`
	DatabaseURL          string   `env:"DATABASE_URL,required"`
	RedisURL             string   `env:"REDIS_URL,required"`
	SessionJWTSecret     string   `env:"SESSION_JWT_SECRET,required"`
	ReauthURL            string   `env:"REAUTH_URL" envDefault:""`
	RequiredScopes       []string `env:"REQUIRED_SCOPES" envSeparator:"," envDefault:"https://www.googleapis.com/auth/calendar.events,https://www.googleapis.com/auth/calendar.readonly"`
	CheckRateLimitPerMin int      `env:"CHECK_RATE_LIMIT_PER_MIN" envDefault:"60"`
	LogLevel             string   `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *StoreConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *StoreConfig) Validate() error {
	if len(c.SessionJWTSecret) < 32 {
		return fmt.Errorf("SESSION_JWT_SECRET must be at least 32 characters (generate with: openssl rand -base64 32)")
	}
	return nil
}

func LoadStore() (*StoreConfig, error) {
	var cfg StoreConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
