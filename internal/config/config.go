package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	AuditStream       string `mapstructure:"AUDIT_STREAM"`
	AuditStreamMaxLen int64  `mapstructure:"AUDIT_STREAM_MAXLEN"`

	EscalationWindow   time.Duration `mapstructure:"ESCALATION_WINDOW"`
	CriticalRangesFile string        `mapstructure:"CRITICAL_RANGES_FILE"`
	StoreRetryAttempts int           `mapstructure:"STORE_RETRY_ATTEMPTS"`
	StoreRetryInterval time.Duration `mapstructure:"STORE_RETRY_INTERVAL"`

	NotifyDefaultRecipient  string        `mapstructure:"NOTIFY_DEFAULT_RECIPIENT"`
	NotifyEscalationContact string        `mapstructure:"NOTIFY_ESCALATION_CONTACT"`
	NotifyBreakerFailures   uint32        `mapstructure:"NOTIFY_BREAKER_FAILURES"`
	NotifyBreakerTimeout    time.Duration `mapstructure:"NOTIFY_BREAKER_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"AUDIT_STREAM", "AUDIT_STREAM_MAXLEN",
	"ESCALATION_WINDOW", "CRITICAL_RANGES_FILE", "STORE_RETRY_ATTEMPTS", "STORE_RETRY_INTERVAL",
	"NOTIFY_DEFAULT_RECIPIENT", "NOTIFY_ESCALATION_CONTACT", "NOTIFY_BREAKER_FAILURES", "NOTIFY_BREAKER_TIMEOUT",
}

// Load reads configuration from the environment, falling back to a .env file
// in the working directory. DATABASE_URL is optional: without it the server
// keeps critical values in memory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUDIT_STREAM", "critvalue:audit")
	v.SetDefault("AUDIT_STREAM_MAXLEN", 100000)
	v.SetDefault("ESCALATION_WINDOW", "15m")
	v.SetDefault("STORE_RETRY_ATTEMPTS", 3)
	v.SetDefault("STORE_RETRY_INTERVAL", "100ms")
	v.SetDefault("NOTIFY_DEFAULT_RECIPIENT", "lab-critical-results")
	v.SetDefault("NOTIFY_ESCALATION_CONTACT", "on-call-physician")
	v.SetDefault("NOTIFY_BREAKER_FAILURES", 5)
	v.SetDefault("NOTIFY_BREAKER_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 0 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Warn().Msg("server is running in DEVELOPMENT mode: DevAuthMiddleware grants admin to unauthenticated requests; set ENV=production and AUTH_ISSUER for production")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means "development" (no
// auth, all requests get admin) and anything else means "external" (JWT).
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// UsesDatabase reports whether critical values are persisted to PostgreSQL.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}
	if mode == "external" && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_ISSUER in production")
	}

	if c.EscalationWindow <= 0 {
		return fmt.Errorf("ESCALATION_WINDOW must be positive, got %s", c.EscalationWindow)
	}
	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1, got %d", c.StoreRetryAttempts)
	}
	if c.NotifyBreakerFailures == 0 {
		return fmt.Errorf("NOTIFY_BREAKER_FAILURES must be at least 1")
	}
	if c.NotifyBreakerTimeout <= 0 {
		return fmt.Errorf("NOTIFY_BREAKER_TIMEOUT must be positive, got %s", c.NotifyBreakerTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
