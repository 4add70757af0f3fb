package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	QAServerURL         string        `mapstructure:"QA_SERVER_URL"`
	QAUsername          string        `mapstructure:"QA_USERNAME"`
	QAPassword          string        `mapstructure:"QA_PASSWORD"`
	QAAPIToken          string        `mapstructure:"QA_API_TOKEN"`
	QARequestTimeout    time.Duration `mapstructure:"QA_REQUEST_TIMEOUT"`
	QARosterLimit       int           `mapstructure:"QA_ROSTER_LIMIT"`
	UTCOffsetHours      float64       `mapstructure:"UTC_OFFSET_HOURS"`
	DateWindowInclusive bool          `mapstructure:"DATE_WINDOW_INCLUSIVE"`
	RosterCacheTTL      time.Duration `mapstructure:"ROSTER_CACHE_TTL"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	APISigningKey       string        `mapstructure:"API_SIGNING_KEY"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"QA_SERVER_URL", "QA_USERNAME", "QA_PASSWORD", "QA_API_TOKEN",
	"QA_REQUEST_TIMEOUT", "QA_ROSTER_LIMIT",
	"UTC_OFFSET_HOURS", "DATE_WINDOW_INCLUSIVE", "ROSTER_CACHE_TTL",
	"REDIS_URL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"API_SIGNING_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("QA_REQUEST_TIMEOUT", "30s")
	v.SetDefault("QA_ROSTER_LIMIT", 100000)
	v.SetDefault("UTC_OFFSET_HOURS", 0)
	v.SetDefault("DATE_WINDOW_INCLUSIVE", true)
	v.SetDefault("ROSTER_CACHE_TTL", "10m")
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("RATE_LIMIT_RPS", 2)
	v.SetDefault("RATE_LIMIT_BURST", 10)

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
	cfg.QAServerURL = strings.TrimRight(strings.TrimSpace(cfg.QAServerURL), "/")

	if cfg.QAServerURL == "" {
		return nil, fmt.Errorf("QA_SERVER_URL is required")
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

// UTCOffset is the clinic's fixed offset from UTC used for date windows.
func (c *Config) UTCOffset() time.Duration {
	return time.Duration(c.UTCOffsetHours * float64(time.Hour))
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is usable. The QA server must be
// an absolute http(s) URL and some credential must be present; production
// refuses to run the API without a signing key.
func (c *Config) Validate() error {
	u, err := url.Parse(c.QAServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("QA_SERVER_URL must be an absolute http(s) URL, got %q", c.QAServerURL)
	}

	if c.QAAPIToken == "" {
		if c.QAUsername == "" || c.QAPassword == "" {
			return fmt.Errorf("either QA_API_TOKEN or both QA_USERNAME and QA_PASSWORD must be set")
		}
	}

	if c.QARequestTimeout <= 0 {
		return fmt.Errorf("QA_REQUEST_TIMEOUT must be positive, got %s", c.QARequestTimeout)
	}
	if c.UTCOffsetHours < -14 || c.UTCOffsetHours > 14 {
		return fmt.Errorf("UTC_OFFSET_HOURS must be within [-14, 14], got %v", c.UTCOffsetHours)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}

	if c.IsProduction() && c.APISigningKey == "" {
		return fmt.Errorf("API_SIGNING_KEY is required in production")
	}
	if c.APISigningKey != "" && len(c.APISigningKey) < 32 {
		return fmt.Errorf("API_SIGNING_KEY must be at least 32 characters, got %d", len(c.APISigningKey))
	}

	return nil
}
