// Package config loads service configuration from the environment. A .env
// file is honored in development via godotenv; real deployments set the
// variables directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is assembled once at startup and treated as immutable afterwards.
type Config struct {
	ListenAddr string

	Redis RedisConfig

	Session   SessionConfig
	Lockout   LockoutConfig
	TwoFactor TwoFactorConfig
	Password  PasswordConfig
	Google    GoogleConfig

	CORSAllowedOrigins []string

	AuditBufferSize int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type SessionConfig struct {
	// Lifetime is the absolute ceiling from login to forced re-authentication.
	// It is not a sliding window.
	Lifetime   time.Duration
	CookieName string
	// CookieSecure should be false only for local development over plain HTTP.
	CookieSecure bool
}

type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

type TwoFactorConfig struct {
	Issuer          string
	BackupCodeCount int
}

type PasswordConfig struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type GoogleConfig struct {
	ClientID string
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "tg"),
		},
		Session: SessionConfig{
			Lifetime:     getEnvDuration("SESSION_LIFETIME", 10*time.Hour),
			CookieName:   getEnv("SESSION_COOKIE_NAME", "twogate_session"),
			CookieSecure: getEnvBool("SESSION_COOKIE_SECURE", true),
		},
		Lockout: LockoutConfig{
			Threshold: getEnvInt("LOCKOUT_THRESHOLD", 5),
			Duration:  getEnvDuration("LOCKOUT_DURATION", 2*time.Hour),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:          getEnv("TOTP_ISSUER", "twogate"),
			BackupCodeCount: getEnvInt("BACKUP_CODE_COUNT", 10),
		},
		Password: PasswordConfig{
			Memory:      uint32(getEnvInt("ARGON2_MEMORY_KB", 64*1024)),
			Time:        uint32(getEnvInt("ARGON2_TIME", 3)),
			Parallelism: uint8(getEnvInt("ARGON2_PARALLELISM", 2)),
			SaltLength:  16,
			KeyLength:   32,
		},
		Google: GoogleConfig{
			ClientID: os.Getenv("GOOGLE_CLIENT_ID"),
		},
		CORSAllowedOrigins: splitNonEmpty(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		AuditBufferSize:    getEnvInt("AUDIT_BUFFER_SIZE", 256),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Session.Lifetime <= 0 {
		return fmt.Errorf("config: SESSION_LIFETIME must be positive")
	}
	if c.Lockout.Threshold < 1 {
		return fmt.Errorf("config: LOCKOUT_THRESHOLD must be >= 1")
	}
	if c.Lockout.Duration <= 0 {
		return fmt.Errorf("config: LOCKOUT_DURATION must be positive")
	}
	if c.TwoFactor.BackupCodeCount < 1 {
		return fmt.Errorf("config: BACKUP_CODE_COUNT must be >= 1")
	}
	if c.TwoFactor.Issuer == "" {
		return fmt.Errorf("config: TOTP_ISSUER must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
