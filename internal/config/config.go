package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all runtime settings. Values come from the environment,
// optionally seeded from a .env file during development.
type Config struct {
	Addr string

	PostgresDSN string
	RedisURL    string

	JWTSecret      string
	JWTIssuer      string
	AccessTokenTTL time.Duration

	// EncryptionKey protects TOTP secrets and backup codes at rest.
	// 64 hex characters (32 bytes).
	EncryptionKey string

	MaxRequestBytes int64

	// AllowedOrigins is the CORS allow-list. "*" allows any origin.
	AllowedOrigins []string
}

// Load reads configuration from the environment. A missing .env file is not
// an error; explicit environment variables always win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:            getenv("PESATRACK_ADDR", ":8080"),
		PostgresDSN:     os.Getenv("PESATRACK_PG_DSN"),
		RedisURL:        os.Getenv("PESATRACK_REDIS_URL"),
		JWTSecret:       os.Getenv("PESATRACK_JWT_SECRET"),
		JWTIssuer:       getenv("PESATRACK_JWT_ISSUER", "pesatrack"),
		EncryptionKey:   os.Getenv("PESATRACK_ENCRYPTION_KEY"),
		AccessTokenTTL:  30 * time.Minute,
		MaxRequestBytes: 50 << 20,
	}

	if raw := os.Getenv("PESATRACK_ACCESS_TOKEN_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PESATRACK_ACCESS_TOKEN_TTL: %w", err)
		}
		cfg.AccessTokenTTL = ttl
	}
	if raw := os.Getenv("PESATRACK_MAX_REQUEST_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse PESATRACK_MAX_REQUEST_BYTES: %w", err)
		}
		cfg.MaxRequestBytes = n
	}
	cfg.AllowedOrigins = []string{"*"}
	if raw := os.Getenv("PESATRACK_CORS_ORIGINS"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			cfg.AllowedOrigins = origins
		}
	}

	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("PESATRACK_PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("PESATRACK_JWT_SECRET is required")
	}
	if cfg.EncryptionKey == "" {
		return Config{}, fmt.Errorf("PESATRACK_ENCRYPTION_KEY is required")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
