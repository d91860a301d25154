// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string // empty disables the gRPC health endpoint
	FrontendURL string
	CORSOrigins []string

	Store StoreConfig

	HistoryLimit           int
	PublicRooms            []string
	SendRequiresMembership bool

	Redis RedisConfig

	AuthJWTSecret string

	EventRate      float64
	EventBurst     int
	SessionIdleTTL time.Duration

	Log LogConfig
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver        string // "sqlite" or "mongo"
	DBPath        string
	MongoURI      string
	MongoDatabase string
}

// RedisConfig configures the optional cross-node fan-out backplane.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string
	File       string // optional rotating file sink
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", ""),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		Store: StoreConfig{
			Driver:        strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
			DBPath:        getEnv("DB_PATH", "./data/hutchat.db"),
			MongoURI:      getEnv("MONGODB_URI", ""),
			MongoDatabase: getEnv("MONGODB_DATABASE", "hutchat"),
		},
		HistoryLimit:           getEnvInt("HISTORY_LIMIT", 50),
		PublicRooms:            getEnvList("PUBLIC_ROOMS", []string{"world", "gaming", "music", "sports", "memes"}),
		SendRequiresMembership: getEnvBool("SEND_REQUIRES_MEMBERSHIP", false),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_CHANNEL", "hutchat:fanout"),
		},
		AuthJWTSecret:  getEnv("AUTH_JWT_SECRET", ""),
		EventRate:      getEnvFloat("EVENT_RATE", 20),
		EventBurst:     getEnvInt("EVENT_BURST", 40),
		SessionIdleTTL: getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI cannot be empty when STORE_DRIVER=mongo")
		}
		if c.Store.MongoDatabase == "" {
			return fmt.Errorf("MONGODB_DATABASE cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or mongo, got %q", c.Store.Driver)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Redis.Enabled() && c.Redis.Channel == "" {
		return fmt.Errorf("REDIS_CHANNEL cannot be empty")
	}
	if c.EventRate <= 0 {
		return fmt.Errorf("EVENT_RATE must be > 0")
	}
	if c.EventBurst <= 0 {
		return fmt.Errorf("EVENT_BURST must be > 0")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AuthEnabled reports whether bearer tokens are verified.
func (c *Config) AuthEnabled() bool {
	return c.AuthJWTSecret != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
