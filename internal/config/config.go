// Package config provides configuration management for the SPWorlds gateway
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	SPWorlds SPWorldsConfig
	LogLevel string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	PublicURL    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds database configuration. An empty DSN keeps all
// records in memory.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// RedisConfig holds the replay guard backend. An empty Addr keeps the
// guard in memory.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	ReplayTTL time.Duration
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	JWTSecret     string
	TokenExpiry   time.Duration
	AdminUser     string
	AdminPassHash string
}

// SPWorldsConfig holds the card credentials and API endpoint selection
type SPWorldsConfig struct {
	CardID    string
	CardToken string
	Timeout   time.Duration
	Endpoint  string
	Mirror    bool
}

// Load loads configuration from the environment and an optional .env file.
// A missing .env is not an error; an unreadable or malformed one is.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SPW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Config{
		Server: ServerConfig{
			Port:         v.GetString("port"),
			PublicURL:    strings.TrimRight(v.GetString("public_url"), "/"),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: v.GetString("db_driver"),
			DSN:    v.GetString("db_dsn"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis_addr"),
			Password:  v.GetString("redis_password"),
			DB:        v.GetInt("redis_db"),
			ReplayTTL: v.GetDuration("replay_ttl"),
		},
		Auth: AuthConfig{
			JWTSecret:     v.GetString("jwt_secret"),
			TokenExpiry:   v.GetDuration("token_expiry"),
			AdminUser:     v.GetString("admin_user"),
			AdminPassHash: v.GetString("admin_password_hash"),
		},
		SPWorlds: SPWorldsConfig{
			CardID:    v.GetString("card_id"),
			CardToken: v.GetString("card_token"),
			Timeout:   v.GetDuration("timeout"),
			Endpoint:  v.GetString("endpoint"),
			Mirror:    v.GetBool("mirror"),
		},
		LogLevel: v.GetString("log_level"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("db_driver", "postgres")
	v.SetDefault("redis_db", 0)
	v.SetDefault("replay_ttl", 24*time.Hour)
	v.SetDefault("jwt_secret", "spworlds-dev-secret-change-in-production")
	v.SetDefault("token_expiry", 12*time.Hour)
	v.SetDefault("admin_user", "admin")
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
}

// Validate reports missing settings the gateway cannot start without
func (c *Config) Validate() error {
	if c.SPWorlds.CardID == "" || c.SPWorlds.CardToken == "" {
		return errors.New("SPW_CARD_ID and SPW_CARD_TOKEN are required")
	}
	if c.Auth.AdminPassHash == "" {
		return errors.New("SPW_ADMIN_PASSWORD_HASH is required")
	}
	return nil
}
