package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ServerAddress string `envconfig:"SERVER_ADDRESS" default:":8080"`
	DatabaseURL   string `envconfig:"DATABASE_URL" default:"sqlite://data/messenger.db"`

	// AuthServerVerify is the authority's token verification endpoint.
	// When empty, tokens are verified locally with JWTSecret.
	AuthServerVerify string        `envconfig:"AUTH_SERVER_VERIFY"`
	AuthUsersURL     string        `envconfig:"AUTH_USERS_URL"`
	AuthTimeout      time.Duration `envconfig:"AUTH_TIMEOUT" default:"5s"`
	JWTSecret        string        `envconfig:"JWT_SECRET"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// NATSURL switches the broadcast bus from in-process to NATS.
	NATSURL           string `envconfig:"NATS_URL"`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"chatrelay"`

	CORSOrigin       string   `envconfig:"CORS_ORIGIN" default:"http://localhost:3000"`
	WSAllowedOrigins []string `envconfig:"WS_ALLOWED_ORIGINS"`
	WSSendBuffer     int      `envconfig:"WS_SEND_BUFFER" default:"256"`
	WSVerifyToken    bool     `envconfig:"WS_VERIFY_TOKEN" default:"true"`
	WSHandshakeRPS   float64  `envconfig:"WS_HANDSHAKE_RPS" default:"5"`
	WSHandshakeBurst int      `envconfig:"WS_HANDSHAKE_BURST" default:"20"`

	MessagePageDefault int `envconfig:"MESSAGE_PAGE_DEFAULT" default:"50"`
	MessagePageMax     int `envconfig:"MESSAGE_PAGE_MAX" default:"200"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.AuthServerVerify == "" && c.JWTSecret == "" {
		return fmt.Errorf("one of AUTH_SERVER_VERIFY or JWT_SECRET must be set")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("AUTH_TIMEOUT must be positive, got %s", c.AuthTimeout)
	}
	if c.MessagePageDefault <= 0 || c.MessagePageDefault > c.MessagePageMax {
		return fmt.Errorf("MESSAGE_PAGE_DEFAULT must be in (0, MESSAGE_PAGE_MAX], got %d/%d",
			c.MessagePageDefault, c.MessagePageMax)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.WSSendBuffer)
	}
	return nil
}

// CleanDatabasePath returns a filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			return dbPath
		}
		dbPath = filepath.Join(cwd, dbPath)
	}
	return dbPath
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

// Level maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Redacted is the config as logged at startup.
func (c Config) Redacted() Config {
	if c.JWTSecret != "" {
		c.JWTSecret = "***"
	}
	return c
}
