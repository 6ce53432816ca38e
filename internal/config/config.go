package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	envPrefix = "gosocial"

	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

type Config struct {
	ServerAddr     string        `envconfig:"ADDR" default:"localhost:8000"`
	DatabaseDSN    string        `envconfig:"DSN"`
	Store          string        `envconfig:"STORE" default:"postgres"`
	BadgerDir      string        `envconfig:"BADGER_DIR"`
	SigningSecret  string        `envconfig:"SIGNING_KEY"`
	SigningKey     []byte        `ignored:"true"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS"`
	RedisURL       string        `envconfig:"REDIS_URL"`
	TypingTimeout  time.Duration `envconfig:"TYPING_TIMEOUT" default:"5s"`
	EventRate      float64       `envconfig:"EVENT_RATE" default:"20"`
	EventBurst     int           `envconfig:"EVENT_BURST" default:"40"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	Migrate        bool          `envconfig:"MIGRATE" default:"true"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}

	return base64.StdEncoding.DecodeString(base64Secret)
}

// Load reads an optional .env file from envFile and then the GOSOCIAL_*
// environment variables into a Config. The result is not validated.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	return &cfg, nil
}

// Validate checks required settings and decodes the signing secret.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.Store {
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database DSN cannot be empty")
		}
	case StoreBadger:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	if c.TypingTimeout <= 0 {
		return fmt.Errorf("typing timeout must be positive")
	}

	if c.EventRate <= 0 || c.EventBurst <= 0 {
		return fmt.Errorf("event rate and burst must be positive")
	}

	return nil
}
