// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"cookroom/internal/assistant"
)

// ErrMissingAPIKey is returned when AI_API_KEY is unset. There is no built-in key.
var ErrMissingAPIKey = errors.New("AI_API_KEY is not set")

type Config struct {
	Port           int           `envconfig:"PORT" default:"3000" validate:"min=1,max=65535"`
	APIKey         string        `envconfig:"AI_API_KEY"`
	AIEndpoint     string        `envconfig:"AI_ENDPOINT" validate:"omitempty,url"`
	AITimeout      time.Duration `envconfig:"AI_TIMEOUT" default:"30s" validate:"gt=0"`
	StaticDir      string        `envconfig:"STATIC_DIR" default:"public" validate:"required"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	MaxHistory     int           `envconfig:"MAX_HISTORY" default:"500" validate:"min=0"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:"*" validate:"min=1"`
}

var validate = validator.New()

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Config{}, ErrMissingAPIKey
	}
	if cfg.AIEndpoint == "" {
		cfg.AIEndpoint = assistant.DefaultEndpoint
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.Level()}))
}
