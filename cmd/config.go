package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

// Config is read from the environment only here.
type Config struct {
	ParamPrefix string `env:"PARAM_PREFIX,required=true" validate:"required,startswith=/"`

	StateBackend string        `env:"STATE_BACKEND,default=dynamodb" validate:"oneof=dynamodb memory"`
	StateTable   string        `env:"STATE_TABLE" validate:"required_if=StateBackend dynamodb"`
	StateTTL     time.Duration `env:"STATE_TTL,default=1h" validate:"gt=0"`

	CacheBackend  string        `env:"CACHE_BACKEND,default=redis" validate:"oneof=redis badger memory"`
	RedisAddr     string        `env:"REDIS_ADDR,default=localhost:6379" validate:"required_if=CacheBackend redis"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB,default=0" validate:"gte=0"`
	BadgerPath    string        `env:"BADGER_PATH,default=/tmp/plant-doctor-cache"`
	CacheTTL      time.Duration `env:"CACHE_TTL,default=24h" validate:"gt=0"`

	MinConfidence       int           `env:"MIN_CONFIDENCE,default=50" validate:"gte=1,lte=100"`
	MaxRequestsPerHour  int           `env:"MAX_REQUESTS_PER_HOUR,default=30" validate:"gte=1"`
	ClassifyMaxAttempts int           `env:"CLASSIFY_MAX_ATTEMPTS,default=3" validate:"gte=1,lte=10"`
	ClassifyRetryDelay  time.Duration `env:"CLASSIFY_RETRY_DELAY,default=1s" validate:"gt=0"`

	GeminiModel   string  `env:"GEMINI_MODEL,default=gemini-2.0-flash-lite" validate:"required"`
	GeminiBaseURL string  `env:"GEMINI_BASE_URL,default=https://generativelanguage.googleapis.com/v1beta" validate:"required,url"`
	GeminiRPS     float64 `env:"GEMINI_RPS,default=5" validate:"gt=0"`

	MaxImageBytes int    `env:"MAX_IMAGE_BYTES,default=5242880" validate:"gte=1"`
	LogLevel      string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
}

func loadConfig(es env.EnvSet) (Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	cfg.StateBackend = strings.ToLower(strings.TrimSpace(cfg.StateBackend))
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func (c Config) slogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
