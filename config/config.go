package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the service.
type Config struct {
	Port        string
	DatabaseURL string

	GraphBaseURL string

	WebhookVerifyToken string
	WebhookAppSecret   string
	WebhookPath        string

	GlobalWebhookURL string
	RabbitURL        string
	RabbitQueue      string

	PollInterval     time.Duration
	PollBatchSize    int
	BackfillInterval time.Duration
	RefreshInterval  time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables, loading a .env file
// first if one is present. Environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:               os.Getenv("PORT"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		GraphBaseURL:       os.Getenv("GRAPH_BASE_URL"),
		WebhookVerifyToken: os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		WebhookAppSecret:   os.Getenv("WEBHOOK_APP_SECRET"),
		WebhookPath:        os.Getenv("WEBHOOK_PATH"),
		GlobalWebhookURL:   os.Getenv("GLOBAL_WEBHOOK_URL"),
		RabbitURL:          os.Getenv("RABBITMQ_URL"),
		RabbitQueue:        os.Getenv("RABBITMQ_QUEUE"),
		PollInterval:       envDuration("POLL_INTERVAL", time.Minute),
		PollBatchSize:      envInt("POLL_BATCH_SIZE", 50),
		BackfillInterval:   envDuration("BACKFILL_INTERVAL", 15*time.Minute),
		RefreshInterval:    envDuration("TOKEN_REFRESH_INTERVAL", 6*time.Hour),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LogFormat:          os.Getenv("LOG_FORMAT"),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
		log.Info().Str("port", cfg.Port).Msg("PORT not set, using default")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "sqlite://data/instapilot.db"
		log.Info().Str("databaseURL", cfg.DatabaseURL).Msg("DATABASE_URL not set, using default")
	}
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = "https://graph.instagram.com"
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhooks/instagram"
		log.Info().Str("path", cfg.WebhookPath).Msg("WEBHOOK_PATH not set, using default")
	}
	if cfg.RabbitQueue == "" {
		cfg.RabbitQueue = "instapilot_outcomes"
	}

	return cfg, nil
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration, using default")
		return def
	}
	return d
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer, using default")
		return def
	}
	return n
}
