package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every runtime setting, decoded once at startup.
// Values come from the environment, optionally seeded by a .env file.
type Config struct {
	DBDriver string // "postgres" or "sqlite"
	DBDSN    string

	RabbitURL   string
	RabbitQueue string

	NatsURL string

	MediaDir      string
	TranscribeURL string

	Concurrency int     // ingestion worker pool size
	RatePerSec  float64 // ingestion jobs per second

	AIBaseURL string
	AIModel   string

	S3 S3Options

	QRTerminal bool

	LogLevel  string
	LogFormat string
}

// LoadConfig reads the environment (and .env if present) into a Config
// with defaults applied here, not at call sites.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		DBDriver:      envOr("DATABASE_DRIVER", "postgres"),
		DBDSN:         os.Getenv("DATABASE_DSN"),
		RabbitURL:     os.Getenv("RABBITMQ_URL"),
		RabbitQueue:   envOr("RABBITMQ_QUEUE", "zapcrm_inbound"),
		NatsURL:       os.Getenv("NATS_URL"),
		MediaDir:      envOr("MEDIA_DIR", "uploads"),
		TranscribeURL: os.Getenv("TRANSCRIBE_URL"),
		Concurrency:   envInt("WORKER_CONCURRENCY", 10),
		RatePerSec:    float64(envInt("WORKER_RATE", 50)),
		AIBaseURL:     envOr("AI_BASE_URL", "https://api.openai.com/v1"),
		AIModel:       envOr("AI_MODEL", "gpt-4o-mini"),
		S3: S3Options{
			Endpoint:      os.Getenv("S3_ENDPOINT"),
			Region:        envOr("S3_REGION", "us-east-1"),
			Bucket:        os.Getenv("S3_BUCKET"),
			AccessKey:     os.Getenv("S3_ACCESS_KEY"),
			SecretKey:     os.Getenv("S3_SECRET_KEY"),
			PathStyle:     os.Getenv("S3_PATH_STYLE") == "true",
			PublicURL:     os.Getenv("S3_PUBLIC_URL"),
			RetentionDays: envInt("S3_RETENTION_DAYS", 0),
		},
		QRTerminal:    os.Getenv("QR_TERMINAL") == "true",
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "console"),
	}

	if cfg.DBDriver == "sqlite" && cfg.DBDSN == "" {
		cfg.DBDSN = "file:zapcrm.db?_pragma=foreign_keys(1)"
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer env value, using default")
		return def
	}
	return n
}
