package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/log"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DatabaseURL enables the Postgres dead-letter archive when set.
	DatabaseURL string

	NotifyWebhookURL string
	NotifyAuthToken  string

	DispatchInterval  time.Duration
	PromoteInterval   time.Duration
	DispatchBatchSize int
	PromoteBatchSize  int

	DefaultMaxAttempts int
	RetentionDays      int
	HandlerTimeout     time.Duration

	CleanupCron string
	DigestCron  string

	JWTSecret   string
	WorkerID    string
	Port        string
	MetricsPort string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set in the environment
		logger.Debugw("No .env file loaded", zap.Error(err))
	}

	cfg := &Config{
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyAuthToken:    os.Getenv("NOTIFY_AUTH_TOKEN"),
		DispatchInterval:   getEnvDuration("DISPATCH_INTERVAL", time.Second),
		PromoteInterval:    getEnvDuration("PROMOTE_INTERVAL", 5*time.Second),
		DispatchBatchSize:  getEnvInt("DISPATCH_BATCH_SIZE", 10),
		PromoteBatchSize:   getEnvInt("PROMOTE_BATCH_SIZE", 100),
		DefaultMaxAttempts: getEnvInt("DEFAULT_MAX_ATTEMPTS", 3),
		RetentionDays:      getEnvInt("RETENTION_DAYS", 7),
		HandlerTimeout:     getEnvDuration("HANDLER_TIMEOUT", 30*time.Second),
		CleanupCron:        getEnv("CLEANUP_CRON", "0 3 * * *"),
		DigestCron:         os.Getenv("DIGEST_CRON"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		WorkerID:           os.Getenv("WORKER_ID"),
		Port:               getEnv("PORT", "8080"),
		MetricsPort:        getEnv("METRICS_PORT", "2112"),
	}

	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.DefaultMaxAttempts < 1 {
		return nil, fmt.Errorf("DEFAULT_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.RetentionDays < 1 {
		return nil, fmt.Errorf("RETENTION_DAYS must be at least 1")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
		logger.Infow("Using generated worker id", zap.String("worker_id", cfg.WorkerID))
	}

	return cfg, nil
}

// Retention returns the job record TTL derived from RetentionDays.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
