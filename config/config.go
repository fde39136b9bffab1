package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
// Unrecognized environment keys are ignored.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	SMTP      SMTPConfig
	Scheduler SchedulerConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings for the delay queue and the
// rate-limit counters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SMTPConfig holds settings for the outbound mail transport.
type SMTPConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	FromAddress string
	FromName    string
}

// SchedulerConfig holds the dispatch tuning knobs.
type SchedulerConfig struct {
	WorkerConcurrency         int           // parallel dispatches
	MaxEmailsPerHourPerSender int           // per-sender hourly cap
	GlobalMaxEmailsPerHour    int           // global hourly cap
	MinDelayBetweenEmails     time.Duration // per-dispatch throttle inside a worker slot
	QueueRateLimit            int           // pool-wide dispatches per second
	TransportRetryAttempts    int           // transport-failure retries before dead
	TransportBackoffBase      time.Duration // first transport retry delay, doubled per attempt
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Port string
}

// DSN returns the PostgreSQL connection string. If DatabaseConfig.URL is set
// it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "outbox"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		SMTP: SMTPConfig{
			Host:        getEnv("SMTP_HOST", "localhost"),
			Port:        getEnvInt("SMTP_PORT", 587),
			User:        getEnv("SMTP_USER", ""),
			Password:    getEnv("SMTP_PASS", ""),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@outbox.dev"),
			FromName:    getEnv("EMAIL_FROM_NAME", "OutBox"),
		},
		Scheduler: SchedulerConfig{
			WorkerConcurrency:         getEnvInt("WORKER_CONCURRENCY", 5),
			MaxEmailsPerHourPerSender: getEnvInt("MAX_EMAILS_PER_HOUR_PER_SENDER", 50),
			GlobalMaxEmailsPerHour:    getEnvInt("GLOBAL_MAX_EMAILS_PER_HOUR", 200),
			MinDelayBetweenEmails:     time.Duration(getEnvInt("MIN_DELAY_BETWEEN_EMAILS_MS", 2000)) * time.Millisecond,
			QueueRateLimit:            getEnvInt("QUEUE_RATE_LIMIT_PER_SEC", 100),
			TransportRetryAttempts:    getEnvInt("TRANSPORT_RETRY_ATTEMPTS", 3),
			TransportBackoffBase:      time.Duration(getEnvInt("TRANSPORT_BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Port: getEnv("METRICS_PORT", "9090"),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
