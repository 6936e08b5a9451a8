package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the dispatcher configuration.
type Config struct {
	RabbitMQURL        string
	RedisURL           string
	TemplateServiceURL string
	DatabaseURL        string

	SendGridAPIKey    string
	SendGridFromEmail string

	FCMProjectID   string
	FCMClientEmail string
	FCMPrivateKey  string

	RetryBaseInterval time.Duration
	RetryMaxAttempts  int
	RetryMaxBackoff   time.Duration
	WorkerCount       int
	TemplateCacheTTL  time.Duration

	MetricsAddr string
	LogLevel    string
}

// Load loads the configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	return &Config{
		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		TemplateServiceURL: getEnv("TEMPLATE_SERVICE_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		SendGridAPIKey:     getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:  getEnv("SENDGRID_FROM_EMAIL", ""),
		FCMProjectID:       getEnv("FCM_PROJECT_ID", ""),
		FCMClientEmail:     getEnv("FCM_CLIENT_EMAIL", ""),
		// Private keys passed through env files usually carry escaped newlines.
		FCMPrivateKey:     strings.ReplaceAll(getEnv("FCM_PRIVATE_KEY", ""), `\n`, "\n"),
		RetryBaseInterval: getEnvAsDuration("RETRY_BASE_INTERVAL", 5*time.Minute),
		RetryMaxAttempts:  getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		RetryMaxBackoff:   getEnvAsDuration("RETRY_MAX_BACKOFF", 6*time.Hour),
		WorkerCount:       getEnvAsInt("WORKER_COUNT", 5),
		TemplateCacheTTL:  getEnvAsDuration("TEMPLATE_CACHE_TTL", 24*time.Hour),
		MetricsAddr:       getEnv("METRICS_ADDR", ":9090"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}, nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("invalid duration for %s; using default %s", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("invalid integer for %s; using default %d", key, defaultValue)
	}
	return defaultValue
}
