package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port     string
	APIToken string

	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string

	LogLevel  string
	LogFormat string
	LogFile   string

	JobPollInterval  time.Duration
	JobWindow        time.Duration
	JobBatchSize     int
	TaskPollInterval time.Duration
	FlowIdleWindow   time.Duration
	TagWorkers       int

	DefaultCompanyID int64
	PhoneCountryCode string
	PhonePattern     string

	WhatsAppAPIURL      string
	WhatsAppAPIVersion  string
	WhatsAppAppSecret   string // verifies X-Hub-Signature-256 when set
	WebhookVerifyToken  string
	CredentialsCacheTTL time.Duration

	RabbitURL            string
	RabbitQueue          string
	RabbitQueuePrefix    string
	RabbitSpecificEvents []string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:               getenv("PORT", "8080"),
		APIToken:           os.Getenv("API_TOKEN"),
		DatabaseDriver:     strings.ToLower(getenv("DATABASE_DRIVER", "postgres")),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LogFormat:          os.Getenv("LOG_FORMAT"),
		LogFile:            os.Getenv("LOG_FILE"),
		PhoneCountryCode:   getenv("PHONE_COUNTRY_CODE", "55"),
		PhonePattern:       getenv("PHONE_PATTERN", `^[1-9]\d{9,14}$`),
		WhatsAppAPIURL:     getenv("WHATSAPP_API_URL", "https://graph.facebook.com"),
		WhatsAppAPIVersion: getenv("WHATSAPP_API_VERSION", "v21.0"),
		WhatsAppAppSecret:  os.Getenv("WHATSAPP_APP_SECRET"),
		WebhookVerifyToken: os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		RabbitURL:          os.Getenv("RABBITMQ_URL"),
		RabbitQueue:        getenv("RABBITMQ_QUEUE", "autoflow_events"),
		RabbitQueuePrefix:  getenv("RABBITMQ_QUEUE_PREFIX", "wuzapi"),
	}

	if specific := os.Getenv("AMQP_SPECIFIC_EVENTS"); specific != "" {
		for _, ev := range strings.Split(specific, ",") {
			if ev = strings.TrimSpace(ev); ev != "" {
				cfg.RabbitSpecificEvents = append(cfg.RabbitSpecificEvents, ev)
			}
		}
	}

	var err error
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"JOB_POLL_INTERVAL", "5s", &cfg.JobPollInterval},
		{"JOB_WINDOW", "2m", &cfg.JobWindow},
		{"TASK_POLL_INTERVAL", "30s", &cfg.TaskPollInterval},
		{"FLOW_IDLE_WINDOW", "24h", &cfg.FlowIdleWindow},
		{"CREDENTIALS_CACHE_TTL", "5m", &cfg.CredentialsCacheTTL},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getenv(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if cfg.JobBatchSize, err = strconv.Atoi(getenv("JOB_BATCH_SIZE", "10")); err != nil {
		return nil, fmt.Errorf("invalid JOB_BATCH_SIZE: %w", err)
	}
	if cfg.TagWorkers, err = strconv.Atoi(getenv("TAG_TRIGGER_WORKERS", "16")); err != nil {
		return nil, fmt.Errorf("invalid TAG_TRIGGER_WORKERS: %w", err)
	}
	if cfg.DefaultCompanyID, err = strconv.ParseInt(getenv("DEFAULT_COMPANY_ID", "1"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_COMPANY_ID: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("driver", cfg.DatabaseDriver).
		Dur("jobPollInterval", cfg.JobPollInterval).
		Dur("jobWindow", cfg.JobWindow).
		Dur("taskPollInterval", cfg.TaskPollInterval).
		Msg("Configuration loading attempt complete.")
	return cfg, nil
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.JobBatchSize <= 0 {
		return fmt.Errorf("JOB_BATCH_SIZE must be positive")
	}
	if c.TagWorkers <= 0 {
		return fmt.Errorf("TAG_TRIGGER_WORKERS must be positive")
	}
	if c.JobPollInterval <= 0 || c.TaskPollInterval <= 0 || c.JobWindow <= 0 {
		return fmt.Errorf("poll intervals and job window must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
