package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration
type Config struct {
	Port     string `toml:"port"`
	DBDriver string `toml:"db_driver"`
	DBConn   string `toml:"db_conn"`
	LogLevel string `toml:"log_level"`

	QueueDriver      string `toml:"queue_driver"`
	QueueConn        string `toml:"queue_conn"`
	TopicName        string `toml:"topic_name"`
	SubscriptionName string `toml:"subscription_name"`
	AuditTopicName   string `toml:"audit_topic_name"`
	MaxDeliveryCount int    `toml:"max_delivery_count"`

	RetryCount              int `toml:"retry_count"`
	RetryBaseMs             int `toml:"retry_base_ms"`
	BreakerFailureThreshold int `toml:"breaker_failure_threshold"`
	BreakerCooldownSeconds  int `toml:"breaker_cooldown_seconds"`
	TimeoutSeconds          int `toml:"timeout_seconds"`

	PollIntervalMs    int `toml:"poll_interval_ms"`
	ReceiveBatchSize  int `toml:"receive_batch_size"`
	ReceiveMaxWaitMs  int `toml:"receive_max_wait_ms"`
	IngestConcurrency int `toml:"ingest_concurrency"`

	SagaStaleAfterMinutes int    `toml:"saga_stale_after_minutes"`
	WatchdogSchedule      string `toml:"watchdog_schedule"`

	CacheSize              int `toml:"cache_size"`
	CacheCreditTTLSeconds  int `toml:"cache_credit_ttl_seconds"`
	CacheInvoiceTTLSeconds int `toml:"cache_invoice_ttl_seconds"`

	SMTPHost     string `toml:"smtp_host"`
	SMTPPort     string `toml:"smtp_port"`
	SMTPUsername string `toml:"smtp_username"`
	SMTPPassword string `toml:"smtp_password"`
	SenderEmail  string `toml:"sender_email"`
	AlertEmail   string `toml:"alert_email"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Port:     "8080",
		DBDriver: "postgres",
		DBConn:   "host=localhost port=5436 user=test password=test dbname=credito sslmode=disable",
		LogLevel: "INFO",

		QueueDriver:      "memory",
		TopicName:        "integrar-credito-constituido-entry",
		SubscriptionName: "credito-processor",
		AuditTopicName:   "consulta-credito-log",
		MaxDeliveryCount: 10,

		RetryCount:              3,
		RetryBaseMs:             1000,
		BreakerFailureThreshold: 5,
		BreakerCooldownSeconds:  30,
		TimeoutSeconds:          30,

		PollIntervalMs:    500,
		ReceiveBatchSize:  10,
		ReceiveMaxWaitMs:  100,
		IngestConcurrency: 4,

		SagaStaleAfterMinutes: 15,
		WatchdogSchedule:      "@every 1m",

		CacheSize:              1024,
		CacheCreditTTLSeconds:  600,
		CacheInvoiceTTLSeconds: 300,

		SMTPPort: "587",
	}
}

// NewConfig loads configuration from an optional TOML file named by CONFIG_FILE,
// then applies environment variables on top
func NewConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.DBConn = getEnv("DB_CONN", cfg.DBConn)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.QueueDriver = getEnv("QUEUE_DRIVER", cfg.QueueDriver)
	cfg.QueueConn = getEnv("QUEUE_CONN", cfg.QueueConn)
	cfg.TopicName = getEnv("TOPIC_NAME", cfg.TopicName)
	cfg.SubscriptionName = getEnv("SUBSCRIPTION_NAME", cfg.SubscriptionName)
	cfg.AuditTopicName = getEnv("AUDIT_TOPIC_NAME", cfg.AuditTopicName)

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_DELIVERY_COUNT", &cfg.MaxDeliveryCount},
		{"RETRY_COUNT", &cfg.RetryCount},
		{"RETRY_BASE_MS", &cfg.RetryBaseMs},
		{"BREAKER_FAILURE_THRESHOLD", &cfg.BreakerFailureThreshold},
		{"BREAKER_COOLDOWN_SECONDS", &cfg.BreakerCooldownSeconds},
		{"TIMEOUT_SECONDS", &cfg.TimeoutSeconds},
		{"POLL_INTERVAL_MS", &cfg.PollIntervalMs},
		{"RECEIVE_BATCH_SIZE", &cfg.ReceiveBatchSize},
		{"RECEIVE_MAX_WAIT_MS", &cfg.ReceiveMaxWaitMs},
		{"INGEST_CONCURRENCY", &cfg.IngestConcurrency},
		{"SAGA_STALE_AFTER_MINUTES", &cfg.SagaStaleAfterMinutes},
		{"CACHE_SIZE", &cfg.CacheSize},
		{"CACHE_CREDIT_TTL_SECONDS", &cfg.CacheCreditTTLSeconds},
		{"CACHE_INVOICE_TTL_SECONDS", &cfg.CacheInvoiceTTLSeconds},
	}
	for _, e := range ints {
		v, err := getEnvInt(e.key, *e.dst)
		if err != nil {
			return nil, err
		}
		*e.dst = v
	}

	cfg.WatchdogSchedule = getEnv("WATCHDOG_SCHEDULE", cfg.WatchdogSchedule)
	cfg.SMTPHost = getEnv("SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPPort = getEnv("SMTP_PORT", cfg.SMTPPort)
	cfg.SMTPUsername = getEnv("SMTP_USERNAME", cfg.SMTPUsername)
	cfg.SMTPPassword = getEnv("SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.SenderEmail = getEnv("SENDER_EMAIL", cfg.SenderEmail)
	cfg.AlertEmail = getEnv("ALERT_EMAIL", cfg.AlertEmail)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	if c.DBConn == "" {
		return fmt.Errorf("DB_CONN is required")
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	switch c.QueueDriver {
	case "memory":
	case "postgres":
		if c.QueueConn == "" {
			return fmt.Errorf("QUEUE_CONN is required for the postgres queue driver")
		}
	default:
		return fmt.Errorf("QUEUE_DRIVER must be memory or postgres, got %q", c.QueueDriver)
	}
	if c.TopicName == "" || c.SubscriptionName == "" || c.AuditTopicName == "" {
		return fmt.Errorf("TOPIC_NAME, SUBSCRIPTION_NAME and AUDIT_TOPIC_NAME are required")
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("RETRY_COUNT must not be negative")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.TimeoutSeconds <= 0 || c.PollIntervalMs <= 0 || c.ReceiveBatchSize <= 0 {
		return fmt.Errorf("TIMEOUT_SECONDS, POLL_INTERVAL_MS and RECEIVE_BATCH_SIZE must be positive")
	}
	if c.IngestConcurrency <= 0 {
		c.IngestConcurrency = 1
	}
	return nil
}

// RetryBaseDelay is the unit of the exponential backoff
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

// BreakerCooldown is how long an open circuit rejects calls
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// Timeout bounds a whole protected call, retries included
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval is the pause between ingestion cycles
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ReceiveMaxWait bounds one receive call on the queue
func (c *Config) ReceiveMaxWait() time.Duration {
	return time.Duration(c.ReceiveMaxWaitMs) * time.Millisecond
}

// SagaStaleAfter is the age at which a non-terminal saga is reported
func (c *Config) SagaStaleAfter() time.Duration {
	return time.Duration(c.SagaStaleAfterMinutes) * time.Minute
}

// CacheCreditTTL is the lifetime of a cached credit lookup
func (c *Config) CacheCreditTTL() time.Duration {
	return time.Duration(c.CacheCreditTTLSeconds) * time.Second
}

// CacheInvoiceTTL is the lifetime of a cached invoice page
func (c *Config) CacheInvoiceTTL() time.Duration {
	return time.Duration(c.CacheInvoiceTTLSeconds) * time.Second
}

// AlertsEnabled reports whether saga failures are emailed to an operator
func (c *Config) AlertsEnabled() bool {
	return c.SMTPHost != "" && c.AlertEmail != "" && c.SenderEmail != ""
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
