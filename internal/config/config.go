package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Store selects the persistence backend: postgres or memory.
	Store string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config; RedisHost empty disables rate limiting, idempotency
	// and the run lock.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion         string
	SESFromEmail      string
	AlertEmailTo      []string
	SNSRegion         string
	SQSEventsQueueURL string

	// Push provider: log, fcm or sns
	PushProvider       string
	FCMProjectID       string
	FCMCredentialsPath string
	FCMCredentialsJSON string

	// Orchestrator
	CronSecret          string
	RunBatchDefault     int
	SchedulerInterval   time.Duration // 0 leaves scheduling to an external cron
	RenewalReminderDays int

	// Dispatch
	SendTimeout     time.Duration
	SendConcurrency int

	// Alerting
	AlertWebhookURL string
	AlertTimeout    time.Duration

	// Quiet hours, local time of each user
	QuietHoursEnabled bool
	QuietHoursStart   int
	QuietHoursEnd     int

	RateLimitEventsPerMin int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		Store:    "postgres",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "herald",
		DBName:    "herald",
		DBSSLMode: "disable",

		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "alerts@herald.local",

		PushProvider: "log",

		RunBatchDefault:     5,
		RenewalReminderDays: 3,

		SendTimeout:     10 * time.Second,
		SendConcurrency: 10,

		AlertTimeout: 10 * time.Second,

		QuietHoursStart: 22,
		QuietHoursEnd:   8,

		RateLimitEventsPerMin: 600,
	}

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)
	str("STORE", &cfg.Store)

	str("DB_HOST", &cfg.DBHost)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	str("REDIS_HOST", &cfg.RedisHost)
	str("REDIS_PASSWORD", &cfg.RedisPassword)

	str("AWS_REGION", &cfg.AWSRegion)
	str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	str("SQS_EVENTS_QUEUE_URL", &cfg.SQSEventsQueueURL)
	cfg.SNSRegion = cfg.AWSRegion
	str("SNS_REGION", &cfg.SNSRegion)

	if to := os.Getenv("ALERT_EMAIL_TO"); to != "" {
		for _, addr := range strings.Split(to, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.AlertEmailTo = append(cfg.AlertEmailTo, addr)
			}
		}
	}

	str("PUSH_PROVIDER", &cfg.PushProvider)
	str("FCM_PROJECT_ID", &cfg.FCMProjectID)
	str("FCM_CREDENTIALS_PATH", &cfg.FCMCredentialsPath)
	str("FCM_CREDENTIALS_JSON", &cfg.FCMCredentialsJSON)

	str("CRON_SECRET", &cfg.CronSecret)
	str("ALERT_WEBHOOK_URL", &cfg.AlertWebhookURL)

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"RUN_BATCH_DEFAULT", &cfg.RunBatchDefault},
		{"RENEWAL_REMINDER_DAYS", &cfg.RenewalReminderDays},
		{"SEND_CONCURRENCY", &cfg.SendConcurrency},
		{"QUIET_HOURS_START", &cfg.QuietHoursStart},
		{"QUIET_HOURS_END", &cfg.QuietHoursEnd},
		{"RATE_LIMIT_EVENTS_PER_MIN", &cfg.RateLimitEventsPerMin},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SEND_TIMEOUT", &cfg.SendTimeout},
		{"ALERT_TIMEOUT", &cfg.AlertTimeout},
		{"SCHEDULER_INTERVAL", &cfg.SchedulerInterval},
	}
	for _, e := range durations {
		if v := os.Getenv(e.key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", e.key, err)
			}
			*e.dst = d
		}
	}

	if v := os.Getenv("QUIET_HOURS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUIET_HOURS_ENABLED: %w", err)
		}
		cfg.QuietHoursEnabled = b
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the gateway cannot start with.
func (c *Config) Validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE %q: want postgres or memory", c.Store)
	}

	switch c.PushProvider {
	case "log", "sns":
	case "fcm":
		if c.FCMCredentialsPath == "" && c.FCMCredentialsJSON == "" {
			return fmt.Errorf("PUSH_PROVIDER=fcm requires FCM_CREDENTIALS_PATH or FCM_CREDENTIALS_JSON")
		}
	default:
		return fmt.Errorf("invalid PUSH_PROVIDER %q: want log, fcm or sns", c.PushProvider)
	}

	if c.QuietHoursStart < 0 || c.QuietHoursStart > 23 || c.QuietHoursEnd < 0 || c.QuietHoursEnd > 23 {
		return fmt.Errorf("quiet hours must be between 0 and 23, got %d-%d", c.QuietHoursStart, c.QuietHoursEnd)
	}
	if c.SendConcurrency < 1 {
		return fmt.Errorf("SEND_CONCURRENCY must be at least 1, got %d", c.SendConcurrency)
	}
	if c.RunBatchDefault < 1 || c.RunBatchDefault > 20 {
		return fmt.Errorf("RUN_BATCH_DEFAULT must be between 1 and 20, got %d", c.RunBatchDefault)
	}
	if c.SchedulerInterval < 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must not be negative")
	}
	return nil
}

// DatabaseURL builds the pgx connection string.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func (c *Config) RedisEnabled() bool { return c.RedisHost != "" }
