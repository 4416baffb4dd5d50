package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	AWSRegion string

	// Send queue
	UseSMSQueue      bool
	QueueBackend     string // redis or sqs
	MaxSMSBatchSize  int
	QueueConcurrency int
	QueueMaxAttempts int
	QueueBackoff     time.Duration
	SQSRegion        string
	SQSQueueURL      string

	// Push transport
	PushProvider            string // fcm, sns or log
	FirebaseCredentialsFile string
	FirebaseProjectID       string
	SNSRegion               string
	SNSEndpoint             string

	// Webhook config
	WebhookTimeout int // seconds

	// Background tasks
	StatusTimeout          time.Duration
	SweepInterval          time.Duration
	WebhookSweepInterval   time.Duration
	HeartbeatCheckInterval time.Duration
	HeartbeatStaleAfter    time.Duration

	// Capability limits, -1 disables the window
	DailySMSLimit   int
	MonthlySMSLimit int
	BulkSendLimit   int

	// API throttling
	APIRateLimit       int // requests per minute per user
	DeviceRateLimit    int // device callbacks per minute per IP
	IdempotencyTTLHour int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "smsgate",
		DBName:    "smsgate",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		QueueBackend:     "redis",
		MaxSMSBatchSize:  5,
		QueueConcurrency: 4,
		QueueMaxAttempts: 3,
		QueueBackoff:     time.Second,

		PushProvider: "fcm",

		WebhookTimeout: 10,

		StatusTimeout:          20 * time.Minute,
		SweepInterval:          5 * time.Minute,
		WebhookSweepInterval:   3 * time.Minute,
		HeartbeatCheckInterval: 5 * time.Minute,
		HeartbeatStaleAfter:    30 * time.Minute,

		DailySMSLimit:   -1,
		MonthlySMSLimit: -1,
		BulkSendLimit:   -1,

		APIRateLimit:       100,
		DeviceRateLimit:    120,
		IdempotencyTTLHour: 24,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// Queue config
	if v := os.Getenv("USE_SMS_QUEUE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid USE_SMS_QUEUE: %w", err)
		}
		cfg.UseSMSQueue = b
	}

	if backend := os.Getenv("QUEUE_BACKEND"); backend != "" {
		backend = strings.ToLower(backend)
		if backend != "redis" && backend != "sqs" {
			return nil, fmt.Errorf("invalid QUEUE_BACKEND: %q", backend)
		}
		cfg.QueueBackend = backend
	}

	ints := []struct {
		key       string
		dst       *int
		unlimited bool // accepts -1
	}{
		{"MAX_SMS_BATCH_SIZE", &cfg.MaxSMSBatchSize, false},
		{"QUEUE_CONCURRENCY", &cfg.QueueConcurrency, false},
		{"QUEUE_MAX_ATTEMPTS", &cfg.QueueMaxAttempts, false},
		{"WEBHOOK_TIMEOUT", &cfg.WebhookTimeout, false},
		{"DAILY_SMS_LIMIT", &cfg.DailySMSLimit, true},
		{"MONTHLY_SMS_LIMIT", &cfg.MonthlySMSLimit, true},
		{"BULK_SEND_LIMIT", &cfg.BulkSendLimit, true},
		{"API_RATE_LIMIT", &cfg.APIRateLimit, false},
		{"DEVICE_RATE_LIMIT", &cfg.DeviceRateLimit, false},
		{"IDEMPOTENCY_TTL_HOURS", &cfg.IdempotencyTTLHour, false},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", e.key, err)
			}
			if n < 0 && !(e.unlimited && n == -1) {
				return nil, fmt.Errorf("invalid %s: must not be negative", e.key)
			}
			*e.dst = n
		}
	}
	if cfg.MaxSMSBatchSize == 0 {
		return nil, errors.New("invalid MAX_SMS_BATCH_SIZE: must be positive")
	}

	if ms := os.Getenv("QUEUE_BACKOFF_MS"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_BACKOFF_MS: %w", err)
		}
		cfg.QueueBackoff = time.Duration(n) * time.Millisecond
	}

	minutes := []struct {
		key string
		dst *time.Duration
	}{
		{"STATUS_TIMEOUT_MINUTES", &cfg.StatusTimeout},
		{"SWEEP_INTERVAL_MINUTES", &cfg.SweepInterval},
		{"WEBHOOK_SWEEP_INTERVAL_MINUTES", &cfg.WebhookSweepInterval},
		{"HEARTBEAT_CHECK_INTERVAL_MINUTES", &cfg.HeartbeatCheckInterval},
		{"HEARTBEAT_STALE_MINUTES", &cfg.HeartbeatStaleAfter},
	}
	for _, e := range minutes {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", e.key, err)
			}
			if n <= 0 {
				return nil, fmt.Errorf("invalid %s: must be positive", e.key)
			}
			*e.dst = time.Duration(n) * time.Minute
		}
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if cfg.UseSMSQueue && cfg.QueueBackend == "sqs" && cfg.SQSQueueURL == "" {
		return nil, errors.New("SQS_QUEUE_URL is required when QUEUE_BACKEND=sqs")
	}

	// Push config
	if provider := os.Getenv("PUSH_PROVIDER"); provider != "" {
		provider = strings.ToLower(provider)
		switch provider {
		case "fcm", "sns", "log":
		default:
			return nil, fmt.Errorf("invalid PUSH_PROVIDER: %q", provider)
		}
		cfg.PushProvider = provider
	}

	if file := os.Getenv("FIREBASE_CREDENTIALS_FILE"); file != "" {
		cfg.FirebaseCredentialsFile = file
	}

	if project := os.Getenv("FIREBASE_PROJECT_ID"); project != "" {
		cfg.FirebaseProjectID = project
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if endpoint := os.Getenv("SNS_ENDPOINT"); endpoint != "" {
		cfg.SNSEndpoint = endpoint
	}

	return cfg, nil
}

// QuotaEnabled reports whether any capability limit is set.
func (c *Config) QuotaEnabled() bool {
	return c.DailySMSLimit >= 0 || c.MonthlySMSLimit >= 0 || c.BulkSendLimit >= 0
}

// IdempotencyTTL is how long a send request's result is replayed.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHour) * time.Hour
}
