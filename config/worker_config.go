package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue backends.
const (
	QueueBackendRedis  = "redis"
	QueueBackendMemory = "memory"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage
	DatabaseURL   string
	RedisURL      string
	NATSURL       string
	StoreDir      string
	DBMaxConns    int
	RedisPoolSize int

	// Token encryption (empty stores tokens as-is)
	EncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Queue
	QueueBackend      string
	QueueConcurrency  int
	QueuePollInterval time.Duration
	QueueRetention    time.Duration
	QueuePrefix       string

	// Worker
	WorkerID string

	// Sync
	SyncPageSize        int
	SyncDetailBatchSize int
	SyncInsertBatchSize int
	SyncCheckpointPages int
	SyncMaxJobRetries   int
	SyncDetailRPS       float64
	FetchConcurrency    int

	// Scheduler
	SchedulerEnabled      bool
	DeltaSyncInterval     time.Duration
	DeltaSyncInitialDelay time.Duration
	DeltaAccountTimeout   time.Duration // 0 = no per-account deadline
	RetryScanInterval     time.Duration

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	redisURL := getEnv("REDIS_URL", "")
	defaultBackend := QueueBackendMemory
	if redisURL != "" {
		defaultBackend = QueueBackendRedis
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      redisURL,
		NATSURL:       getEnv("NATS_URL", ""),
		StoreDir:      getEnv("STORE_DIR", "./data/mailboxes"),
		DBMaxConns:    getEnvInt("DB_MAX_CONNS", 25),
		RedisPoolSize: getEnvInt("REDIS_POOL_SIZE", 20),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", defaultBackend)),
		QueueConcurrency:  getEnvInt("QUEUE_CONCURRENCY", 3),
		QueuePollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
		QueueRetention:    getEnvDuration("QUEUE_RETENTION", 24*time.Hour),
		QueuePrefix:       getEnv("QUEUE_PREFIX", "inboxorcist"),

		WorkerID: getEnv("WORKER_ID", generateWorkerID()),

		SyncPageSize:        getEnvInt("SYNC_PAGE_SIZE", 500),
		SyncDetailBatchSize: getEnvInt("SYNC_DETAIL_BATCH_SIZE", 50),
		SyncInsertBatchSize: getEnvInt("SYNC_INSERT_BATCH_SIZE", 100),
		SyncCheckpointPages: getEnvInt("SYNC_CHECKPOINT_PAGES", 5),
		SyncMaxJobRetries:   getEnvInt("SYNC_MAX_JOB_RETRIES", 5),
		SyncDetailRPS:       getEnvFloat("SYNC_DETAIL_RPS", 20),
		FetchConcurrency:    getEnvInt("SYNC_FETCH_CONCURRENCY", 10),

		SchedulerEnabled:      getEnvBool("SCHEDULER_ENABLED", true),
		DeltaSyncInterval:     getEnvDuration("DELTA_SYNC_INTERVAL", 30*time.Minute),
		DeltaSyncInitialDelay: getEnvDuration("DELTA_SYNC_INITIAL_DELAY", time.Minute),
		DeltaAccountTimeout:   getEnvDuration("DELTA_SYNC_ACCOUNT_TIMEOUT", 5*time.Minute),
		RetryScanInterval:     getEnvDuration("RETRY_SCAN_INTERVAL", time.Minute),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the process cannot start with.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_URL")
		}
	case QueueBackendMemory:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q (want redis or memory)", c.QueueBackend)
	}
	if c.QueueConcurrency <= 0 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be positive, got %d", c.QueueConcurrency)
	}
	if c.SyncPageSize > 500 {
		return fmt.Errorf("SYNC_PAGE_SIZE must not exceed 500, got %d", c.SyncPageSize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
