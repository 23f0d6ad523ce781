package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API, the worker pool and the
// sweeper.
type Config struct {
	Port string

	AuthToken          string
	CORSAllowedOrigins []string

	RateLimitRPS   float64
	RateLimitBurst int

	// DatabaseURL selects PostgreSQL; otherwise SQLitePath, otherwise memory.
	DatabaseURL string
	SQLitePath  string

	// RedisAddr selects the Redis queue; otherwise an in-process queue is used.
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisQueuePrefix string

	WorkerEnabled        bool
	WorkerPoolSize       int
	WorkerLeaseSeconds   int
	WorkerClaimPollMS    int
	WorkerClaimPollMaxMS int

	JobMaxAttempts   int
	JobMaxFileIDs    int
	EnqueueAttempts  int
	EnqueueBackoffMS int

	SweeperEnabled        bool
	SweepIntervalSeconds  int
	StallThresholdSeconds int
	RetentionSeconds      int

	StorageRoot          string
	SourceRoot           string
	StagingRoot          string
	AccessLinkTTLSeconds int
	AccessLinkSecret     string
	PublicBaseURL        string

	// FileSourceURL selects the upstream file service; otherwise SourceRoot.
	FileSourceURL        string
	FileSourceToken      string
	FileSourceTimeoutMS  int
	FileSourceMaxRetries int
}

func Load() Config {
	port := getEnv("PORT", "8080")
	return Config{
		Port: port,

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		RedisQueuePrefix: getEnv("REDIS_QUEUE_PREFIX", "download_jobs"),

		WorkerEnabled:        getEnvBool("WORKER_ENABLED", true),
		WorkerPoolSize:       getEnvInt("WORKER_POOL_SIZE", 4),
		WorkerLeaseSeconds:   getEnvInt("WORKER_LEASE_SECONDS", 30),
		WorkerClaimPollMS:    getEnvInt("WORKER_CLAIM_POLL_MS", 200),
		WorkerClaimPollMaxMS: getEnvInt("WORKER_CLAIM_POLL_MAX_MS", 2000),

		JobMaxAttempts:   getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobMaxFileIDs:    getEnvInt("JOB_MAX_FILE_IDS", 100),
		EnqueueAttempts:  getEnvInt("ENQUEUE_ATTEMPTS", 3),
		EnqueueBackoffMS: getEnvInt("ENQUEUE_BACKOFF_MS", 100),

		SweeperEnabled:        getEnvBool("SWEEPER_ENABLED", true),
		SweepIntervalSeconds:  getEnvInt("SWEEP_INTERVAL_SECONDS", 30),
		StallThresholdSeconds: getEnvInt("STALL_THRESHOLD_SECONDS", 120),
		RetentionSeconds:      getEnvInt("RETENTION_SECONDS", 86400),

		StorageRoot:          getEnv("STORAGE_ROOT", "data/artifacts"),
		SourceRoot:           getEnv("SOURCE_ROOT", "data/files"),
		StagingRoot:          getEnv("STAGING_ROOT", "data/staging"),
		AccessLinkTTLSeconds: getEnvInt("ACCESS_LINK_TTL_SECONDS", 900),
		AccessLinkSecret:     getEnv("ACCESS_LINK_SECRET", ""),
		PublicBaseURL:        getEnv("PUBLIC_BASE_URL", "http://localhost:"+port),

		FileSourceURL:        getEnv("FILE_SOURCE_URL", ""),
		FileSourceToken:      getEnv("FILE_SOURCE_TOKEN", ""),
		FileSourceTimeoutMS:  getEnvInt("FILE_SOURCE_TIMEOUT_MS", 30000),
		FileSourceMaxRetries: getEnvInt("FILE_SOURCE_MAX_RETRIES", 2),
	}
}

// Validate reports settings that would break the lease and sweep timing.
func (c Config) Validate() error {
	var errs []error
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be positive"))
	}
	if c.WorkerLeaseSeconds <= 0 {
		errs = append(errs, errors.New("WORKER_LEASE_SECONDS must be positive"))
	}
	if c.JobMaxAttempts <= 0 {
		errs = append(errs, errors.New("JOB_MAX_ATTEMPTS must be positive"))
	}
	if c.JobMaxFileIDs <= 0 {
		errs = append(errs, errors.New("JOB_MAX_FILE_IDS must be positive"))
	}
	if c.EnqueueAttempts <= 0 {
		errs = append(errs, errors.New("ENQUEUE_ATTEMPTS must be positive"))
	}
	if c.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL_SECONDS must be positive"))
	}
	// A heartbeat lands every lease/3; anything shorter than a lease would
	// expire healthy jobs.
	if c.StallThresholdSeconds < c.WorkerLeaseSeconds {
		errs = append(errs, fmt.Errorf(
			"STALL_THRESHOLD_SECONDS (%d) must be at least WORKER_LEASE_SECONDS (%d)",
			c.StallThresholdSeconds, c.WorkerLeaseSeconds,
		))
	}
	if c.RetentionSeconds <= 0 {
		errs = append(errs, errors.New("RETENTION_SECONDS must be positive"))
	}
	if c.AccessLinkTTLSeconds <= 0 {
		errs = append(errs, errors.New("ACCESS_LINK_TTL_SECONDS must be positive"))
	}
	if strings.TrimSpace(c.AccessLinkSecret) == "" {
		errs = append(errs, errors.New("ACCESS_LINK_SECRET is required"))
	}
	return errors.Join(errs...)
}

func (c Config) WorkerLease() time.Duration {
	return time.Duration(c.WorkerLeaseSeconds) * time.Second
}

func (c Config) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdSeconds) * time.Second
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) AccessLinkTTL() time.Duration {
	return time.Duration(c.AccessLinkTTLSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
