package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreBackend はキュー・レジストリの永続化先。
type StoreBackend string

const (
	// StoreBackendPostgres はPostgreSQLを使用する（本番）。
	StoreBackendPostgres StoreBackend = "postgres"
	// StoreBackendMemory はプロセス内メモリを使用する（ローカル開発用）。
	StoreBackendMemory StoreBackend = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StoreBackend StoreBackend
	DatabaseURL  string
	RedisURL     string

	// Admin API
	AdminAPIToken  string
	RateLimitAdmin int

	// Partitioning
	PartitionCount int

	// Delivery
	DeliveryBatchSize         int
	DeliveryMaxAttempts       int
	ProbationMaxAttempts      int
	DeliveryLeaseDuration     time.Duration
	DeliveryTimeout           time.Duration
	DeliveryMaxResponseSize   int64
	DeliveryWorkerConcurrency int
	CoordinatorConcurrency    int
	BackoffInitial            time.Duration
	BackoffMax                time.Duration
	UserAgent                 string

	// Schedule
	DeliverySchedule string
	CleanupSchedule  string

	// Outbound throttle (req/sec per remote host)
	HostRatePerSecond      float64
	ProbationRatePerSecond float64

	// Registry
	AutoProbationThreshold int
	AutoProbationWindow    time.Duration
	RateWindowRetention    time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	WorkerMetricsPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreBackend = StoreBackend(getEnvString("STORE_BACKEND", string(StoreBackendPostgres)))
	if cfg.StoreBackend != StoreBackendPostgres && cfg.StoreBackend != StoreBackendMemory {
		return nil, fmt.Errorf("unsupported STORE_BACKEND: %q (allowed: postgres, memory)", cfg.StoreBackend)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreBackend == StoreBackendPostgres {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AdminAPIToken = os.Getenv("ADMIN_API_TOKEN")
	if cfg.AdminAPIToken == "" {
		missing = append(missing, "ADMIN_API_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RateLimitAdmin = getEnvInt("RATE_LIMIT_ADMIN", 120)
	cfg.PartitionCount = getEnvInt("PARTITION_COUNT", 16)
	cfg.DeliveryBatchSize = getEnvInt("DELIVERY_BATCH_SIZE", 50)
	cfg.DeliveryMaxAttempts = getEnvInt("DELIVERY_MAX_ATTEMPTS", 8)
	cfg.ProbationMaxAttempts = getEnvInt("PROBATION_MAX_ATTEMPTS", 3)
	cfg.DeliveryLeaseDuration = getEnvDuration("DELIVERY_LEASE_DURATION", 5*time.Minute)
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", 30*time.Second)
	cfg.DeliveryMaxResponseSize = getEnvInt64("DELIVERY_MAX_RESPONSE_SIZE", 1048576)
	cfg.DeliveryWorkerConcurrency = getEnvInt("DELIVERY_WORKER_CONCURRENCY", 8)
	cfg.CoordinatorConcurrency = getEnvInt("COORDINATOR_CONCURRENCY", 4)
	cfg.BackoffInitial = getEnvDuration("BACKOFF_INITIAL", 30*time.Second)
	cfg.BackoffMax = getEnvDuration("BACKOFF_MAX", 6*time.Hour)
	cfg.UserAgent = getEnvString("USER_AGENT", "apdelivery/1.0")
	cfg.DeliverySchedule = getEnvString("DELIVERY_SCHEDULE", "@every 30s")
	cfg.CleanupSchedule = getEnvString("CLEANUP_SCHEDULE", "@hourly")
	cfg.HostRatePerSecond = getEnvFloat("HOST_RATE_PER_SECOND", 5)
	cfg.ProbationRatePerSecond = getEnvFloat("PROBATION_RATE_PER_SECOND", 0.5)
	cfg.AutoProbationThreshold = getEnvInt("AUTO_PROBATION_THRESHOLD", 20)
	cfg.AutoProbationWindow = getEnvDuration("AUTO_PROBATION_WINDOW", 10*time.Minute)
	cfg.RateWindowRetention = getEnvDuration("RATE_WINDOW_RETENTION", 24*time.Hour)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "9090")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// リース期間は配送タイムアウトより長くなければならない。
	// 短いと配送中のアイテムが回収され二重配送になる。
	if cfg.DeliveryLeaseDuration <= cfg.DeliveryTimeout {
		return nil, fmt.Errorf("DELIVERY_LEASE_DURATION (%s) must be longer than DELIVERY_TIMEOUT (%s)",
			cfg.DeliveryLeaseDuration, cfg.DeliveryTimeout)
	}
	if cfg.PartitionCount <= 0 {
		return nil, fmt.Errorf("PARTITION_COUNT must be positive, got %d", cfg.PartitionCount)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
