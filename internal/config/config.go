// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Queue backend identifiers.
const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

// Config holds application configuration.
// It is constructed once at startup, validated eagerly, and passed by
// reference into each component. Components never read the environment
// themselves.
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// External report-builder service (the thing that actually writes reports).
	BuilderServiceURL string
	BuilderTimeout    time.Duration

	// Cache freshness.
	ReportTTL time.Duration // Lifetime of a successful cache entry
	ErrorTTL  time.Duration // Short negative-cache lifetime for failed computations

	// Fan-out and retries.
	WorkerCount      int
	MaxAttempts      int           // Total attempts per instrument, including the first
	RetryBaseDelay   time.Duration // Doubled per attempt
	ExecutionTimeout time.Duration // Watcher gives up waiting after this
	WatchInterval    time.Duration // Watcher poll interval

	// Work queue.
	QueueBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Cost gate.
	Cost CostConfig

	// Scheduled precompute trigger ("" disables the cron trigger).
	PrecomputeSchedule string
}

// CostConfig holds cost-gate rates and band thresholds.
type CostConfig struct {
	TokenRatePer1K float64 // USD per 1000 LLM tokens
	QueryUnitCost  float64 // USD per data-store query
	FxRate         float64 // USD -> reporting currency conversion rate
	Currency       string  // Reporting currency code

	// Ascending band thresholds in the reporting currency. A total at or
	// below Excellent is "excellent", above Poor is "over-budget".
	Excellent  float64
	Good       float64
	Acceptable float64
	Poor       float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FORESIGHT_DATA_DIR", "./data")

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("FORESIGHT_PORT", 8010),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		BuilderServiceURL: getEnv("BUILDER_SERVICE_URL", "http://localhost:9100"),
		BuilderTimeout:    getEnvAsDuration("BUILDER_TIMEOUT", 2*time.Minute),

		ReportTTL: getEnvAsDuration("REPORT_TTL", 24*time.Hour),
		ErrorTTL:  getEnvAsDuration("ERROR_TTL", 30*time.Minute),

		WorkerCount:      getEnvAsInt("WORKER_COUNT", 4),
		MaxAttempts:      getEnvAsInt("MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),
		ExecutionTimeout: getEnvAsDuration("EXECUTION_TIMEOUT", 30*time.Minute),
		WatchInterval:    getEnvAsDuration("WATCH_INTERVAL", 2*time.Second),

		QueueBackend:  getEnv("QUEUE_BACKEND", QueueBackendMemory),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		Cost: CostConfig{
			TokenRatePer1K: getEnvAsFloat("COST_TOKEN_RATE_PER_1K", 0.01),
			QueryUnitCost:  getEnvAsFloat("COST_QUERY_UNIT", 0.0002),
			FxRate:         getEnvAsFloat("COST_FX_RATE", 0.92),
			Currency:       getEnv("COST_CURRENCY", "EUR"),
			Excellent:      getEnvAsFloat("COST_BAND_EXCELLENT", 0.05),
			Good:           getEnvAsFloat("COST_BAND_GOOD", 0.15),
			Acceptable:     getEnvAsFloat("COST_BAND_ACCEPTABLE", 0.40),
			Poor:           getEnvAsFloat("COST_BAND_POOR", 1.00),
		},

		PrecomputeSchedule: getEnv("PRECOMPUTE_SCHEDULE", "0 30 5 * * *"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
// It is called from Load so that a bad environment fails at startup,
// not at first use.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.BuilderServiceURL == "" {
		return fmt.Errorf("builder service URL is required")
	}
	if _, err := url.Parse(c.BuilderServiceURL); err != nil {
		return fmt.Errorf("invalid builder service URL: %w", err)
	}
	if c.ReportTTL <= 0 {
		return fmt.Errorf("report TTL must be positive, got %s", c.ReportTTL)
	}
	if c.ErrorTTL <= 0 {
		return fmt.Errorf("error TTL must be positive, got %s", c.ErrorTTL)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.WatchInterval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %s", c.WatchInterval)
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution timeout must be positive, got %s", c.ExecutionTimeout)
	}

	switch c.QueueBackend {
	case QueueBackendMemory:
		// Nothing extra required
	case QueueBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when queue backend is %q", QueueBackendRedis)
		}
	default:
		return fmt.Errorf("unknown queue backend: %q", c.QueueBackend)
	}

	return c.Cost.Validate()
}

// Validate checks cost-gate rates and that band thresholds are strictly ascending.
func (c *CostConfig) Validate() error {
	if c.TokenRatePer1K < 0 || c.QueryUnitCost < 0 {
		return fmt.Errorf("cost rates must not be negative")
	}
	if c.FxRate <= 0 {
		return fmt.Errorf("FX rate must be positive, got %v", c.FxRate)
	}
	if c.Currency == "" {
		return fmt.Errorf("reporting currency is required")
	}
	if !(c.Excellent < c.Good && c.Good < c.Acceptable && c.Acceptable < c.Poor) {
		return fmt.Errorf("cost band thresholds must be strictly ascending: %v < %v < %v < %v",
			c.Excellent, c.Good, c.Acceptable, c.Poor)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
