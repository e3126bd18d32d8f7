// Package config provides configuration management for the wallet analytics engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Upstream  UpstreamConfig
	Analytics AnalyticsConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	// InsertChunk caps the rows sent in one insert batch
	InsertChunk int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds dashboard cache configuration
type CacheConfig struct {
	DashboardTTL time.Duration
	// StaleTTL is how long the last good dashboard is kept as a fallback
	StaleTTL        time.Duration
	RecomputeBudget time.Duration
}

// UpstreamConfig holds settings for the transaction indexer
type UpstreamConfig struct {
	IndexerURL        string
	Timeout           time.Duration
	RequestsPerSecond float64
	RetryAttempts     int
	RetryInitialDelay time.Duration
	// SharedBudget caps indexer requests per second across every process.
	// Zero leaves pacing to the per-process limiter.
	SharedBudget int
	// LiveReserved is the part of SharedBudget only live syncs may use
	LiveReserved int
}

// AnalyticsConfig holds the tunable policy constants of the engine
type AnalyticsConfig struct {
	MinSampleSize int

	RetentionWeight float64
	AdoptionWeight  float64
	ActivityWeight  float64
	DiversityWeight float64

	HealthyThreshold float64
	ChurnThreshold   float64
	RiskLowMin       float64
	RiskMediumMin    float64

	SeverityHighMin   float64
	SeverityMediumMin float64

	BaselineTxCount       float64
	BaselineVolumeZatoshi float64
	DiversityTarget       int
}

// WorkerConfig holds analytics worker configuration
type WorkerConfig struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// DefaultAnalyticsConfig returns the starting policy constants
func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		MinSampleSize:         30,
		RetentionWeight:       0.3,
		AdoptionWeight:        0.3,
		ActivityWeight:        0.2,
		DiversityWeight:       0.2,
		HealthyThreshold:      70,
		ChurnThreshold:        40,
		RiskLowMin:            65,
		RiskMediumMin:         35,
		SeverityHighMin:       70,
		SeverityMediumMin:     40,
		BaselineTxCount:       50,
		BaselineVolumeZatoshi: 1_000_000_000,
		DiversityTarget:       4,
	}
}

// Validate rejects impossible values and rescales score weights so they sum to 1
func (a *AnalyticsConfig) Validate() error {
	weights := []float64{a.RetentionWeight, a.AdoptionWeight, a.ActivityWeight, a.DiversityWeight}
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			return fmt.Errorf("score weights must be non-negative")
		}
		sum += w
	}
	if sum == 0 {
		return fmt.Errorf("score weights must not all be zero")
	}
	if math.Abs(sum-1) > 1e-9 {
		a.RetentionWeight /= sum
		a.AdoptionWeight /= sum
		a.ActivityWeight /= sum
		a.DiversityWeight /= sum
	}
	if a.ChurnThreshold > a.HealthyThreshold {
		return fmt.Errorf("churn threshold %.1f above healthy threshold %.1f", a.ChurnThreshold, a.HealthyThreshold)
	}
	if a.RiskMediumMin > a.RiskLowMin {
		return fmt.Errorf("risk thresholds out of order")
	}
	if a.SeverityMediumMin > a.SeverityHighMin {
		return fmt.Errorf("severity thresholds out of order")
	}
	if a.MinSampleSize < 1 {
		return fmt.Errorf("minimum sample size must be positive")
	}
	if a.BaselineTxCount <= 0 || a.BaselineVolumeZatoshi <= 0 || a.DiversityTarget <= 0 {
		return fmt.Errorf("activity baselines must be positive")
	}
	return nil
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	def := DefaultAnalyticsConfig()
	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "wallet_insights"),
				User:           getEnv("POSTGRES_USER", "insights"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:           getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:           getEnv("CLICKHOUSE_PORT", "9000"),
				Database:       getEnv("CLICKHOUSE_DB", "wallet_insights"),
				User:           getEnv("CLICKHOUSE_USER", "default"),
				Password:       getEnv("CLICKHOUSE_PASSWORD", ""),
				MaxConnections: getEnvAsInt("CLICKHOUSE_MAX_CONNECTIONS", 10),
				InsertChunk:    getEnvAsInt("CLICKHOUSE_INSERT_CHUNK", 10000),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Cache: CacheConfig{
			DashboardTTL:    getEnvAsDuration("DASHBOARD_CACHE_TTL", 5*time.Minute),
			StaleTTL:        getEnvAsDuration("DASHBOARD_STALE_TTL", 24*time.Hour),
			RecomputeBudget: getEnvAsDuration("DASHBOARD_RECOMPUTE_BUDGET", 3*time.Second),
		},
		Upstream: UpstreamConfig{
			IndexerURL:        getEnv("INDEXER_URL", "http://localhost:8545"),
			Timeout:           getEnvAsDuration("INDEXER_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvAsFloat("INDEXER_RPS", 20),
			RetryAttempts:     getEnvAsInt("INDEXER_RETRY_ATTEMPTS", 3),
			RetryInitialDelay: getEnvAsDuration("INDEXER_RETRY_DELAY", 500*time.Millisecond),
			SharedBudget:      getEnvAsInt("INDEXER_SHARED_BUDGET", 0),
			LiveReserved:      getEnvAsInt("INDEXER_LIVE_RESERVED", 0),
		},
		Analytics: AnalyticsConfig{
			MinSampleSize:         getEnvAsInt("ANALYTICS_MIN_SAMPLE_SIZE", def.MinSampleSize),
			RetentionWeight:       getEnvAsFloat("SCORE_WEIGHT_RETENTION", def.RetentionWeight),
			AdoptionWeight:        getEnvAsFloat("SCORE_WEIGHT_ADOPTION", def.AdoptionWeight),
			ActivityWeight:        getEnvAsFloat("SCORE_WEIGHT_ACTIVITY", def.ActivityWeight),
			DiversityWeight:       getEnvAsFloat("SCORE_WEIGHT_DIVERSITY", def.DiversityWeight),
			HealthyThreshold:      getEnvAsFloat("SCORE_HEALTHY_THRESHOLD", def.HealthyThreshold),
			ChurnThreshold:        getEnvAsFloat("SCORE_CHURN_THRESHOLD", def.ChurnThreshold),
			RiskLowMin:            getEnvAsFloat("SCORE_RISK_LOW_MIN", def.RiskLowMin),
			RiskMediumMin:         getEnvAsFloat("SCORE_RISK_MEDIUM_MIN", def.RiskMediumMin),
			SeverityHighMin:       getEnvAsFloat("DROPOFF_SEVERITY_HIGH", def.SeverityHighMin),
			SeverityMediumMin:     getEnvAsFloat("DROPOFF_SEVERITY_MEDIUM", def.SeverityMediumMin),
			BaselineTxCount:       getEnvAsFloat("BASELINE_TX_COUNT", def.BaselineTxCount),
			BaselineVolumeZatoshi: getEnvAsFloat("BASELINE_VOLUME_ZATOSHI", def.BaselineVolumeZatoshi),
			DiversityTarget:       getEnvAsInt("DIVERSITY_TARGET", def.DiversityTarget),
		},
		Worker: WorkerConfig{
			Interval:    getEnvAsDuration("WORKER_INTERVAL", 15*time.Minute),
			Concurrency: getEnvAsInt("WORKER_CONCURRENCY", 8),
			BatchSize:   getEnvAsInt("WORKER_BATCH_SIZE", 500),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 600),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 50),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Analytics.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analytics config: %w", err)
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
