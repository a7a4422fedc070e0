// Package config loads worker configuration from an optional YAML file with
// environment variables taking precedence. Only the knobs the core honors
// are exposed; everything else belongs to the deployment layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the worker process configuration.
type Config struct {
	// Store selects the backend: "postgres", "sqlite" or "memory".
	Store       string `yaml:"store"`
	DatabaseURL string `yaml:"database_url"`
	SqlitePath  string `yaml:"sqlite_path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OpenAIModel   string `yaml:"openai_model"`

	// GraderRateLimit caps grader calls per minute. 0 disables limiting.
	GraderRateLimit int `yaml:"grader_rate_limit"`

	LayoutServiceURL string `yaml:"layout_service_url"`
	ResultStoreURL   string `yaml:"result_store_url"`
	NotifyServiceURL string `yaml:"notify_service_url"`
	RuleToolkitURL   string `yaml:"rule_toolkit_url"`

	MaxConcurrentRuns     int     `yaml:"max_concurrent_runs"`
	WorkerLeaseSeconds    int     `yaml:"worker_lease_seconds"`
	NodeTimeoutSeconds    int     `yaml:"node_timeout_seconds"`
	GradeTimeoutSeconds   int     `yaml:"grade_timeout_seconds"`
	SegmentTimeoutSeconds int     `yaml:"segment_timeout_seconds"`
	CacheTTLDays          int     `yaml:"cache_ttl_days"`
	ReviewThreshold       float64 `yaml:"confidence_review_threshold"`
	CacheThreshold        float64 `yaml:"confidence_cache_threshold"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Store:                 "memory",
		MaxConcurrentRuns:     8,
		WorkerLeaseSeconds:    30,
		NodeTimeoutSeconds:    120,
		GradeTimeoutSeconds:   120,
		SegmentTimeoutSeconds: 300,
		CacheTTLDays:          30,
		ReviewThreshold:       0.75,
		CacheThreshold:        0.90,
		LogLevel:              "info",
	}
}

// Load reads the optional YAML file at path (skipped when path is empty or
// missing), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Store, "STORE_BACKEND")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SqlitePath, "SQLITE_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.RedisDB, "REDIS_DB")
	setString(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAIModel, "OPENAI_MODEL")
	setInt(&c.GraderRateLimit, "GRADER_RATE_LIMIT")
	setString(&c.LayoutServiceURL, "LAYOUT_SERVICE_URL")
	setString(&c.ResultStoreURL, "RESULT_STORE_URL")
	setString(&c.NotifyServiceURL, "NOTIFY_SERVICE_URL")
	setString(&c.RuleToolkitURL, "RULE_TOOLKIT_URL")
	setInt(&c.MaxConcurrentRuns, "MAX_CONCURRENT_RUNS_PER_WORKER")
	setInt(&c.WorkerLeaseSeconds, "WORKER_LEASE_SECONDS")
	setInt(&c.NodeTimeoutSeconds, "DEFAULT_NODE_TIMEOUT_SECONDS")
	setInt(&c.GradeTimeoutSeconds, "GRADE_TIMEOUT_SECONDS")
	setInt(&c.SegmentTimeoutSeconds, "SEGMENT_TIMEOUT_SECONDS")
	setInt(&c.CacheTTLDays, "CACHE_TTL_DAYS")
	setFloat(&c.ReviewThreshold, "CONFIDENCE_REVIEW_THRESHOLD")
	setFloat(&c.CacheThreshold, "CONFIDENCE_CACHE_THRESHOLD")
	setString(&c.LogLevel, "LOG_LEVEL")
}

// WorkerLease returns the lease as a duration.
func (c Config) WorkerLease() time.Duration {
	return time.Duration(c.WorkerLeaseSeconds) * time.Second
}

// NodeTimeout returns the default node timeout as a duration.
func (c Config) NodeTimeout() time.Duration {
	return time.Duration(c.NodeTimeoutSeconds) * time.Second
}

// GradeTimeout returns the per-attempt grading timeout as a duration.
func (c Config) GradeTimeout() time.Duration {
	return time.Duration(c.GradeTimeoutSeconds) * time.Second
}

// SegmentTimeout returns the segmentation node timeout as a duration.
func (c Config) SegmentTimeout() time.Duration {
	return time.Duration(c.SegmentTimeoutSeconds) * time.Second
}

// CacheTTL returns the cache TTL as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLDays) * 24 * time.Hour
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
