package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server settings. It is built once at startup and passed by
// reference; components never read configuration from ambient globals.
type Config struct {
	AppName    string `yaml:"app_name"`
	ListenAddr string `yaml:"listen_addr"`
	LogMode    string `yaml:"log_mode"`

	DataDir    string `yaml:"data_dir"`
	PublishDir string `yaml:"publish_dir"`

	AdminSecret string `yaml:"admin_secret"`

	MaxUploadMB    int `yaml:"max_upload_mb"`
	ResultTTLHours int `yaml:"result_ttl_hours"`

	WorkerConcurrency  int `yaml:"worker_concurrency"`
	TaskTimeLimitSec   int `yaml:"task_time_limit_sec"`
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// Eager runs the pipeline inline with the submitting request. Used by
	// tests; state transitions are identical, only latency differs.
	Eager bool `yaml:"eager"`

	JobStore   string `yaml:"job_store"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisURL   string `yaml:"redis_url"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		AppName:            "songforge",
		ListenAddr:         ":8080",
		LogMode:            "development",
		DataDir:            "/tmp/songforge",
		PublishDir:         "/var/songforge/published",
		MaxUploadMB:        32,
		ResultTTLHours:     24,
		WorkerConcurrency:  2,
		TaskTimeLimitSec:   300,
		RateLimitPerMinute: 30,
		JobStore:           "sqlite",
		SQLitePath:         "jobs.db",
		RedisURL:           "redis://localhost:6379/0",
	}
}

// Load builds a Config from defaults, an optional YAML file, and environment
// overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "SONGFORGE_LISTEN_ADDR")
	setString(&cfg.LogMode, "SONGFORGE_LOG_MODE")
	setString(&cfg.DataDir, "SONGFORGE_DATA_DIR")
	setString(&cfg.PublishDir, "SONGFORGE_PUBLISH_DIR")
	setString(&cfg.AdminSecret, "SONGFORGE_ADMIN_SECRET")
	setString(&cfg.JobStore, "SONGFORGE_JOB_STORE")
	setString(&cfg.SQLitePath, "SONGFORGE_SQLITE_PATH")
	setString(&cfg.RedisURL, "SONGFORGE_REDIS_URL")
	setInt(&cfg.MaxUploadMB, "SONGFORGE_MAX_UPLOAD_MB")
	setInt(&cfg.ResultTTLHours, "SONGFORGE_RESULT_TTL_HOURS")
	setInt(&cfg.WorkerConcurrency, "SONGFORGE_WORKER_CONCURRENCY")
	setInt(&cfg.TaskTimeLimitSec, "SONGFORGE_TASK_TIME_LIMIT_SEC")
	setInt(&cfg.RateLimitPerMinute, "SONGFORGE_RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("SONGFORGE_EAGER"); v != "" {
		cfg.Eager = v == "1" || v == "true"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks ranges that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	if c.ResultTTLHours < 1 {
		return fmt.Errorf("result_ttl_hours must be >= 1, got %d", c.ResultTTLHours)
	}
	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 64 {
		return fmt.Errorf("worker_concurrency must be in [1,64], got %d", c.WorkerConcurrency)
	}
	if c.TaskTimeLimitSec < 1 {
		return fmt.Errorf("task_time_limit_sec must be >= 1, got %d", c.TaskTimeLimitSec)
	}
	if c.JobStore != "sqlite" && c.JobStore != "redis" {
		return fmt.Errorf("job_store must be sqlite or redis, got %q", c.JobStore)
	}
	return nil
}

// TaskTimeLimit returns the per-job wall-clock limit
func (c *Config) TaskTimeLimit() time.Duration {
	return time.Duration(c.TaskTimeLimitSec) * time.Second
}

// ResultTTL returns the retention window for job records
func (c *Config) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLHours) * time.Hour
}

// MaxUploadBytes returns the upload size cap in bytes
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}
