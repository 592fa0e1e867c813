package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backend    BackendConfig    `yaml:"backend"`
	Sync       SyncConfig       `yaml:"sync"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// DatabaseConfig points at the local SQLite queue. An empty path keeps the
// queue in memory only.
type DatabaseConfig struct {
	Path     string         `yaml:"path"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Keep     int           `yaml:"keep"`
	Dir      string        `yaml:"dir"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

type BackendConfig struct {
	BaseURL   string        `yaml:"base_url"`
	AppID     string        `yaml:"app_id"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
	UserAgent string        `yaml:"user_agent"`
}

// SyncConfig tunes the operation queue and the consistency waits.
type SyncConfig struct {
	// PostCreateDelay is how long a record created here is left alone before
	// operations may reference it.
	PostCreateDelay time.Duration `yaml:"post_create_delay"`
	// PostCreateRetryUpTo is how long "not found" for a new record is retried.
	PostCreateRetryUpTo time.Duration `yaml:"post_create_retry_up_to"`
	BatchWindow         time.Duration `yaml:"batch_window"`
	Backoff             BackoffConfig `yaml:"backoff"`
	MaxConcurrentOwners int64         `yaml:"max_concurrent_owners"`
	MaxBatchSize        int           `yaml:"max_batch_size"`
	// ReadyTimeout bounds how long reads wait for outstanding writes.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Factor  float64       `yaml:"factor"`
	Max     time.Duration `yaml:"max"`
}

type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string             `yaml:"auth_token"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	// PrometheusPort is used only when the API server is disabled.
	PrometheusPort int `yaml:"prometheus_port"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend base_url is required")
	}
	if c.Backend.AppID == "" {
		return errors.New("backend app_id is required")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.New("redis address is required when redis is enabled")
	}
	if c.Database.Snapshot.Enabled && c.Database.Path == "" {
		return errors.New("database snapshots require database path")
	}
	return c.Sync.Validate()
}

func (s SyncConfig) Validate() error {
	durations := map[string]time.Duration{
		"post_create_delay":       s.PostCreateDelay,
		"post_create_retry_up_to": s.PostCreateRetryUpTo,
		"batch_window":            s.BatchWindow,
		"backoff.initial":         s.Backoff.Initial,
		"backoff.max":             s.Backoff.Max,
		"ready_timeout":           s.ReadyTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("sync.%s must not be negative", name)
		}
	}
	if s.PostCreateRetryUpTo < s.PostCreateDelay {
		return errors.New("sync.post_create_retry_up_to must not be shorter than post_create_delay")
	}
	if s.Backoff.Factor < 1 {
		return fmt.Errorf("sync.backoff.factor must be at least 1, got %v", s.Backoff.Factor)
	}
	if s.Backoff.Max < s.Backoff.Initial {
		return errors.New("sync.backoff.max must not be shorter than backoff.initial")
	}
	if s.MaxConcurrentOwners < 1 {
		return errors.New("sync.max_concurrent_owners must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "opsync"
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "opsync"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Database.Snapshot.Interval == 0 {
		c.Database.Snapshot.Interval = 6 * time.Hour
	}
	if c.Database.Snapshot.Keep == 0 {
		c.Database.Snapshot.Keep = 4
	}
	if c.Database.Snapshot.Dir == "" {
		c.Database.Snapshot.Dir = "snapshots"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	c.Sync.applyDefaults()
}

// DefaultSyncConfig returns the sync settings used when none are configured.
func DefaultSyncConfig() SyncConfig {
	var s SyncConfig
	s.applyDefaults()
	return s
}

func (s *SyncConfig) applyDefaults() {
	if s.PostCreateDelay == 0 {
		s.PostCreateDelay = 5 * time.Second
	}
	if s.PostCreateRetryUpTo == 0 {
		s.PostCreateRetryUpTo = 60 * time.Second
	}
	if s.BatchWindow == 0 {
		s.BatchWindow = 5 * time.Second
	}
	if s.Backoff.Initial == 0 {
		s.Backoff.Initial = time.Second
	}
	if s.Backoff.Factor == 0 {
		s.Backoff.Factor = 2
	}
	if s.Backoff.Max == 0 {
		s.Backoff.Max = 2 * time.Minute
	}
	if s.MaxConcurrentOwners == 0 {
		s.MaxConcurrentOwners = 4
	}
	if s.MaxBatchSize == 0 {
		s.MaxBatchSize = 100
	}
	if s.ReadyTimeout == 0 {
		s.ReadyTimeout = 10 * time.Second
	}
}
