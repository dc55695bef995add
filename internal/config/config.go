package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"driftsync/internal/backoff"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Sync       SyncConfig       `yaml:"sync"`
	Remote     RemoteConfig     `yaml:"remote"`
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

// StorageConfig selects the local durable store. Backend is "sqlite" (default),
// "redis", or "memory" (tests and throwaway runs only).
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// SyncConfig tunes the scheduler and retry behavior. Intervals are declared in
// seconds (milliseconds for the sub-second knobs) so the YAML stays plain ints.
type SyncConfig struct {
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	ItemDelayMillis     int     `yaml:"item_delay_ms"`
	OnlineDebounceMs    int     `yaml:"online_debounce_ms"`
	MaxRetries          int     `yaml:"max_retries"`
	BaseDelaySeconds    int     `yaml:"base_delay_seconds"`
	MaxDelaySeconds     int     `yaml:"max_delay_seconds"`
	BackoffFactor       float64 `yaml:"backoff_factor"`
}

func (c SyncConfig) PollInterval() time.Duration   { return time.Duration(c.PollIntervalSeconds) * time.Second }
func (c SyncConfig) ItemDelay() time.Duration      { return time.Duration(c.ItemDelayMillis) * time.Millisecond }
func (c SyncConfig) OnlineDebounce() time.Duration { return time.Duration(c.OnlineDebounceMs) * time.Millisecond }

// Backoff converts the declared delays into a backoff policy.
func (c SyncConfig) Backoff() backoff.Policy {
	return backoff.Policy{
		BaseDelay: time.Duration(c.BaseDelaySeconds) * time.Second,
		MaxDelay:  time.Duration(c.MaxDelaySeconds) * time.Second,
		Factor:    c.BackoffFactor,
	}
}

type RemoteConfig struct {
	BaseURL              string `yaml:"base_url"`
	Token                string `yaml:"token"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	ProbeIntervalSeconds int    `yaml:"probe_interval_seconds"`
}

func (c RemoteConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c RemoteConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	HeaderAPIKey string   `yaml:"header_api_key"`
	APIKeys      []string `yaml:"api_keys"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// Load reads the YAML config at path, expanding ${ENV} references after
// loading a .env file when one is present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite backend")
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			return errors.New("storage.redis.address is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	if c.Sync.MaxRetries < 0 {
		return errors.New("sync.max_retries must not be negative")
	}
	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth.api_keys is required when api auth is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "driftsync"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}

	if c.Sync.PollIntervalSeconds == 0 {
		c.Sync.PollIntervalSeconds = 60
	}
	if c.Sync.ItemDelayMillis == 0 {
		c.Sync.ItemDelayMillis = 250
	}
	if c.Sync.OnlineDebounceMs == 0 {
		c.Sync.OnlineDebounceMs = 2000
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.BaseDelaySeconds == 0 {
		c.Sync.BaseDelaySeconds = 30
	}
	if c.Sync.MaxDelaySeconds == 0 {
		c.Sync.MaxDelaySeconds = 300
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 2
	}

	if c.Remote.TimeoutSeconds == 0 {
		c.Remote.TimeoutSeconds = 30
	}
	if c.Remote.ProbeIntervalSeconds == 0 {
		c.Remote.ProbeIntervalSeconds = 15
	}

	if c.API.Enabled {
		if c.API.Port == 0 {
			c.API.Port = 8080
		}
		if c.API.Auth.HeaderAPIKey == "" {
			c.API.Auth.HeaderAPIKey = "x-api-key"
		}
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
