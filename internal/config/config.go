package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/realtycrm/unicache/pkg/utils"
)

// Configuration represents the complete cache configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Sync       SyncConfig       `yaml:"sync"`
	Offline    OfflineConfig    `yaml:"offline"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
	LogFormat  string `yaml:"log_format"`
	InstanceID string `yaml:"instance_id"`
}

// CacheConfig represents the cache manager configuration
type CacheConfig struct {
	MaxSize     string            `yaml:"max_size"`
	GCInterval  time.Duration     `yaml:"gc_interval"`
	Version     string            `yaml:"version"`
	Compression CompressionConfig `yaml:"compression"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
}

// CompressionConfig represents value compression settings
type CompressionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm"`
}

// EncryptionConfig represents value encryption settings
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Order   string `yaml:"order"`
}

// StoreConfig represents the durable store configuration
type StoreConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	Path           string               `yaml:"path"`
	BusyTimeout    time.Duration        `yaml:"busy_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig represents the store circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SyncConfig represents cross-process coordination settings
type SyncConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Transport         string        `yaml:"transport"`
	Directory         string        `yaml:"directory"`
	LivenessThreshold time.Duration `yaml:"liveness_threshold"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CheckInterval     time.Duration `yaml:"check_interval"`
	MarkerTTL         time.Duration `yaml:"marker_ttl"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	MaxSyncEntries    int           `yaml:"max_sync_entries"`
}

// OfflineConfig represents offline queue and connectivity settings
type OfflineConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	Retry         RetryConfig   `yaml:"retry"`
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// RetryConfig represents offline replay backoff settings
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// MonitoringConfig represents metrics and admin API settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`
}

// MetricsConfig represents Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// APIConfig represents the admin HTTP server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Allowed values
var (
	validLogLevels  = []string{"DEBUG", "INFO", "WARN", "ERROR"}
	validLogFormats = []string{"json", "console"}
	validAlgorithms = []string{"zstd", "s2"}
	validOrders     = []string{"compress-then-encrypt", "encrypt-then-compress"}
	validTransports = []string{"auto", "zmq", "marker", "none"}
)

// NewDefault returns a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		Cache: CacheConfig{
			MaxSize:    "50MiB",
			GCInterval: 10 * time.Minute,
			Version:    "1",
			Compression: CompressionConfig{
				Enabled:   true,
				Algorithm: "zstd",
			},
			Encryption: EncryptionConfig{
				Enabled: false,
				Order:   "compress-then-encrypt",
			},
		},
		Store: StoreConfig{
			Enabled:     true,
			Path:        filepath.Join(os.TempDir(), "unicache", "cache.db"),
			BusyTimeout: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Sync: SyncConfig{
			Enabled:           true,
			Transport:         "auto",
			Directory:         filepath.Join(os.TempDir(), "unicache", "sync"),
			LivenessThreshold: 5 * time.Second,
			HeartbeatInterval: 2 * time.Second,
			CheckInterval:     3 * time.Second,
			MarkerTTL:         10 * time.Second,
			DiscoveryInterval: time.Second,
			MaxSyncEntries:    500,
		},
		Offline: OfflineConfig{
			MaxRetries: 3,
			Retry: RetryConfig{
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
			},
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "unicache",
			},
			API: APIConfig{
				Enabled: false,
				Address: "localhost:9470",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the current values
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from UNICACHE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("UNICACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("UNICACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("UNICACHE_INSTANCE_ID"); val != "" {
		c.Global.InstanceID = val
	}

	// Cache settings
	if val := os.Getenv("UNICACHE_MAX_SIZE"); val != "" {
		c.Cache.MaxSize = val
	}
	if val := os.Getenv("UNICACHE_GC_INTERVAL"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid UNICACHE_GC_INTERVAL: %w", err)
		}
		c.Cache.GCInterval = duration
	}
	if val := os.Getenv("UNICACHE_COMPRESSION_ENABLED"); val != "" {
		c.Cache.Compression.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("UNICACHE_ENCRYPTION_ENABLED"); val != "" {
		c.Cache.Encryption.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("UNICACHE_ENCRYPTION_SECRET"); val != "" {
		c.Cache.Encryption.Secret = val
	}

	// Store settings
	if val := os.Getenv("UNICACHE_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("UNICACHE_STORE_ENABLED"); val != "" {
		c.Store.Enabled = strings.ToLower(val) == "true"
	}

	// Sync settings
	if val := os.Getenv("UNICACHE_SYNC_TRANSPORT"); val != "" {
		c.Sync.Transport = strings.ToLower(val)
	}
	if val := os.Getenv("UNICACHE_SYNC_DIR"); val != "" {
		c.Sync.Directory = val
	}

	// Offline settings
	if val := os.Getenv("UNICACHE_OFFLINE_MAX_RETRIES"); val != "" {
		retries, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid UNICACHE_OFFLINE_MAX_RETRIES: %w", err)
		}
		c.Offline.MaxRetries = retries
	}
	if val := os.Getenv("UNICACHE_PROBE_ADDRESS"); val != "" {
		c.Offline.ProbeAddress = val
	}

	// Monitoring settings
	if val := os.Getenv("UNICACHE_API_ADDRESS"); val != "" {
		c.Monitoring.API.Enabled = true
		c.Monitoring.API.Address = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if !contains(validLogLevels, c.Global.LogLevel) {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if c.Global.LogFormat != "" && !contains(validLogFormats, c.Global.LogFormat) {
		return fmt.Errorf("invalid log_format: %s (must be one of: %s)",
			c.Global.LogFormat, strings.Join(validLogFormats, ", "))
	}

	maxSize, err := c.MaxSizeBytes()
	if err != nil {
		return err
	}
	if maxSize <= 0 {
		return fmt.Errorf("max_size must be greater than 0")
	}
	if c.Cache.GCInterval <= 0 {
		return fmt.Errorf("gc_interval must be greater than 0")
	}
	if c.Cache.Compression.Enabled && !contains(validAlgorithms, c.Cache.Compression.Algorithm) {
		return fmt.Errorf("invalid compression algorithm: %s (must be one of: %s)",
			c.Cache.Compression.Algorithm, strings.Join(validAlgorithms, ", "))
	}
	if c.Cache.Encryption.Order != "" && !contains(validOrders, c.Cache.Encryption.Order) {
		return fmt.Errorf("invalid encryption order: %s (must be one of: %s)",
			c.Cache.Encryption.Order, strings.Join(validOrders, ", "))
	}
	if c.Cache.Encryption.Enabled && c.Cache.Encryption.Secret == "" {
		return fmt.Errorf("encryption is enabled but no secret is configured")
	}

	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store path is required when the store is enabled")
	}

	if c.Sync.Enabled {
		if !contains(validTransports, c.Sync.Transport) {
			return fmt.Errorf("invalid sync transport: %s (must be one of: %s)",
				c.Sync.Transport, strings.Join(validTransports, ", "))
		}
		if c.Sync.Transport != "none" && c.Sync.Directory == "" {
			return fmt.Errorf("sync directory is required for transport %s", c.Sync.Transport)
		}
		if c.Sync.HeartbeatInterval <= 0 || c.Sync.CheckInterval <= 0 {
			return fmt.Errorf("heartbeat_interval and check_interval must be greater than 0")
		}
		if c.Sync.HeartbeatInterval >= c.Sync.LivenessThreshold {
			return fmt.Errorf("heartbeat_interval (%v) must be shorter than liveness_threshold (%v)",
				c.Sync.HeartbeatInterval, c.Sync.LivenessThreshold)
		}
	}

	if c.Offline.MaxRetries <= 0 {
		return fmt.Errorf("offline max_retries must be greater than 0")
	}

	if c.Monitoring.API.Enabled && c.Monitoring.API.Address == "" {
		return fmt.Errorf("api address is required when the api is enabled")
	}

	return nil
}

// MaxSizeBytes parses Cache.MaxSize
func (c *Configuration) MaxSizeBytes() (int64, error) {
	size, err := utils.ParseBytes(c.Cache.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_size: %w", err)
	}
	return size, nil
}

// LogConfig returns the logger settings derived from the global section
func (c *Configuration) LogConfig() utils.LogConfig {
	logConfig := utils.DefaultLogConfig()
	logConfig.Level = c.Global.LogLevel
	logConfig.File = c.Global.LogFile
	if c.Global.LogFormat != "" {
		logConfig.Format = c.Global.LogFormat
	}
	return logConfig
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
