package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the aggregation pipeline.
type Config struct {
	// Core configuration
	Sources string `yaml:"sources" json:"sources"`
	Run     string `yaml:"run" json:"run"`
	UA      string `yaml:"ua" json:"ua"`

	// Performance
	Concurrency        int     `yaml:"concurrency" json:"concurrency"`
	FetchTimeoutSec    int     `yaml:"fetch_timeout_sec" json:"fetch_timeout_sec"`
	ValidateTimeoutSec int     `yaml:"validate_timeout_sec" json:"validate_timeout_sec"`
	MaxBodyBytes       int64   `yaml:"max_body_bytes" json:"max_body_bytes"`
	HostRate           float64 `yaml:"host_rate" json:"host_rate"`
	HostBurst          int     `yaml:"host_burst" json:"host_burst"`

	// Retry policy
	MaxRetries    int `yaml:"max_retries" json:"max_retries"`
	BackoffBaseMS int `yaml:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffCapSec int `yaml:"backoff_cap_sec" json:"backoff_cap_sec"`

	// Circuit breaker
	BreakerThreshold   int `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerRecoverySec int `yaml:"breaker_recovery_sec" json:"breaker_recovery_sec"`

	// Reliability score weights
	WeightStatus    float64 `yaml:"weight_status" json:"weight_status"`
	WeightConfigs   float64 `yaml:"weight_configs" json:"weight_configs"`
	WeightProtocols float64 `yaml:"weight_protocols" json:"weight_protocols"`
	WeightLatency   float64 `yaml:"weight_latency" json:"weight_latency"`

	// Dedup
	DedupStrategy string `yaml:"dedup_strategy" json:"dedup_strategy"`

	// Cache
	CacheDir      string `yaml:"cache_dir" json:"cache_dir"`
	CacheL1Size   int    `yaml:"cache_l1_size" json:"cache_l1_size"`
	QualityTTLSec int    `yaml:"quality_ttl_sec" json:"quality_ttl_sec"`

	// Politeness
	RespectRobots bool `yaml:"respect_robots" json:"respect_robots"`

	// Output
	OutputFormat string `yaml:"output_format" json:"output_format"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`
}

// SetDefaults sets default values for the configuration.
func (c *Config) SetDefaults() {
	if c.UA == "" {
		c.UA = "SubHarvest/1.0 (+https://github.com/gustycube/subharvest)"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 50
	}
	if c.FetchTimeoutSec == 0 {
		c.FetchTimeoutSec = 30
	}
	if c.ValidateTimeoutSec == 0 {
		c.ValidateTimeoutSec = 10
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 8 << 20
	}
	if c.HostRate == 0 {
		c.HostRate = 2.0
	}
	if c.HostBurst == 0 {
		c.HostBurst = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBaseMS == 0 {
		c.BackoffBaseMS = 500
	}
	if c.BackoffCapSec == 0 {
		c.BackoffCapSec = 10
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerRecoverySec == 0 {
		c.BreakerRecoverySec = 60
	}
	if c.WeightStatus == 0 {
		c.WeightStatus = 0.3
	}
	if c.WeightConfigs == 0 {
		c.WeightConfigs = 0.4
	}
	if c.WeightProtocols == 0 {
		c.WeightProtocols = 0.2
	}
	if c.WeightLatency == 0 {
		c.WeightLatency = 0.1
	}
	if c.DedupStrategy == "" {
		c.DedupStrategy = "exact"
	}
	if c.CacheDir == "" {
		c.CacheDir = ".subharvest-cache"
	}
	if c.CacheL1Size == 0 {
		c.CacheL1Size = 4096
	}
	if c.QualityTTLSec == 0 {
		c.QualityTTLSec = 3600
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "json"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "subharvest"
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "subharvest:queue"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Sources == "" && c.RedisQueueAddr == "" {
		return fmt.Errorf("sources file path or redis queue address is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker_threshold must be at least 1")
	}
	switch c.OutputFormat {
	case "json", "jsonl", "csv":
	default:
		return fmt.Errorf("unsupported output format: %s (use json, jsonl, or csv)", c.OutputFormat)
	}
	return nil
}

// FetchTimeout returns the per-attempt fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// ValidateTimeout returns the reachability probe timeout.
func (c *Config) ValidateTimeout() time.Duration {
	return time.Duration(c.ValidateTimeoutSec) * time.Second
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration.
// Command-line flags take precedence over file configuration.
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["sources"].(string); ok && v != "" {
		c.Sources = v
	}
	if v, ok := flags["run"].(string); ok && v != "" {
		c.Run = v
	}
	if v, ok := flags["ua"].(string); ok && v != "" {
		c.UA = v
	}
	if v, ok := flags["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := flags["max_retries"].(int); ok && v > 0 {
		c.MaxRetries = v
	}
	if v, ok := flags["dedup_strategy"].(string); ok && v != "" {
		c.DedupStrategy = v
	}
	if v, ok := flags["cache_dir"].(string); ok && v != "" {
		c.CacheDir = v
	}
	if v, ok := flags["output_format"].(string); ok && v != "" {
		c.OutputFormat = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
	if v, ok := flags["respect_robots"].(bool); ok {
		c.RespectRobots = v
	}
}

// LoadFromEnv loads configuration from environment variables.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_ADDR"); v != "" {
		c.RedisQueueAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_KEY"); v != "" {
		c.RedisQueueKey = v
	}
	if v := os.Getenv("SUBHARVEST_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
}
