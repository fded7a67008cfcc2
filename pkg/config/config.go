package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logger   LoggerConfig   `yaml:"logger"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Redis    RedisConfig    `yaml:"redis"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Queue    QueueConfig    `yaml:"queue"`
	Executor ExecutorConfig `yaml:"executor"`
	Cache    CacheConfig    `yaml:"cache"`
	Advisor  AdvisorConfig  `yaml:"advisor"`
	Render   RenderConfig   `yaml:"render"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // API key for admin endpoints (optional, if empty, auth is disabled)
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// MySQLConfig MySQL configuration for job history persistence.
// The orchestrator runs fully in memory when disabled.
type MySQLConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	Database      string `yaml:"database"`
	RetentionDays int    `yaml:"retention_days"` // audit rows older than this are purged
}

// RedisConfig Redis configuration for the shared cache tier and background-job locks.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MonitorConfig resource monitor configuration
type MonitorConfig struct {
	SampleInterval   time.Duration `yaml:"sample_interval"`   // sampling period
	MemoryThreshold  float64       `yaml:"memory_threshold"`  // percent, over-limit above this
	DiskThreshold    float64       `yaml:"disk_threshold"`    // percent, over-limit above this
	MaxProcesses     int           `yaml:"max_processes"`     // absolute process-count cap
	DiskPath         string        `yaml:"disk_path"`         // filesystem path to stat
}

// DefaultMonitorConfig returns the default resource monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:  30 * time.Second,
		MemoryThreshold: 85,
		DiskThreshold:   90,
		MaxProcesses:    1024,
		DiskPath:        "/",
	}
}

// BreakerConfig circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening
	Cooldown         time.Duration `yaml:"cooldown"`          // open duration before half-open trial
}

// DefaultBreakerConfig returns the default circuit breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// QueueConfig admission queue configuration
type QueueConfig struct {
	ReadmitInterval time.Duration `yaml:"readmit_interval"` // throttled-job re-evaluation period
	Retention       time.Duration `yaml:"retention"`        // terminal jobs kept in memory this long
}

// DefaultQueueConfig returns the default admission queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		ReadmitInterval: 5 * time.Second,
		Retention:       time.Hour,
	}
}

// ExecutorConfig generation executor configuration
type ExecutorConfig struct {
	Workers         int           `yaml:"workers"`          // pool size, 0 means one per CPU
	MaxRetries      int           `yaml:"max_retries"`      // per-material retry budget
	BackoffBase     time.Duration `yaml:"backoff_base"`     // first retry delay, doubles per attempt
	MaterialTimeout time.Duration `yaml:"material_timeout"` // per-material render deadline
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Workers:         0,
		MaxRetries:      3,
		BackoffBase:     500 * time.Millisecond,
		MaterialTimeout: 2 * time.Minute,
	}
}

// CacheConfig material switch cache configuration
type CacheConfig struct {
	Capacity      int            `yaml:"capacity"`       // max entries before eviction
	TargetLatency time.Duration  `yaml:"target_latency"` // switch latency SLO
	RedisTTL      time.Duration  `yaml:"redis_ttl"`      // shared tier entry lifetime
	Preload       []PreloadEntry `yaml:"preload"`        // pairs generated proactively at startup
}

// PreloadEntry pins a product's materials for proactive generation.
type PreloadEntry struct {
	ProductID string   `yaml:"product_id"`
	Materials []string `yaml:"materials"`
}

// DefaultCacheConfig returns the default material cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:      500,
		TargetLatency: 100 * time.Millisecond,
		RedisTTL:      time.Hour,
	}
}

// AdvisorConfig optimization advisor configuration
type AdvisorConfig struct {
	Interval           time.Duration `yaml:"interval"`             // periodic evaluation pass
	RetryRateThreshold float64       `yaml:"retry_rate_threshold"` // percent of finished jobs, above this recommend throttling
	TempDirs           []string      `yaml:"temp_dirs"`            // pruned by the disk auto-fix
}

// DefaultAdvisorConfig returns the default advisor configuration.
func DefaultAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		Interval:           time.Minute,
		RetryRateThreshold: 30,
		TempDirs:           []string{os.TempDir()},
	}
}

// RenderConfig render pipeline client configuration
type RenderConfig struct {
	Backend   string        `yaml:"backend"` // http or local, empty selects by base_url
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`   // HTTP client timeout
	Encodings []string      `yaml:"encodings"` // output encodings produced per material
}

// DefaultRenderConfig returns the default render client configuration.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Timeout:   90 * time.Second,
		Encodings: []string{"webp", "png"},
	}
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	validateAndApplyDefaults(&cfg)

	if cfg.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	GlobalConfig = &cfg
	return nil
}

// validateAndApplyDefaults replaces out-of-range values with defaults.
// Zero max_retries and zero workers are valid (no retries, one worker per CPU).
func validateAndApplyDefaults(cfg *Config) {
	monitorDefaults := DefaultMonitorConfig()
	if cfg.Monitor.SampleInterval <= 0 {
		cfg.Monitor.SampleInterval = monitorDefaults.SampleInterval
	}
	if cfg.Monitor.MemoryThreshold <= 0 || cfg.Monitor.MemoryThreshold > 100 {
		cfg.Monitor.MemoryThreshold = monitorDefaults.MemoryThreshold
	}
	if cfg.Monitor.DiskThreshold <= 0 || cfg.Monitor.DiskThreshold > 100 {
		cfg.Monitor.DiskThreshold = monitorDefaults.DiskThreshold
	}
	if cfg.Monitor.MaxProcesses <= 0 {
		cfg.Monitor.MaxProcesses = monitorDefaults.MaxProcesses
	}
	if cfg.Monitor.DiskPath == "" {
		cfg.Monitor.DiskPath = monitorDefaults.DiskPath
	}

	breakerDefaults := DefaultBreakerConfig()
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = breakerDefaults.FailureThreshold
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = breakerDefaults.Cooldown
	}

	queueDefaults := DefaultQueueConfig()
	if cfg.Queue.ReadmitInterval <= 0 {
		cfg.Queue.ReadmitInterval = queueDefaults.ReadmitInterval
	}
	if cfg.Queue.Retention <= 0 {
		cfg.Queue.Retention = queueDefaults.Retention
	}

	executorDefaults := DefaultExecutorConfig()
	if cfg.Executor.Workers < 0 {
		cfg.Executor.Workers = executorDefaults.Workers
	}
	if cfg.Executor.MaxRetries < 0 {
		cfg.Executor.MaxRetries = executorDefaults.MaxRetries
	}
	if cfg.Executor.BackoffBase <= 0 {
		cfg.Executor.BackoffBase = executorDefaults.BackoffBase
	}
	if cfg.Executor.MaterialTimeout <= 0 {
		cfg.Executor.MaterialTimeout = executorDefaults.MaterialTimeout
	}

	cacheDefaults := DefaultCacheConfig()
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = cacheDefaults.Capacity
	}
	if cfg.Cache.TargetLatency <= 0 {
		cfg.Cache.TargetLatency = cacheDefaults.TargetLatency
	}
	if cfg.Cache.RedisTTL <= 0 {
		cfg.Cache.RedisTTL = cacheDefaults.RedisTTL
	}

	advisorDefaults := DefaultAdvisorConfig()
	if cfg.Advisor.Interval <= 0 {
		cfg.Advisor.Interval = advisorDefaults.Interval
	}
	if cfg.Advisor.RetryRateThreshold <= 0 || cfg.Advisor.RetryRateThreshold > 100 {
		cfg.Advisor.RetryRateThreshold = advisorDefaults.RetryRateThreshold
	}
	if len(cfg.Advisor.TempDirs) == 0 {
		cfg.Advisor.TempDirs = advisorDefaults.TempDirs
	}

	renderDefaults := DefaultRenderConfig()
	if cfg.Render.Timeout <= 0 {
		cfg.Render.Timeout = renderDefaults.Timeout
	}
	if len(cfg.Render.Encodings) == 0 {
		cfg.Render.Encodings = renderDefaults.Encodings
	}

	if cfg.MySQL.RetentionDays <= 0 {
		cfg.MySQL.RetentionDays = 30
	}
}
