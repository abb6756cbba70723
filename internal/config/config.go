// Package config loads worker settings from WORKER_* environment variables
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/AltairaLabs/funcworker/internal/logging"
)

// EnvPrefix is prepended to every configuration key
const EnvPrefix = "WORKER"

// Configuration keys (WORKER_<KEY> in the environment)
const (
	KeyLogLevel          = "log_level"
	KeyMaxConcurrency    = "max_concurrency"
	KeyQueueHighWater    = "queue_high_water"
	KeyOutboundQueueSize = "outbound_queue_size"
	KeyInitTimeout       = "init_timeout"
	KeyDrainGrace        = "drain_grace"
	KeyCancelGrace       = "cancel_grace"
	KeyPluginPath        = "plugin_path"
	KeyMetricsAddr       = "metrics_addr"
	KeyLogRate           = "log_rate"
	KeyLogBurst          = "log_burst"
	KeyMaxMessageBytes   = "max_message_bytes"
)

// Config holds the worker settings that are not part of the bootstrap
// command line
type Config struct {
	// LogLevel is the floor for both the process and the per-invocation logger
	LogLevel slog.Level
	// MaxConcurrency caps concurrently running invocations
	MaxConcurrency int
	// QueueHighWater is the queued-invocation count above which the worker
	// reports itself saturated
	QueueHighWater int
	// OutboundQueueSize bounds the outbound message queue
	OutboundQueueSize int
	// InitTimeout bounds the wait for WorkerInitRequest
	InitTimeout time.Duration
	// DrainGrace is the default drain grace when WorkerTerminate carries none
	DrainGrace time.Duration
	// CancelGrace is the default grace after InvocationCancel
	CancelGrace time.Duration
	// PluginPath lists directories searched for plug-in entry points
	PluginPath []string
	// MetricsAddr enables a /metrics listener when non-empty
	MetricsAddr string
	// LogRate and LogBurst throttle user log lines per invocation
	LogRate  float64
	LogBurst int
	// MaxMessageBytes bounds a single frame on the event stream
	MaxMessageBytes int
}

// Default returns the configuration used when no environment is set
func Default() *Config {
	concurrency := runtime.NumCPU() * DefaultConcurrencyPerCPU
	return &Config{
		LogLevel:          slog.LevelInfo,
		MaxConcurrency:    concurrency,
		QueueHighWater:    concurrency * DefaultHighWaterFactor,
		OutboundQueueSize: DefaultOutboundQueueSize,
		InitTimeout:       DefaultInitTimeout,
		DrainGrace:        DefaultDrainGrace,
		CancelGrace:       DefaultCancelGrace,
		LogRate:           DefaultLogRate,
		LogBurst:          DefaultLogBurst,
		MaxMessageBytes:   DefaultMaxMessageBytes,
	}
}

// Load reads the configuration from the process environment
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMaxConcurrency, def.MaxConcurrency)
	v.SetDefault(KeyQueueHighWater, 0)
	v.SetDefault(KeyOutboundQueueSize, def.OutboundQueueSize)
	v.SetDefault(KeyInitTimeout, def.InitTimeout)
	v.SetDefault(KeyDrainGrace, def.DrainGrace)
	v.SetDefault(KeyCancelGrace, def.CancelGrace)
	v.SetDefault(KeyPluginPath, "")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyLogRate, def.LogRate)
	v.SetDefault(KeyLogBurst, def.LogBurst)
	v.SetDefault(KeyMaxMessageBytes, def.MaxMessageBytes)

	level, err := logging.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return nil, fmt.Errorf("WORKER_LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		LogLevel:          level,
		MaxConcurrency:    v.GetInt(KeyMaxConcurrency),
		QueueHighWater:    v.GetInt(KeyQueueHighWater),
		OutboundQueueSize: v.GetInt(KeyOutboundQueueSize),
		InitTimeout:       v.GetDuration(KeyInitTimeout),
		DrainGrace:        v.GetDuration(KeyDrainGrace),
		CancelGrace:       v.GetDuration(KeyCancelGrace),
		PluginPath:        splitPath(v.GetString(KeyPluginPath)),
		MetricsAddr:       v.GetString(KeyMetricsAddr),
		LogRate:           v.GetFloat64(KeyLogRate),
		LogBurst:          v.GetInt(KeyLogBurst),
		MaxMessageBytes:   v.GetInt(KeyMaxMessageBytes),
	}
	if cfg.QueueHighWater == 0 {
		cfg.QueueHighWater = cfg.MaxConcurrency * DefaultHighWaterFactor
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the worker cannot run with
func (c *Config) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.QueueHighWater <= 0 {
		return fmt.Errorf("queue high-water mark must be positive, got %d", c.QueueHighWater)
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("outbound queue size must be positive, got %d", c.OutboundQueueSize)
	}
	if c.InitTimeout <= 0 {
		return fmt.Errorf("init timeout must be positive, got %v", c.InitTimeout)
	}
	if c.DrainGrace < 0 || c.CancelGrace < 0 {
		return fmt.Errorf("grace periods cannot be negative")
	}
	if c.LogRate < 0 || c.LogBurst < 0 {
		return fmt.Errorf("log rate and burst cannot be negative")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive, got %d", c.MaxMessageBytes)
	}
	return nil
}

func splitPath(s string) []string {
	if s == "" {
		return nil
	}
	var dirs []string
	for _, dir := range filepath.SplitList(s) {
		if dir = strings.TrimSpace(dir); dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

