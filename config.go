package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	Addr      string `env:"TIO_ADDR" envDefault:":7171"`
	HTTPAddr  string `env:"TIO_HTTP_ADDR" envDefault:":7172"`
	LogFile   string `env:"TIO_LOG_FILE" envDefault:""`
	DataDir   string `env:"TIO_DATA_DIR" envDefault:"./data"`
	AppendLog string `env:"TIO_APPEND_LOG_DIR" envDefault:"./data/log"`

	// Resource limits (container-aware, mirrors cgroup detection)
	CPULimit    float64 `env:"TIO_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"TIO_MEMORY_LIMIT" envDefault:"536870912"`

	MaxConnections int `env:"TIO_MAX_CONNECTIONS" envDefault:"2000"`

	// Rate limiting
	MaxCommandsPerSec  int `env:"TIO_MAX_COMMANDS_PER_SEC" envDefault:"2000"`
	MaxPublishPerSec   int `env:"TIO_MAX_PUBLISH_PER_SEC" envDefault:"5000"`
	MaxGoroutines      int `env:"TIO_MAX_GOROUTINES" envDefault:"4000"`
	WorkerPoolSize     int `env:"TIO_WORKER_POOL_SIZE" envDefault:"0"` // 0 = 2x GOMAXPROCS
	WorkerQueueSize    int `env:"TIO_WORKER_QUEUE_SIZE" envDefault:"4096"`
	EventBusQueueDepth int `env:"TIO_EVENTBUS_QUEUE_DEPTH" envDefault:"8192"`

	// Safety thresholds (emergency brakes, relative to container CPU allocation)
	CPURejectThreshold float64 `env:"TIO_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"TIO_CPU_PAUSE_THRESHOLD" envDefault:"85.0"`

	// NATS JetStream fanout sink (optional, additive — see SPEC_FULL.md §2)
	NATSUrl           string        `env:"TIO_NATS_URL" envDefault:""`
	JSStreamName      string        `env:"TIO_JS_STREAM_NAME" envDefault:"TIO_EVENTS"`
	JSStreamMaxAge    time.Duration `env:"TIO_JS_STREAM_MAX_AGE" envDefault:"24h"`
	JSStreamMaxMsgs   int64         `env:"TIO_JS_STREAM_MAX_MSGS" envDefault:"1000000"`

	// Append log
	AppendLogEnabled       bool  `env:"TIO_APPEND_LOG_ENABLED" envDefault:"true"`
	AppendLogRotateLines   int   `env:"TIO_APPEND_LOG_ROTATE_LINES" envDefault:"100000"`
	AppendLogRotateBytes   int64 `env:"TIO_APPEND_LOG_ROTATE_BYTES" envDefault:"67108864"`

	// Monitoring
	MetricsInterval time.Duration `env:"TIO_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"TIO_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TIO_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"TIO_ENVIRONMENT" envDefault:"development"`

	// Optional seed admin credential, registered with Auth at startup so an
	// operator can authenticate at all before any other user exists.
	AdminUser  string `env:"TIO_ADMIN_USER" envDefault:""`
	AdminToken string `env:"TIO_ADMIN_TOKEN" envDefault:""`
}

// LoadConfig reads configuration from a `.env` file, environment variables,
// and (if non-empty) a JSON override file supplied via --config.
// Priority: --config file < .env file < environment variables.
func LoadConfig(configFile string, logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("TIO_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("TIO_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("TIO_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("TIO_CPU_PAUSE_THRESHOLD (%.1f) must be >= TIO_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("TIO_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("TIO_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("http_addr", c.HTTPAddr).
		Str("data_dir", c.DataDir).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_connections", c.MaxConnections).
		Int("max_commands_per_sec", c.MaxCommandsPerSec).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Bool("append_log_enabled", c.AppendLogEnabled).
		Str("nats_url", c.NATSUrl).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
