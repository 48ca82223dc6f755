package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/courier/courier/internal/connectivity"
	"github.com/telhawk-systems/courier/courier/internal/payload"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Intake       IntakeConfig       `mapstructure:"intake"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Resurrection ResurrectionConfig `mapstructure:"resurrection"`
	Diagnostics  DiagnosticsConfig  `mapstructure:"diagnostics"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Process      ProcessConfig      `mapstructure:"process"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// MaxBodyBytes caps a submitted envelope.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
	// MaxPayloads is the pruning ceiling.
	MaxPayloads int  `mapstructure:"max_payloads"`
	Watch       bool `mapstructure:"watch"`
}

type IntakeConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	NotifyBuffer    int           `mapstructure:"notify_buffer"`
}

type SchedulerConfig struct {
	DeliveryInterval    time.Duration `mapstructure:"delivery_interval"`
	ImmediateTypes      []string      `mapstructure:"immediate_types"`
	InitialConnectivity string        `mapstructure:"initial_connectivity"`
	StateTTL            time.Duration `mapstructure:"state_ttl"`
}

type RetryConfig struct {
	// Dir defaults to <storage.dir>/pending.
	Dir         string        `mapstructure:"dir"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type DeliveryConfig struct {
	Backend     string        `mapstructure:"backend"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	AppID       string        `mapstructure:"app_id"`
	DeviceID    string        `mapstructure:"device_id"`
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	NatsURL     string        `mapstructure:"nats_url"`
}

type ResurrectionConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	LegacyMatchWindow time.Duration `mapstructure:"legacy_match_window"`
}

type DiagnosticsConfig struct {
	Capacity int         `mapstructure:"capacity"`
	Redis    RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type WorkerConfig struct {
	Count     int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ProcessConfig struct {
	// ID identifies this run; empty means generate one at startup.
	ID string `mapstructure:"id"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.max_body_bytes", 4<<20)
	v.SetDefault("storage.dir", "/var/lib/courier")
	v.SetDefault("storage.max_payloads", 500)
	v.SetDefault("storage.watch", false)
	v.SetDefault("intake.shutdown_timeout", "3s")
	v.SetDefault("intake.notify_buffer", 256)
	v.SetDefault("scheduler.delivery_interval", "30s")
	v.SetDefault("scheduler.immediate_types", []string{string(payload.TypeNativeCrash)})
	v.SetDefault("scheduler.initial_connectivity", "unknown")
	v.SetDefault("scheduler.state_ttl", "10m")
	v.SetDefault("retry.dir", "")
	v.SetDefault("retry.interval", "120s")
	v.SetDefault("retry.max_interval", "1h")
	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("delivery.backend", "http")
	v.SetDefault("delivery.base_url", "http://localhost:8080")
	v.SetDefault("delivery.timeout", "30s")
	v.SetDefault("delivery.app_id", "")
	v.SetDefault("delivery.device_id", "")
	v.SetDefault("delivery.token_secret", "")
	v.SetDefault("delivery.token_ttl", "15m")
	v.SetDefault("delivery.nats_url", "nats://localhost:4222")
	v.SetDefault("resurrection.enabled", true)
	v.SetDefault("resurrection.legacy_match_window", "1h")
	v.SetDefault("diagnostics.capacity", 128)
	v.SetDefault("diagnostics.redis.enabled", false)
	v.SetDefault("diagnostics.redis.url", "redis://localhost:6379/0")
	v.SetDefault("diagnostics.redis.flush_interval", "30s")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue_size", 256)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("process.id", "")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/courier")
	}

	// Environment variables override (COURIER_STORAGE_MAX_PAYLOADS, etc.)
	v.SetEnvPrefix("COURIER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Retry.Dir == "" {
		cfg.Retry.Dir = filepath.Join(cfg.Storage.Dir, "pending")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if c.Storage.MaxPayloads <= 0 {
		return fmt.Errorf("storage.max_payloads must be positive, got %d", c.Storage.MaxPayloads)
	}
	if _, err := c.ImmediateTypes(); err != nil {
		return err
	}
	if _, err := c.InitialConnectivity(); err != nil {
		return err
	}
	switch c.Delivery.Backend {
	case "http":
		if c.Delivery.BaseURL == "" {
			return fmt.Errorf("delivery.base_url is required for the http backend")
		}
	case "jetstream":
		if c.Delivery.NatsURL == "" {
			return fmt.Errorf("delivery.nats_url is required for the jetstream backend")
		}
	default:
		return fmt.Errorf("unknown delivery backend %q (supported: http, jetstream)", c.Delivery.Backend)
	}
	return nil
}

// ImmediateTypes parses scheduler.immediate_types.
func (c *Config) ImmediateTypes() ([]payload.Type, error) {
	out := make([]payload.Type, 0, len(c.Scheduler.ImmediateTypes))
	for _, s := range c.Scheduler.ImmediateTypes {
		t, err := payload.ParseType(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("scheduler.immediate_types: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// InitialConnectivity parses scheduler.initial_connectivity.
func (c *Config) InitialConnectivity() (connectivity.Status, error) {
	st, err := connectivity.Parse(c.Scheduler.InitialConnectivity)
	if err != nil {
		return connectivity.Unknown, fmt.Errorf("scheduler.initial_connectivity: %w", err)
	}
	return st, nil
}
