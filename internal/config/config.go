// Package config loads the anonymizer configuration from a YAML file and
// the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/ner"
	"github.com/openredact/clinical/internal/pii"
	"github.com/openredact/clinical/internal/pipeline"
	"github.com/openredact/clinical/internal/storage"
	"github.com/openredact/clinical/internal/storage/clickhouse"
	"github.com/openredact/clinical/internal/storage/postgres"
	"github.com/openredact/clinical/internal/storage/redis"
	"github.com/openredact/clinical/pkg/logger"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config holds the anonymizer configuration.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Logging    logger.Config       `yaml:"logging"`
	Storage    StorageConfig       `yaml:"storage"`
	Redis      RedisConfig         `yaml:"redis"`
	ClickHouse ClickHouseConfig    `yaml:"clickhouse"`
	NER        NERConfig           `yaml:"ner"`
	Limits     LimitsConfig        `yaml:"limits"`
	Pipeline   pipeline.PoolConfig `yaml:"pipeline"`
	Detector   pii.DetectorConfig  `yaml:"detector"`
	Defaults   DefaultsConfig      `yaml:"defaults"`
	Jobs       JobsConfig          `yaml:"jobs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	BodyLimit    int           `yaml:"body_limit"` // bytes
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORSOrigins  string        `yaml:"cors_origins"`
	// RateLimit is requests per RateWindow and client IP. Zero disables it.
	// Needs redis.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

// StorageConfig selects where lists and templates are kept.
type StorageConfig struct {
	Driver   string          `yaml:"driver"` // memory | postgres
	Postgres postgres.Config `yaml:"postgres"`
}

// RedisConfig enables the job queue, rate limiter and audit feed.
type RedisConfig struct {
	Enabled      bool `yaml:"enabled"`
	redis.Config `yaml:",inline"`
}

// ClickHouseConfig enables the audit event store.
type ClickHouseConfig struct {
	Enabled           bool `yaml:"enabled"`
	clickhouse.Config `yaml:",inline"`
}

// NERConfig lists the external entity recognizers, primary first.
type NERConfig struct {
	Sources []ner.Config `yaml:"sources"`
}

// LimitsConfig bounds stored collections and request sizes.
type LimitsConfig struct {
	storage.Limits `yaml:",inline"`
	MaxTextRunes   int `yaml:"max_text_runes"`
	MaxBatchSize   int `yaml:"max_batch_size"`
}

// DefaultsConfig holds the mechanism used when no template is given.
type DefaultsConfig struct {
	Mechanism models.Mechanism `yaml:"mechanism"`
}

// JobsConfig configures asynchronous jobs.
type JobsConfig struct {
	ResultTTL   time.Duration `yaml:"result_ttl"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8000",
			BodyLimit:    4 * 1024 * 1024,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			CORSOrigins:  "*",
			RateWindow:   time.Minute,
		},
		Logging: logger.DefaultConfig(),
		Storage: StorageConfig{
			Driver:   DriverMemory,
			Postgres: postgres.DefaultConfig(),
		},
		Redis:      RedisConfig{Config: redis.DefaultConfig()},
		ClickHouse: ClickHouseConfig{Config: clickhouse.DefaultConfig()},
		Limits: LimitsConfig{
			Limits:       storage.DefaultLimits(),
			MaxTextRunes: 100000,
			MaxBatchSize: 100,
		},
		Pipeline: pipeline.DefaultPoolConfig(),
		Detector: pii.DefaultDetectorConfig(),
		Defaults: DefaultsConfig{Mechanism: models.Redact()},
		Jobs: JobsConfig{
			ResultTTL:   24 * time.Hour,
			PollTimeout: 5 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, then applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from REDACT_* variables and the logger's
// LOG_LEVEL and LOG_DEV.
func (c *Config) ApplyEnv() error {
	c.Logging = logger.ApplyEnv(c.Logging)

	if v := os.Getenv("REDACT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("REDACT_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("REDACT_POSTGRES_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("REDACT_REDIS_ADDR"); v != "" {
		host, port, err := splitAddr(v)
		if err != nil {
			return fmt.Errorf("REDACT_REDIS_ADDR: %w", err)
		}
		c.Redis.Enabled = true
		c.Redis.Host, c.Redis.Port = host, port
	}
	if v := os.Getenv("REDACT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDACT_CLICKHOUSE_ADDR"); v != "" {
		host, port, err := splitAddr(v)
		if err != nil {
			return fmt.Errorf("REDACT_CLICKHOUSE_ADDR: %w", err)
		}
		c.ClickHouse.Enabled = true
		c.ClickHouse.Host, c.ClickHouse.Port = host, port
	}
	if v := os.Getenv("REDACT_CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("REDACT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDACT_WORKERS: %w", err)
		}
		c.Pipeline.Workers = n
	}
	if v := os.Getenv("REDACT_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDACT_RATE_LIMIT: %w", err)
		}
		c.Server.RateLimit = n
	}
	return nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.BodyLimit <= 0 {
		return fmt.Errorf("server.body_limit must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 {
		if !c.Redis.Enabled {
			return fmt.Errorf("server.rate_limit requires redis")
		}
		if c.Server.RateWindow <= 0 {
			return fmt.Errorf("server.rate_window must be positive")
		}
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverPostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	names := make(map[string]struct{}, len(c.NER.Sources))
	for i := range c.NER.Sources {
		if err := c.NER.Sources[i].Validate(); err != nil {
			return err
		}
		if _, ok := names[c.NER.Sources[i].Name]; ok {
			return fmt.Errorf("duplicate ner source %q", c.NER.Sources[i].Name)
		}
		names[c.NER.Sources[i].Name] = struct{}{}
	}

	l := c.Limits
	if l.MaxListEntries <= 0 || l.MaxEntryLength <= 0 || l.MaxTemplates <= 0 || l.MaxTextRunes <= 0 || l.MaxBatchSize <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.Pipeline.Workers <= 0 || c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("pipeline.workers and pipeline.buffer_size must be positive")
	}
	if err := c.Defaults.Mechanism.Validate(); err != nil {
		return fmt.Errorf("defaults.mechanism: %w", err)
	}
	if c.Jobs.ResultTTL <= 0 || c.Jobs.PollTimeout <= 0 {
		return fmt.Errorf("jobs.result_ttl and jobs.poll_timeout must be positive")
	}
	return nil
}
