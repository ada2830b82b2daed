package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/gnana997/tokensync/pkg/cache"
	"github.com/gnana997/tokensync/pkg/util"
	"github.com/gnana997/tokensync/pkg/watcher"
)

const (
	defaultConfigPath = ".tokensync/config.yaml"
	envPrefix         = "TOKENSYNC_"
)

// Config is the merged configuration: defaults, then the project file, then
// TOKENSYNC_* environment variables, then flags.
type Config struct {
	CacheBackend       string   `yaml:"cache_backend" env:"CACHE_BACKEND"`
	CachePath          string   `yaml:"cache_path" env:"CACHE_PATH"`
	CacheMaxPartitions int      `yaml:"cache_max_partitions" env:"CACHE_MAX_PARTITIONS"`
	FlushIntervalMs    int      `yaml:"flush_interval_ms" env:"FLUSH_INTERVAL_MS"`
	ListenAddr         string   `yaml:"listen_addr" env:"LISTEN_ADDR"`
	ChunksDir          string   `yaml:"chunks_dir" env:"CHUNKS_DIR"`
	Include            []string `yaml:"include" env:"INCLUDE" envSeparator:","`
	Exclude            []string `yaml:"exclude" env:"EXCLUDE" envSeparator:","`
	SharedBuffer       bool     `yaml:"shared_buffer" env:"SHARED_BUFFER"`
	RedisAddr          string   `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisTopic         string   `yaml:"redis_topic" env:"REDIS_TOPIC"`
	LogLevel           string   `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat          string   `yaml:"log_format" env:"LOG_FORMAT"`
	MCPLogPath         string   `yaml:"mcp_log_path" env:"MCP_LOG_PATH"`
}

func defaultConfig() Config {
	return Config{
		CacheBackend:       "bolt",
		CachePath:          ".tokensync/tokens.db",
		CacheMaxPartitions: cache.DefaultConfig().MaxPartitions,
		FlushIntervalMs:    16,
		ListenAddr:         "127.0.0.1:7420",
		Include:            []string{watcher.DefaultInclude},
		SharedBuffer:       true,
		RedisTopic:         "tokensync:updates",
		LogLevel:           string(util.LevelInfo),
		LogFormat:          string(util.FormatJSON),
	}
}

// loadConfig layers the file at path and the environment over the defaults.
// A missing file is not an error unless the path was given explicitly.
// environ overrides the process environment when non-nil.
func loadConfig(path string, explicit bool, environ map[string]string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err) && !explicit:
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch c.CacheBackend {
	case "bolt", "sqlite":
		if c.CachePath == "" {
			return fmt.Errorf("cache_path is required for the %s backend", c.CacheBackend)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown cache_backend %q (want bolt, sqlite or memory)", c.CacheBackend)
	}
	if c.FlushIntervalMs < 0 {
		return fmt.Errorf("flush_interval_ms must not be negative")
	}
	return util.ValidateLoggerConfig(c.loggerConfig())
}

func (c Config) loggerConfig() util.LoggerConfig {
	return util.LoggerConfig{
		Level:  util.LogLevel(c.LogLevel),
		Format: util.LogFormat(c.LogFormat),
		Output: os.Stderr,
	}
}

func (c Config) flushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (c Config) watchOptions() watcher.Options {
	opts := watcher.DefaultOptions()
	if len(c.Include) > 0 {
		opts.Include = c.Include
	}
	opts.Exclude = c.Exclude
	return opts
}

// openCache opens the configured backend and wraps it in a Cache.
func (c Config) openCache(logger *slog.Logger) (*cache.Cache, error) {
	var backend cache.Backend
	switch c.CacheBackend {
	case "memory":
		backend = cache.NewMemoryBackend()
	case "bolt", "sqlite":
		if err := os.MkdirAll(filepath.Dir(c.CachePath), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		var err error
		if c.CacheBackend == "bolt" {
			backend, err = cache.OpenBolt(c.CachePath)
		} else {
			backend, err = cache.OpenSQLite(c.CachePath)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown cache_backend %q", c.CacheBackend)
	}

	tc, err := cache.New(backend, &cache.Config{MaxPartitions: c.CacheMaxPartitions, Logger: logger})
	if err != nil {
		backend.Close()
		return nil, err
	}
	return tc, nil
}
