package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnana997/tokensync/pkg/watcher"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), false, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfig_MissingExplicitFileFails(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), true, map[string]string{})
	assert.Error(t, err)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
cache_backend: sqlite
cache_path: /tmp/tokens.sqlite
flush_interval_ms: 32
chunks_dir: ./design
include:
  - "tokens/**/*.json"
log_level: debug
`)

	cfg, err := loadConfig(path, true, map[string]string{
		"TOKENSYNC_FLUSH_INTERVAL_MS": "8",
		"TOKENSYNC_EXCLUDE":           "drafts/**,legacy/**",
		"TOKENSYNC_SHARED_BUFFER":     "false",
	})
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.CacheBackend)
	assert.Equal(t, "/tmp/tokens.sqlite", cfg.CachePath)
	assert.Equal(t, 8, cfg.FlushIntervalMs, "env wins over file")
	assert.Equal(t, "./design", cfg.ChunksDir)
	assert.Equal(t, []string{"tokens/**/*.json"}, cfg.Include)
	assert.Equal(t, []string{"drafts/**", "legacy/**"}, cfg.Exclude)
	assert.False(t, cfg.SharedBuffer)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "tokensync:updates", cfg.RedisTopic, "untouched defaults survive")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "cache_backend: [unterminated")
	_, err := loadConfig(path, true, map[string]string{})
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadConfig_InvalidEnv(t *testing.T) {
	_, err := loadConfig("", false, map[string]string{"TOKENSYNC_FLUSH_INTERVAL_MS": "soon"})
	assert.ErrorContains(t, err, "parse env")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "memory needs no path", mutate: func(c *Config) { c.CacheBackend = "memory"; c.CachePath = "" }},
		{name: "unknown backend", mutate: func(c *Config) { c.CacheBackend = "etcd" }, wantErr: "unknown cache_backend"},
		{name: "bolt needs path", mutate: func(c *Config) { c.CachePath = "" }, wantErr: "cache_path is required"},
		{name: "negative flush", mutate: func(c *Config) { c.FlushIntervalMs = -1 }, wantErr: "flush_interval_ms"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log level"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestConfigWatchOptions(t *testing.T) {
	cfg := defaultConfig()
	cfg.Include = nil
	cfg.Exclude = []string{"drafts/**"}

	opts := cfg.watchOptions()
	assert.Equal(t, []string{watcher.DefaultInclude}, opts.Include)
	assert.Equal(t, []string{"drafts/**"}, opts.Exclude)
	assert.Equal(t, watcher.DefaultOptions().DebounceMs, opts.DebounceMs)
}

func TestOpenCache_Backends(t *testing.T) {
	for _, backend := range []string{"bolt", "sqlite", "memory"} {
		t.Run(backend, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.CacheBackend = backend
			cfg.CachePath = filepath.Join(t.TempDir(), "nested", "tokens.db")

			tc, err := cfg.openCache(nil)
			require.NoError(t, err)
			assert.NoError(t, tc.Close())
		})
	}
}

func TestUpdatesURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:7420/updates", updatesURL("127.0.0.1:7420"))
	assert.Equal(t, "ws://127.0.0.1:9000/updates", updatesURL(":9000"))
	assert.Equal(t, "ws://127.0.0.1:9000/updates", updatesURL("0.0.0.0:9000"))
	assert.Equal(t, "ws://tokens.internal:80/updates", updatesURL("tokens.internal:80"))
}
