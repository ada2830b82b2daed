package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnana997/tokensync/pkg/channel"
	"github.com/gnana997/tokensync/pkg/coordinator"
	"github.com/gnana997/tokensync/pkg/tokens"
)

const testChunk = `{
  "id": "core",
  "version": "1.0.0",
  "tokens": {
    "color-primary": {"value": "#0055ff", "type": "color", "category": "brand"},
    "space-sm": {"value": 4, "type": "spacing", "category": "base"}
  }
}`

// execute runs the CLI in a scratch directory with an empty environment.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	root := newRootCmd(&app{environ: map[string]string{}})
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedCache(t *testing.T, cfg Config, components ...tokens.TokenComponent) {
	t.Helper()
	tc, err := cfg.openCache(discardLogger())
	require.NoError(t, err)
	defer tc.Close()

	m := make(map[string]tokens.TokenComponent, len(components))
	for _, c := range components {
		m[c.ID] = c
	}
	require.NoError(t, tc.SetTokens(context.Background(), m))
}

func sqliteConfig(t *testing.T) Config {
	t.Helper()
	cfg := defaultConfig()
	cfg.CacheBackend = "sqlite"
	cfg.CachePath = filepath.Join(t.TempDir(), "tokens.sqlite")
	return cfg
}

func color(id, value string) tokens.TokenComponent {
	return tokens.TokenComponent{
		ID:        id,
		Type:      tokens.TypeColor,
		Value:     tokens.TokenValue{Value: value, Type: tokens.TypeColor, Category: "brand"},
		Processed: true,
		Timestamp: time.Now(),
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tokensync "+version+"\n", out)
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "--cache-backend", "etcd", "get")
	assert.ErrorContains(t, err, "invalid config")
}

func TestRootCmd_ExplicitConfigMustExist(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "--config", "missing.yaml", "get")
	assert.ErrorContains(t, err, "read config")
}

func TestGetCmd_PrintsCachedTokens(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := sqliteConfig(t)
	seedCache(t, cfg, color("color-primary", "#0055ff"))

	out, err := execute(t, "--cache-backend", "sqlite", "--cache-path", cfg.CachePath, "get", "color")
	require.NoError(t, err)

	var state tokens.TokenState
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	got, ok := state.Get("color-primary")
	require.True(t, ok)
	assert.Equal(t, "#0055ff", got.Value.Value)
}

func TestGetCmd_EmptyCache(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := sqliteConfig(t)

	out, err := execute(t, "--cache-backend", "sqlite", "--cache-path", cfg.CachePath, "get")
	require.NoError(t, err)

	var state tokens.TokenState
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.True(t, state.IsEmpty())
}

func TestGetCmd_UnknownType(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "--cache-backend", "memory", "get", "gradient")
	assert.ErrorContains(t, err, `unknown token type "gradient"`)
}

func TestClearCmd(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := sqliteConfig(t)
	seedCache(t, cfg, color("color-primary", "#0055ff"))

	out, err := execute(t, "--cache-backend", "sqlite", "--cache-path", cfg.CachePath, "clear")
	require.NoError(t, err)
	assert.Equal(t, "cache cleared\n", out)

	tc, err := cfg.openCache(discardLogger())
	require.NoError(t, err)
	defer tc.Close()
	_, found, err := tc.GetTokens(context.Background(), tokens.AllTypes())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPushCmd_InvalidChunk(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("bad.tokens.json", []byte(`{"id": "core"}`), 0o644))

	_, err := execute(t, "push", "bad.tokens.json")
	assert.ErrorContains(t, err, "chunk validation failed")
}

func TestChunkState(t *testing.T) {
	chunk, err := tokens.ParseChunk([]byte(testChunk))
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	state := chunkState(chunk, now)

	assert.Equal(t, 2, state.Len())
	assert.Equal(t, now, state.Timestamp())
	got, ok := state.Get("space-sm")
	require.True(t, ok)
	assert.Equal(t, tokens.TypeSpacing, got.Type)
	assert.True(t, got.Processed)
	assert.Equal(t, now, got.Timestamp)
}

func fetchStats(addr string) (coordinator.Stats, bool) {
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		return coordinator.Stats{}, false
	}
	defer resp.Body.Close()
	var stats coordinator.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return coordinator.Stats{}, false
	}
	return stats, true
}

func TestServeAndPush(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("core.tokens.json", []byte(testChunk), 0o644))

	cfg := defaultConfig()
	cfg.CacheBackend = "memory"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SharedBuffer = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, false, discardLogger(), ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not become ready")
	}

	out, err := execute(t, "push", "--url", updatesURL(addr), "--retries", "3", "core.tokens.json")
	require.NoError(t, err)
	assert.Equal(t, "pushed 2 tokens from core\n", out)

	assert.Eventually(t, func() bool {
		stats, ok := fetchStats(addr)
		return ok && stats.Processed == 2 && stats.Flushes >= 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_WatchesChunksDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core.tokens.json"), []byte(testChunk), 0o644))

	cfg := defaultConfig()
	cfg.CacheBackend = "memory"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SharedBuffer = false
	cfg.ChunksDir = dir

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, false, discardLogger(), ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not become ready")
	}

	// The chunk on disk is loaded before the hub starts listening.
	stats, ok := fetchStats(addr)
	require.True(t, ok)
	assert.Equal(t, 2, stats.Processed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestForward(t *testing.T) {
	from := channel.NewLocal(4)
	to := channel.NewLocal(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- forward(ctx, from, to) }()

	state := tokens.NewTokenState(map[string]tokens.TokenComponent{"c": color("c", "#fff")}, time.Now())
	msg := channel.NewUpdate(state)
	require.NoError(t, from.Send(ctx, msg))

	got, err := to.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.State.Len())

	require.NoError(t, from.Close())
	assert.NoError(t, <-done)
}
