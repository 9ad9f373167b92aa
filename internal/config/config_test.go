package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := loadFromPath(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Generation.Enabled)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.Generation.BaseURL)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.Generation.Model)
	assert.Equal(t, 300, cfg.Generation.SelectorMaxTokens)
	assert.Equal(t, 800, cfg.Generation.DataMaxTokens)
	assert.InDelta(t, 0.2, cfg.Generation.Temperature, 1e-9)
	assert.Equal(t, 300000, cfg.Queue.TickIntervalMS)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval())
	assert.Equal(t, 10*time.Minute, cfg.Queue.ActiveLease())
}

func TestLoadFromFile(t *testing.T) {
	path := writeTempConfig(t, `
[server]
port = 5000

[generation]
enabled = false
model = "anthropic/claude-3-haiku"

[queue]
max_attempts = 5
`)
	cfg, err := loadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.False(t, cfg.Generation.Enabled)
	assert.Equal(t, "anthropic/claude-3-haiku", cfg.Generation.Model)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	// Untouched keys keep their defaults.
	assert.Equal(t, 800, cfg.Generation.DataMaxTokens)
}

func TestLoadInvalidFile(t *testing.T) {
	path := writeTempConfig(t, "[server\nport = ")
	_, err := loadFromPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
[generation]
api_key = "file-key"
`)
	t.Setenv("QAKNOW_GENERATION_API_KEY", "env-key")
	t.Setenv("QAKNOW_SERVER_PORT", "4200")
	t.Setenv("QAKNOW_GENERATION_ENABLED", "false")
	t.Setenv("QAKNOW_GENERATION_TEMPERATURE", "0.7")

	cfg, err := loadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Generation.APIKey)
	assert.Equal(t, 4200, cfg.Server.Port)
	assert.False(t, cfg.Generation.Enabled)
	assert.InDelta(t, 0.7, cfg.Generation.Temperature, 1e-9)
}

func TestEnvOverrideUnparsableIgnored(t *testing.T) {
	t.Setenv("QAKNOW_SERVER_PORT", "not-a-number")

	cfg, err := loadFromPath("")
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
}

func TestMaxAttemptsFloor(t *testing.T) {
	t.Setenv("QAKNOW_QUEUE_MAX_ATTEMPTS", "0")

	cfg, err := loadFromPath("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Queue.MaxAttempts)
}

func TestTickIntervalClamped(t *testing.T) {
	assert.Equal(t, MinTickInterval, QueueConfig{TickIntervalMS: 1000}.TickInterval())
	assert.Equal(t, MinTickInterval, QueueConfig{}.TickInterval())
	assert.Equal(t, 5*time.Minute, QueueConfig{TickIntervalMS: 300000}.TickInterval())
}

func TestGenerationAvailable(t *testing.T) {
	assert.False(t, GenerationConfig{Enabled: true}.Available())
	assert.False(t, GenerationConfig{APIKey: "k"}.Available())
	assert.True(t, GenerationConfig{Enabled: true, APIKey: "k"}.Available())
}

func TestFilePath(t *testing.T) {
	t.Setenv("QAKNOW_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "qaknow", "config.toml"), FilePath())

	t.Setenv("QAKNOW_CONFIG", "/etc/qaknow.toml")
	assert.Equal(t, "/etc/qaknow.toml", FilePath())
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Generation.APIKey = "sk-secret"
	cfg.Server.APIToken = "token"

	for _, info := range ShowAll(cfg) {
		assert.NotEqual(t, "generation.api_key", info.Key)
		assert.NotEqual(t, "server.api_token", info.Key)
		assert.NotContains(t, info.Value, "sk-secret")
	}
	assert.Contains(t, ValidKeys(), "queue.tick_interval_ms")
	assert.NotContains(t, ValidKeys(), "generation.api_key")
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, SetKey(path, "server.port", "4300"))
	require.NoError(t, SetKey(path, "generation.model", "meta/llama"))

	cfg, err := loadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 4300, cfg.Server.Port)
	assert.Equal(t, "meta/llama", cfg.Generation.Model)
}

func TestSetKeyRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	err := SetKey(path, "nope.key", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")

	err = SetKey(path, "generation.api_key", "sk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QAKNOW_GENERATION_API_KEY")

	err = SetKey(path, "server.port", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid value")
}

func TestProviderCachesUntilTTL(t *testing.T) {
	loads := 0
	p := NewProviderFunc(func() (Config, error) {
		loads++
		cfg := defaults()
		cfg.Server.Port = 4000 + loads
		return cfg, nil
	}, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	ctx := context.Background()
	cfg, err := p.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 4001, cfg.Server.Port)

	cfg, _ = p.Get(ctx, false)
	assert.Equal(t, 4001, cfg.Server.Port)
	assert.Equal(t, 1, loads)

	now = now.Add(2 * time.Minute)
	cfg, _ = p.Get(ctx, false)
	assert.Equal(t, 4002, cfg.Server.Port)
}

func TestProviderBypassAndInvalidate(t *testing.T) {
	loads := 0
	p := NewProviderFunc(func() (Config, error) {
		loads++
		return defaults(), nil
	}, time.Hour)

	ctx := context.Background()
	_, _ = p.Get(ctx, false)
	_, _ = p.Get(ctx, true)
	assert.Equal(t, 2, loads)

	p.Invalidate()
	_, _ = p.Get(ctx, false)
	assert.Equal(t, 3, loads)
}

func TestProviderServesCachedOnReloadError(t *testing.T) {
	fail := false
	p := NewProviderFunc(func() (Config, error) {
		if fail {
			return Config{}, errors.New("boom")
		}
		return defaults(), nil
	}, time.Hour)

	ctx := context.Background()
	_, err := p.Get(ctx, false)
	require.NoError(t, err)

	fail = true
	cfg, err := p.Get(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
}

func TestProviderFirstLoadError(t *testing.T) {
	p := NewProviderFunc(func() (Config, error) { return Config{}, errors.New("boom") }, time.Hour)
	_, err := p.Get(context.Background(), false)
	require.Error(t, err)
}

func TestProviderWatchInvalidates(t *testing.T) {
	path := writeTempConfig(t, "[server]\nport = 5001\n")
	p := NewProvider(path, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()

	cfg, err := p.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 5001, cfg.Server.Port)

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 5002\n"), 0o644))

	require.Eventually(t, func() bool {
		cfg, err := p.Get(ctx, false)
		return err == nil && cfg.Server.Port == 5002
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestStaticSource(t *testing.T) {
	cfg := defaults()
	cfg.Server.Port = 1
	got, err := Static(cfg).Get(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Server.Port)
}

func TestProviderInvalidateKeepsCachedOnError(t *testing.T) {
	fail := false
	p := NewProviderFunc(func() (Config, error) {
		if fail {
			return Config{}, errors.New("boom")
		}
		return defaults(), nil
	}, time.Hour)

	ctx := context.Background()
	_, err := p.Get(ctx, false)
	require.NoError(t, err)

	fail = true
	p.Invalidate()
	cfg, err := p.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
}
