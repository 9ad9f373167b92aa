package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// MinTickInterval bounds how often the scheduler may fire.
const MinTickInterval = 60 * time.Second

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Log        LogConfig        `toml:"log"`
	Generation GenerationConfig `toml:"generation"`
	Queue      QueueConfig      `toml:"queue"`
}

type ServerConfig struct {
	Port     int    `toml:"port"`
	APIToken string `toml:"api_token"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type GenerationConfig struct {
	Enabled           bool    `toml:"enabled"`
	APIKey            string  `toml:"api_key"`
	BaseURL           string  `toml:"base_url"`
	Model             string  `toml:"model"`
	SelectorMaxTokens int     `toml:"selector_max_tokens"`
	DataMaxTokens     int     `toml:"data_max_tokens"`
	Temperature       float64 `toml:"temperature"`
}

// Available reports whether generation calls may be made.
func (g GenerationConfig) Available() bool {
	return g.Enabled && g.APIKey != ""
}

type QueueConfig struct {
	TickIntervalMS int `toml:"tick_interval_ms"`
	PollIntervalMS int `toml:"poll_interval_ms"`
	MaxAttempts    int `toml:"max_attempts"`
	ActiveLeaseMS  int `toml:"active_lease_ms"`
}

// TickInterval returns the scheduler interval, never below MinTickInterval.
func (q QueueConfig) TickInterval() time.Duration {
	d := time.Duration(q.TickIntervalMS) * time.Millisecond
	if d < MinTickInterval {
		return MinTickInterval
	}
	return d
}

func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

func (q QueueConfig) ActiveLease() time.Duration {
	return time.Duration(q.ActiveLeaseMS) * time.Millisecond
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Generation: GenerationConfig{
			Enabled:           true,
			BaseURL:           "https://openrouter.ai/api/v1",
			Model:             "openai/gpt-4o-mini",
			SelectorMaxTokens: 300,
			DataMaxTokens:     800,
			Temperature:       0.2,
		},
		Queue: QueueConfig{
			TickIntervalMS: 300000,
			PollIntervalMS: 500,
			MaxAttempts:    3,
			ActiveLeaseMS:  600000,
		},
	}
}

// Load reads configuration from the TOML file at FilePath and applies
// QAKNOW_* environment overrides on top. A missing file is not an error.
func Load() (Config, error) {
	return loadFromPath(FilePath())
}

func loadFromPath(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Queue.MaxAttempts < 1 {
		cfg.Queue.MaxAttempts = 1
	}
	if cfg.Queue.PollIntervalMS <= 0 {
		cfg.Queue.PollIntervalMS = 500
	}
	return cfg, nil
}

// FilePath returns $QAKNOW_CONFIG or $XDG_CONFIG_HOME/qaknow/config.toml.
func FilePath() string {
	if p := os.Getenv("QAKNOW_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "qaknow", "config.toml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "qaknow-data"
		}
	}
	return filepath.Join(dir, "qaknow")
}
