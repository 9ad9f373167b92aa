package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "QAKNOW_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "QAKNOW_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QAKNOW_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "QAKNOW_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "generation.enabled", typ: kBool, env: "QAKNOW_GENERATION_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Generation.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Generation.Enabled },
	},
	{
		key: "generation.api_key", typ: kString, env: "QAKNOW_GENERATION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generation.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.APIKey },
	},
	{
		key: "generation.base_url", typ: kString, env: "QAKNOW_GENERATION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.BaseURL },
	},
	{
		key: "generation.model", typ: kString, env: "QAKNOW_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.selector_max_tokens", typ: kInt, env: "QAKNOW_GENERATION_SELECTOR_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.SelectorMaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.SelectorMaxTokens },
	},
	{
		key: "generation.data_max_tokens", typ: kInt, env: "QAKNOW_GENERATION_DATA_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.DataMaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.DataMaxTokens },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "QAKNOW_GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "queue.tick_interval_ms", typ: kInt, env: "QAKNOW_QUEUE_TICK_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Queue.TickIntervalMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.TickIntervalMS },
	},
	{
		key: "queue.poll_interval_ms", typ: kInt, env: "QAKNOW_QUEUE_POLL_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollIntervalMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.PollIntervalMS },
	},
	{
		key: "queue.max_attempts", typ: kInt, env: "QAKNOW_QUEUE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxAttempts },
	},
	{
		key: "queue.active_lease_ms", typ: kInt, env: "QAKNOW_QUEUE_ACTIVE_LEASE_MS",
		apply:   func(cfg *Config, v any) { cfg.Queue.ActiveLeaseMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.ActiveLeaseMS },
	},
}

// parseValue converts raw text to the key's type.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
