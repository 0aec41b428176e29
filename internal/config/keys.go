package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
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
		key: "server.port", typ: kInt, env: "NANOVIZ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.relay_port", typ: kInt, env: "NANOVIZ_SERVER_RELAY_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.RelayPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.RelayPort },
	},
	{
		key: "log.level", typ: kString, env: "NANOVIZ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "engine.backend", typ: kString, env: "NANOVIZ_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "ollama.base_url", typ: kString, env: "NANOVIZ_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "NANOVIZ_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.auto_pull", typ: kBool, env: "NANOVIZ_OLLAMA_AUTO_PULL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.AutoPull = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.AutoPull },
	},
	{
		key: "cloud.openrouter_api_key", typ: kString, env: "NANOVIZ_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Cloud.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.APIKey },
	},
	{
		key: "cloud.base_url", typ: kString, env: "NANOVIZ_CLOUD_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Cloud.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.BaseURL },
	},
	{
		key: "cloud.model", typ: kString, env: "NANOVIZ_CLOUD_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Cloud.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NANOVIZ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "generation.max_attempts", typ: kInt, env: "NANOVIZ_GENERATION_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxAttempts },
	},
	{
		key: "generation.backoff", typ: kDuration, env: "NANOVIZ_GENERATION_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Generation.Backoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Backoff },
	},
	{
		key: "generation.bonus_retry", typ: kBool, env: "NANOVIZ_GENERATION_BONUS_RETRY",
		apply:   func(cfg *Config, v any) { cfg.Generation.BonusRetry = v.(bool) },
		extract: func(cfg Config) any { return cfg.Generation.BonusRetry },
	},
	{
		key: "generation.bonus_delay", typ: kDuration, env: "NANOVIZ_GENERATION_BONUS_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Generation.BonusDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.BonusDelay },
	},
	{
		key: "generation.phase_timeout", typ: kDuration, env: "NANOVIZ_GENERATION_PHASE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.PhaseTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.PhaseTimeout },
	},
	{
		key: "generation.strict_schema", typ: kBool, env: "NANOVIZ_GENERATION_STRICT_SCHEMA",
		apply:   func(cfg *Config, v any) { cfg.Generation.StrictSchema = v.(bool) },
		extract: func(cfg Config) any { return cfg.Generation.StrictSchema },
	},
	{
		key: "input.min_length", typ: kInt, env: "NANOVIZ_INPUT_MIN_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Input.MinLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Input.MinLength },
	},
	{
		key: "relay.interpreter", typ: kString, env: "NANOVIZ_RELAY_INTERPRETER",
		apply:   func(cfg *Config, v any) { cfg.Relay.Interpreter = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.Interpreter },
	},
	{
		key: "relay.viz_script", typ: kString, env: "NANOVIZ_RELAY_VIZ_SCRIPT",
		apply:   func(cfg *Config, v any) { cfg.Relay.VizScript = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.VizScript },
	},
	{
		key: "relay.qa_script", typ: kString, env: "NANOVIZ_RELAY_QA_SCRIPT",
		apply:   func(cfg *Config, v any) { cfg.Relay.QAScript = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.QAScript },
	},
	{
		key: "relay.timeout", typ: kDuration, env: "NANOVIZ_RELAY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Relay.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Relay.Timeout },
	},
}

// parse converts raw into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
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
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
