package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Engine     EngineConfig
	Ollama     OllamaConfig
	Cloud      CloudConfig
	Storage    StorageConfig
	Generation GenerationConfig
	Input      InputConfig
	Relay      RelayConfig
}

type ServerConfig struct {
	Port int
	// RelayPort serves the script relay; 0 disables it.
	RelayPort int
}

type LogConfig struct {
	Level string
}

type EngineConfig struct {
	// Backend is "ollama", "cloud" or "auto".
	Backend string
}

type OllamaConfig struct {
	BaseURL  string
	Model    string
	AutoPull bool
}

type CloudConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type StorageConfig struct {
	DataDir string
}

type GenerationConfig struct {
	MaxAttempts  int
	Backoff      time.Duration
	BonusRetry   bool
	BonusDelay   time.Duration
	PhaseTimeout time.Duration
	StrictSchema bool
}

type InputConfig struct {
	MinLength int
}

type RelayConfig struct {
	Interpreter string
	VizScript   string
	QAScript    string
	Timeout     time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Engine: EngineConfig{
			Backend: "auto",
		},
		Ollama: OllamaConfig{
			BaseURL:  "http://localhost:11434",
			Model:    "gemma3:4b",
			AutoPull: true,
		},
		Cloud: CloudConfig{
			Model: "google/gemini-2.5-flash",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Generation: GenerationConfig{
			MaxAttempts:  3,
			Backoff:      2 * time.Second,
			BonusRetry:   true,
			BonusDelay:   time.Second,
			PhaseTimeout: 30 * time.Second,
		},
		Input: InputConfig{
			MinLength: 50,
		},
		Relay: RelayConfig{
			Interpreter: "python3",
			VizScript:   "gemini_viz.py",
			QAScript:    "gemini_qa.py",
			Timeout:     2 * time.Minute,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.nanoviz.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/nanoviz/config.json
// and secrets fall back to $XDG_DATA_HOME/nanoviz/secrets.json.
//
// Environment variables (NANOVIZ_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for API key if still empty.
	if cfg.Cloud.APIKey == "" {
		if key, err := kc.Get(secretService, secretCloudKey); err == nil && key != "" {
			cfg.Cloud.APIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.Engine.Backend {
	case "auto", "ollama":
	case "cloud":
		if cfg.Cloud.APIKey == "" {
			return fmt.Errorf("%s", "missing required config: OpenRouter API key for the cloud backend. "+
				"Set it via environment variable NANOVIZ_OPENROUTER_API_KEY"+apiKeyHint())
		}
	default:
		return fmt.Errorf("invalid engine.backend %q: want auto, ollama or cloud", cfg.Engine.Backend)
	}
	if cfg.Generation.MaxAttempts < 1 {
		return fmt.Errorf("invalid generation.max_attempts %d: must be at least 1", cfg.Generation.MaxAttempts)
	}
	if cfg.Generation.Backoff < 0 || cfg.Generation.BonusDelay < 0 || cfg.Generation.PhaseTimeout < 0 {
		return fmt.Errorf("generation durations must not be negative")
	}
	if cfg.Input.MinLength < 0 {
		return fmt.Errorf("invalid input.min_length %d", cfg.Input.MinLength)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q: want debug, info, warn or error", cfg.Log.Level)
	}
	return nil
}
