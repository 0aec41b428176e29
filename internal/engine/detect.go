package engine

import "fmt"

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	// Backend is "ollama", "cloud" or "auto". Auto picks the cloud when an
	// API key is configured and Ollama otherwise.
	Backend string

	OllamaBaseURL  string
	OllamaModel    string
	OllamaAutoPull bool

	CloudAPIKey  string
	CloudBaseURL string
	CloudModel   string
}

// Detect returns the backend selected by cfg.
func Detect(cfg DetectConfig) (Backend, error) {
	switch cfg.Backend {
	case "ollama":
		return NewOllamaBackend(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.OllamaAutoPull), nil
	case "cloud":
		if cfg.CloudAPIKey == "" {
			return nil, fmt.Errorf("cloud backend selected but no OpenRouter API key is configured")
		}
		return NewCloudBackend(cfg.CloudAPIKey, cfg.CloudBaseURL, cfg.CloudModel), nil
	case "", "auto":
		if cfg.CloudAPIKey != "" {
			return NewCloudBackend(cfg.CloudAPIKey, cfg.CloudBaseURL, cfg.CloudModel), nil
		}
		return NewOllamaBackend(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.OllamaAutoPull), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want ollama, cloud or auto)", cfg.Backend)
	}
}
