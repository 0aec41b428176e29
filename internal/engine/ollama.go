package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/nanoviz/internal/ollama"
)

// OllamaBackend serves sessions from a local Ollama server.
type OllamaBackend struct {
	client   *ollama.Client
	model    string
	autoPull bool

	mu      sync.Mutex
	pulling bool
	pullErr error
}

// NewOllamaBackend creates an OllamaBackend for model on the server at
// baseURL. With autoPull, a missing model is downloaded in the background the
// first time availability is checked.
func NewOllamaBackend(baseURL, model string, autoPull bool) *OllamaBackend {
	return &OllamaBackend{
		client:   ollama.New(baseURL),
		model:    model,
		autoPull: autoPull,
	}
}

func (b *OllamaBackend) Name() string { return "ollama" }

// Model returns the default model name.
func (b *OllamaBackend) Model() string { return b.model }

// CheckAvailability maps server and model state onto Availability.
func (b *OllamaBackend) CheckAvailability(ctx context.Context) (Availability, error) {
	b.mu.Lock()
	pulling, pullErr := b.pulling, b.pullErr
	b.pullErr = nil
	b.mu.Unlock()

	if pulling {
		return Downloading, nil
	}
	if !b.client.IsRunning(ctx) {
		return Unavailable, nil
	}
	if b.client.HasModel(ctx, b.model) {
		return Available, nil
	}
	if pullErr != nil {
		return Downloadable, fmt.Errorf("pulling model %s: %w", b.model, pullErr)
	}
	if !b.autoPull {
		return Downloadable, nil
	}

	b.startPull(context.WithoutCancel(ctx))
	return Downloading, nil
}

func (b *OllamaBackend) startPull(ctx context.Context) {
	b.mu.Lock()
	if b.pulling {
		b.mu.Unlock()
		return
	}
	b.pulling = true
	b.mu.Unlock()

	slog.Info("pulling model in background", "model", b.model)
	go func() {
		err := b.client.PullModel(ctx, b.model, nil)
		if err != nil {
			slog.Warn("background model pull failed", "model", b.model, "error", err)
		} else {
			slog.Info("model pull complete", "model", b.model)
		}
		b.mu.Lock()
		b.pulling = false
		b.pullErr = err
		b.mu.Unlock()
	}()
}

// CreateSession returns a session that keeps the conversation history
// client-side and replays it on every prompt.
func (b *OllamaBackend) CreateSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.client.IsRunning(ctx) {
		return nil, fmt.Errorf("ollama is not running")
	}

	model := cfg.Model
	if model == "" {
		model = b.model
	}
	s := &ollamaSession{client: b.client, model: model}
	if cfg.SystemPrompt != "" {
		s.history = append(s.history, ollama.Message{Role: "system", Content: cfg.SystemPrompt})
	}
	return s, nil
}

// IsRunning, HasModel and PullModel implement ModelManager.

func (b *OllamaBackend) IsRunning(ctx context.Context) bool {
	return b.client.IsRunning(ctx)
}

func (b *OllamaBackend) HasModel(ctx context.Context, name string) bool {
	return b.client.HasModel(ctx, name)
}

func (b *OllamaBackend) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return b.client.PullModel(ctx, name, cb)
}

type ollamaSession struct {
	client *ollama.Client
	model  string

	mu       sync.Mutex
	history  []ollama.Message
	released bool
}

func (s *ollamaSession) Prompt(ctx context.Context, text string, opts PromptOptions) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrSessionReleased
	}

	msgs := append(append([]ollama.Message(nil), s.history...), ollama.Message{Role: "user", Content: text})

	req := ollama.ChatRequest{Model: s.model, Messages: msgs}
	if opts.ResponseConstraint != nil {
		// Constrained prompts decode greedily.
		zero := 0.0
		req.Format = opts.ResponseConstraint
		req.Options = &ollama.Options{Temperature: &zero}
	}

	resp, err := s.client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	content := resp.Message.Content
	s.history = append(msgs, ollama.Message{Role: "assistant", Content: content})
	return content, nil
}

func (s *ollamaSession) Release(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.history = nil
	return nil
}
