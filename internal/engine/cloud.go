package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kalambet/nanoviz/internal/cloud"
)

// CloudBackend serves sessions from the OpenRouter Responses API.
type CloudBackend struct {
	client *cloud.Client
	model  string
}

// NewCloudBackend creates a CloudBackend. An empty apiKey makes the backend
// permanently unavailable.
func NewCloudBackend(apiKey, baseURL, model string) *CloudBackend {
	return &CloudBackend{
		client: cloud.NewClientWithBaseURL(apiKey, baseURL),
		model:  model,
	}
}

func (b *CloudBackend) Name() string { return "cloud" }

// Model returns the default model name.
func (b *CloudBackend) Model() string { return b.model }

// CheckAvailability reports Available once the model is listed by the API.
func (b *CloudBackend) CheckAvailability(ctx context.Context) (Availability, error) {
	if !b.client.HasKey() {
		return Unavailable, nil
	}
	models, err := b.client.ListModels(ctx)
	if err != nil {
		return Unavailable, mapCloudError(err)
	}
	for _, m := range models {
		if m.ID == b.model {
			return Available, nil
		}
	}
	return Unavailable, fmt.Errorf("model %s is not offered by the API", b.model)
}

func (b *CloudBackend) CreateSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.client.HasKey() {
		return nil, fmt.Errorf("%w: no API key configured", ErrPermissionDenied)
	}
	model := cfg.Model
	if model == "" {
		model = b.model
	}
	return &cloudSession{client: b.client, model: model, instructions: cfg.SystemPrompt}, nil
}

func mapCloudError(err error) error {
	if errors.Is(err, cloud.ErrUnauthorized) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}

type cloudSession struct {
	client       *cloud.Client
	model        string
	instructions string

	mu       sync.Mutex
	history  []cloud.InputItem
	released bool
}

// Prompt returns the decoded response restricted to message output items.
func (s *cloudSession) Prompt(ctx context.Context, text string, opts PromptOptions) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrSessionReleased
	}

	input := append(append([]cloud.InputItem(nil), s.history...), cloud.InputItem{Role: "user", Content: text})
	req := cloud.ResponseRequest{
		Model:        s.model,
		Instructions: s.instructions,
		Input:        input,
	}
	if opts.ResponseConstraint != nil {
		req.Text = &cloud.TextOptions{Format: cloud.TextFormat{
			Type:   "json_schema",
			Name:   "response",
			Schema: opts.ResponseConstraint,
		}}
	}

	resp, err := s.client.Respond(ctx, req)
	if err != nil {
		return nil, mapCloudError(err)
	}

	out := resp.Messages()
	for _, item := range out.Output {
		for _, part := range item.Content {
			if part.Text != "" {
				input = append(input, cloud.InputItem{Role: "assistant", Content: part.Text})
			}
		}
	}
	s.history = input
	return out, nil
}

func (s *cloudSession) Release(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.history = nil
	return nil
}
