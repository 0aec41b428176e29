package engine

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the backend refuses access, e.g. a
	// rejected API key.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSessionReleased is returned when prompting a released session.
	ErrSessionReleased = errors.New("session released")
)

// Backend abstracts a generative model runtime (local Ollama or a cloud API).
// Consumers such as the generation invoker use this interface instead of
// depending on a concrete client.
type Backend interface {
	// Name identifies the backend in logs and status output.
	Name() string

	// CheckAvailability reports whether the model can serve sessions now.
	CheckAvailability(ctx context.Context) (Availability, error)

	// CreateSession opens a new stateful session.
	CreateSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is a stateful conversation with a model. It must be released by
// whoever created it.
type Session interface {
	// Prompt submits text and returns the raw result. Its shape depends on the
	// backend: a string for Ollama, a decoded response object for the cloud.
	Prompt(ctx context.Context, text string, opts PromptOptions) (any, error)

	// Release frees the session. Calling it more than once is a no-op.
	Release(ctx context.Context) error
}

// ModelManager is implemented by backends that host models locally and can
// download them.
type ModelManager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
