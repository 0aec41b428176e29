package generation

import (
	"context"

	"github.com/kalambet/nanoviz/internal/engine"
	"github.com/kalambet/nanoviz/internal/trail"
)

// WithSession creates a session on b, passes it to fn and releases it when fn
// returns, panics, or ctx is cancelled. A creation error is returned without
// calling fn. Release errors are logged and dropped.
func WithSession(ctx context.Context, b engine.Backend, cfg engine.SessionConfig, fn func(engine.Session) error) error {
	s, err := b.CreateSession(ctx, cfg)
	if err != nil {
		return err
	}

	log := trail.Logger(ctx)
	defer func() {
		// Release must run even when ctx is already done.
		if err := s.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("session release failed", "backend", b.Name(), "error", err)
			return
		}
		log.Debug("session released", "backend", b.Name())
	}()

	log.Debug("session created", "backend", b.Name())
	return fn(s)
}
