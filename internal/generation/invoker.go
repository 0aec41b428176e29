// Package generation runs one schema-constrained prompt against a model
// backend: wait for the model, open a session, prompt it with bounded retry,
// and normalize the result into a JSON object.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/nanoviz/internal/engine"
	"github.com/kalambet/nanoviz/internal/normalize"
	"github.com/kalambet/nanoviz/internal/retry"
	"github.com/kalambet/nanoviz/internal/trail"
)

// Policy controls retries for every phase of an invocation.
type Policy struct {
	// MaxAttempts bounds each phase independently, first try included.
	MaxAttempts int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
	// BonusRetry enables one extra prompt when the result carries no text.
	BonusRetry bool
	BonusDelay time.Duration
	// PhaseTimeout caps the wall-clock time of each phase. Zero disables it.
	PhaseTimeout time.Duration
	// StrictSchema validates the parsed payload against the request schema.
	StrictSchema bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      2 * time.Second,
		BonusRetry:   true,
		BonusDelay:   time.Second,
		PhaseTimeout: 30 * time.Second,
	}
}

// Request is one constrained prompt.
type Request struct {
	// Name labels the call in logs and metrics, e.g. "stage1".
	Name         string
	SystemPrompt string
	Prompt       string
	Schema       *engine.Schema
}

// Observer receives phase outcomes. internal/metrics provides the
// Prometheus implementation.
type Observer interface {
	ObservePhase(call string, phase Phase, attempts int, err error)
	ObserveBonusRetry(call string, recovered bool)
}

type nopObserver struct{}

func (nopObserver) ObservePhase(string, Phase, int, error) {}
func (nopObserver) ObserveBonusRetry(string, bool)        {}

// Invoker executes Requests against a backend. It holds no per-call state
// and may be shared between goroutines.
type Invoker struct {
	backend   engine.Backend
	policy    Policy
	newTimer  func() retry.Timer
	observer  Observer
	validator *Validator
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTimer sets the factory for the timer used between attempts. Each phase
// gets a fresh timer.
func WithTimer(newTimer func() retry.Timer) Option {
	return func(inv *Invoker) { inv.newTimer = newTimer }
}

// WithObserver sets the phase observer.
func WithObserver(o Observer) Option {
	return func(inv *Invoker) { inv.observer = o }
}

// NewInvoker creates an Invoker for backend.
func NewInvoker(backend engine.Backend, policy Policy, opts ...Option) *Invoker {
	inv := &Invoker{
		backend:   backend,
		policy:    policy,
		newTimer:  func() retry.Timer { return nil },
		observer:  nopObserver{},
		validator: NewValidator(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Backend returns the backend the invoker prompts.
func (inv *Invoker) Backend() engine.Backend { return inv.backend }

// Invoke runs the availability, session and prompt phases in order and
// returns the normalized payload. The session is released before Invoke
// returns.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (map[string]any, error) {
	log := trail.Logger(ctx).With("call", req.Name)
	ctx = trail.WithLogger(ctx, log)

	if err := inv.awaitAvailable(ctx, log, req.Name); err != nil {
		return nil, err
	}

	raw, err := inv.prompt(ctx, log, req)
	if err != nil {
		return nil, err
	}

	payload, err := normalize.NormalizeWith(raw, log)
	if err != nil {
		log.Debug("normalize failed", "error", err)
		return nil, fmt.Errorf("normalizing %s result: %w", req.Name, err)
	}

	if inv.policy.StrictSchema && req.Schema != nil {
		if err := inv.validator.Validate(req.Schema, payload); err != nil {
			log.Warn("payload does not match schema", "error", err)
			return nil, err
		}
	}
	return payload, nil
}

func (inv *Invoker) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if inv.policy.PhaseTimeout > 0 {
		return context.WithTimeout(ctx, inv.policy.PhaseTimeout)
	}
	return context.WithCancel(ctx)
}

func (inv *Invoker) retryPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: inv.policy.MaxAttempts, Backoff: inv.policy.Backoff}
}

func (inv *Invoker) retryOptions(log *slog.Logger, phase Phase) retry.Options {
	return retry.Options{
		Timer: inv.newTimer(),
		Notify: func(attempt int, err error, wait time.Duration) {
			log.Info("attempt failed, retrying", "phase", phase, "attempt", attempt, "wait", wait, "error", err)
		},
	}
}

// phaseFailure builds the PhaseError for a failed phase. Cancellation of the
// caller's ctx takes precedence over kind.
func phaseFailure(ctx, phaseCtx context.Context, phase Phase, attempts int, last string, kind, err error) error {
	pe := &PhaseError{Phase: phase, Attempts: attempts, LastStatus: last, Kind: kind, Err: err}
	switch {
	case ctx.Err() != nil:
		pe.Kind = ErrCancelled
	case phaseCtx.Err() != nil:
		pe.Err = fmt.Errorf("phase timed out: %w", err)
	default:
		pe.Exhausted = true
	}
	return pe
}

var errNotReady = errors.New("model not ready")

func (inv *Invoker) awaitAvailable(ctx context.Context, log *slog.Logger, name string) error {
	actx, cancel := inv.phaseContext(ctx)
	defer cancel()

	var last engine.Availability
	_, attempts, err := retry.Do(actx, inv.retryPolicy(), inv.retryOptions(log, PhaseAvailability),
		func(ctx context.Context, attempt int) (struct{}, error) {
			status, err := inv.backend.CheckAvailability(ctx)
			last = status
			log.Debug("availability", "attempt", attempt, "status", status, "error", err)
			if err != nil {
				return struct{}{}, err
			}
			if status != engine.Available {
				return struct{}{}, fmt.Errorf("%w: %s", errNotReady, status)
			}
			return struct{}{}, nil
		})

	if err != nil {
		kind := ErrUnavailable
		if errors.Is(err, ErrPermissionDenied) {
			kind = ErrPermissionDenied
		}
		err = phaseFailure(ctx, actx, PhaseAvailability, attempts, string(last), kind, err)
	}
	inv.observer.ObservePhase(name, PhaseAvailability, attempts, err)
	return err
}

// prompt runs the session phase and, inside the created session, the prompt
// phase. Prompt failures are not retried by the session phase.
func (inv *Invoker) prompt(ctx context.Context, log *slog.Logger, req Request) (any, error) {
	sctx, cancel := inv.phaseContext(ctx)
	defer cancel()

	cfg := engine.SessionConfig{SystemPrompt: req.SystemPrompt}

	var (
		raw       any
		promptErr error
		created   bool
	)
	_, attempts, err := retry.Do(sctx, inv.retryPolicy(), inv.retryOptions(log, PhaseSession),
		func(_ context.Context, attempt int) (struct{}, error) {
			err := WithSession(sctx, inv.backend, cfg, func(s engine.Session) error {
				created = true
				inv.observer.ObservePhase(req.Name, PhaseSession, attempt, nil)
				raw, promptErr = inv.promptPhase(ctx, log, s, req)
				return nil
			})
			return struct{}{}, err
		})

	if !created {
		kind := ErrSessionCreateFailed
		if errors.Is(err, ErrPermissionDenied) {
			kind = ErrPermissionDenied
		}
		err = phaseFailure(ctx, sctx, PhaseSession, attempts, "", kind, err)
		inv.observer.ObservePhase(req.Name, PhaseSession, attempts, err)
		return nil, err
	}
	return raw, promptErr
}

func (inv *Invoker) promptPhase(ctx context.Context, log *slog.Logger, s engine.Session, req Request) (any, error) {
	pctx, cancel := inv.phaseContext(ctx)
	defer cancel()

	opts := engine.PromptOptions{ResponseConstraint: req.Schema}
	raw, attempts, err := retry.Do(pctx, inv.retryPolicy(), inv.retryOptions(log, PhasePrompt),
		func(ctx context.Context, attempt int) (any, error) {
			return promptOnce(ctx, log, s, req.Prompt, opts, attempt)
		})
	if err != nil {
		err = phaseFailure(ctx, pctx, PhasePrompt, attempts, "", promptKind(err), err)
		inv.observer.ObservePhase(req.Name, PhasePrompt, attempts, err)
		return nil, err
	}
	inv.observer.ObservePhase(req.Name, PhasePrompt, attempts, nil)

	if inv.policy.BonusRetry && lacksText(raw) {
		log.Warn("prompt result has no text field, retrying once", "delay", inv.policy.BonusDelay)
		bonus, err := inv.bonusRetry(pctx, log, s, req.Prompt, opts)
		inv.observer.ObserveBonusRetry(req.Name, err == nil)
		if err != nil {
			log.Warn("bonus retry failed, continuing with previous result", "error", err)
		} else {
			raw = bonus
		}
	}
	return raw, nil
}

func (inv *Invoker) bonusRetry(ctx context.Context, log *slog.Logger, s engine.Session, text string, opts engine.PromptOptions) (any, error) {
	if err := retry.Wait(ctx, inv.newTimer(), inv.policy.BonusDelay); err != nil {
		return nil, err
	}
	raw, err := promptOnce(ctx, log, s, text, opts, 0)
	if err != nil {
		return nil, err
	}
	if lacksText(raw) {
		return nil, errors.New("result still has no text field")
	}
	return raw, nil
}

// promptKind classifies the last error of a failed prompt phase. Only an
// empty result counts as an empty response.
func promptKind(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ErrPermissionDenied
	case errors.Is(err, ErrEmptyResponse):
		return ErrEmptyResponse
	default:
		return ErrPromptFailed
	}
}

func promptOnce(ctx context.Context, log *slog.Logger, s engine.Session, text string, opts engine.PromptOptions, attempt int) (any, error) {
	raw, err := s.Prompt(ctx, text, opts)
	if err != nil {
		log.Debug("prompt failed", "attempt", attempt, "error", err)
		return nil, err
	}
	r := normalize.Classify(raw)
	if _, ok := normalize.Candidate(r); !ok {
		log.Debug("prompt returned empty result", "attempt", attempt)
		return nil, ErrEmptyResponse
	}
	log.Debug("prompt result", "attempt", attempt, "shape", fmt.Sprintf("%T", r))
	return raw, nil
}

// lacksText reports whether raw is present but exposes no string, text field
// or output array, so that only its stringified form could be parsed.
func lacksText(raw any) bool {
	_, ok := normalize.Classify(raw).(normalize.Opaque)
	return ok
}
