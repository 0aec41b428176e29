package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/nanoviz/internal/engine"
	"github.com/kalambet/nanoviz/internal/normalize"
)

var (
	ErrUnavailable         = errors.New("model unavailable")
	ErrSessionCreateFailed = errors.New("session creation failed")
	ErrEmptyResponse       = errors.New("empty response")
	ErrPromptFailed        = errors.New("prompt failed")
	ErrSchemaMismatch      = errors.New("schema mismatch")
	ErrExhausted           = errors.New("retry budget exhausted")
	ErrCancelled           = errors.New("cancelled")

	ErrEmptyPayload       = normalize.ErrEmptyPayload
	ErrUnparseablePayload = normalize.ErrUnparseablePayload
	ErrPermissionDenied   = engine.ErrPermissionDenied
)

// Phase names one retried step of an invocation.
type Phase string

const (
	PhaseAvailability Phase = "availability"
	PhaseSession      Phase = "session"
	PhasePrompt       Phase = "prompt"
)

// PhaseError reports the failure of one phase. errors.Is matches Kind, the
// last underlying error, and ErrExhausted when the attempt budget ran out.
type PhaseError struct {
	Phase      Phase
	Attempts   int
	LastStatus string
	Kind       error
	Exhausted  bool
	Err        error
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("%s phase: %v after %d attempt(s)", e.Phase, e.Kind, e.Attempts)
	if e.LastStatus != "" {
		msg += fmt.Sprintf(" (last status: %s)", e.LastStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PhaseError) Unwrap() []error {
	errs := make([]error, 0, 2)
	for _, err := range []error{e.Kind, e.Err} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (e *PhaseError) Is(target error) bool {
	return target == ErrExhausted && e.Exhausted
}

// Category is a short, stable classification of a failure for display.
type Category string

const (
	CategoryPermissionDenied Category = "permission_denied"
	CategoryUnavailable      Category = "unavailable"
	CategorySession          Category = "session"
	CategoryEmptyResponse    Category = "empty_response"
	CategoryUnparseable      Category = "unparseable"
	CategorySchemaMismatch   Category = "schema_mismatch"
	CategoryCancelled        Category = "cancelled"
	CategoryInternal         Category = "internal"
)

// Categorize maps err onto a Category. It returns "" for a nil error.
func Categorize(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CategoryCancelled
	case errors.Is(err, ErrPermissionDenied):
		return CategoryPermissionDenied
	case errors.Is(err, ErrSchemaMismatch):
		return CategorySchemaMismatch
	case errors.Is(err, ErrUnparseablePayload):
		return CategoryUnparseable
	case errors.Is(err, ErrEmptyPayload), errors.Is(err, ErrEmptyResponse):
		return CategoryEmptyResponse
	case errors.Is(err, ErrSessionCreateFailed):
		return CategorySession
	case errors.Is(err, ErrUnavailable):
		return CategoryUnavailable
	default:
		return CategoryInternal
	}
}

// Message returns a short user-facing description of c.
func (c Category) Message() string {
	switch c {
	case CategoryPermissionDenied:
		return "Access to the model was denied. Check the API key or model permissions."
	case CategoryUnavailable:
		return "The model is not available yet. It may still be downloading; try again shortly."
	case CategorySession:
		return "Could not start a model session."
	case CategoryEmptyResponse:
		return "The model returned an empty response."
	case CategoryUnparseable:
		return "The model response was not valid JSON."
	case CategorySchemaMismatch:
		return "The model response did not match the expected structure."
	case CategoryCancelled:
		return "The request was cancelled."
	case "":
		return ""
	default:
		return "An internal error occurred."
	}
}

// Transient reports whether a later attempt at the same call could succeed
// without any change to the input or credentials.
func (c Category) Transient() bool {
	switch c {
	case CategoryUnavailable, CategorySession, CategoryEmptyResponse:
		return true
	}
	return false
}
