package generation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kalambet/nanoviz/internal/engine"
)

// Validator checks payloads against engine schemas. Compiled schemas are
// cached by pointer, so callers should reuse their *engine.Schema values.
type Validator struct {
	mu    sync.Mutex
	cache map[*engine.Schema]*jsonschema.Schema
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{cache: make(map[*engine.Schema]*jsonschema.Schema)}
}

// Validate returns an error wrapping ErrSchemaMismatch when payload does not
// satisfy s.
func (v *Validator) Validate(s *engine.Schema, payload map[string]any) error {
	compiled, err := v.compile(s)
	if err != nil {
		return err
	}
	// Round trip so typed values validate the same way decoded JSON does.
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return nil
}

func (v *Validator) compile(s *engine.Schema) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if c, ok := v.cache[s]; ok {
		return c, nil
	}

	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	const url = "mem://response.json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("adding schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	v.cache[s] = compiled
	return compiled, nil
}
