package engine

import "encoding/json"

// Availability is the readiness of a backend's model. Only Available allows
// sessions to be created.
type Availability string

const (
	Unavailable  Availability = "unavailable"
	Downloadable Availability = "downloadable"
	Downloading  Availability = "downloading"
	Available    Availability = "available"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is a JSON schema constraint attached to one prompt.
type Schema struct {
	Type             string             `json:"type"`
	Description      string             `json:"description,omitempty"`
	Properties       map[string]*Schema `json:"properties,omitempty"`
	Required         []string           `json:"required,omitempty"`
	PropertyOrdering []string           `json:"propertyOrdering,omitempty"`
	Items            *Schema            `json:"items,omitempty"`
	Enum             []string           `json:"enum,omitempty"`
	MinItems         *int               `json:"minItems,omitempty"`
	MaxItems         *int               `json:"maxItems,omitempty"`
	Minimum          *float64           `json:"minimum,omitempty"`
	Maximum          *float64           `json:"maximum,omitempty"`
}

// Map returns the schema as a generic JSON object.
func (s *Schema) Map() map[string]any {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// SessionConfig configures a new session.
type SessionConfig struct {
	SystemPrompt string
	// Model overrides the backend's default model when non-empty.
	Model string
}

// PromptOptions apply to a single prompt.
type PromptOptions struct {
	ResponseConstraint *Schema
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
