package normalize

import (
	"encoding/json"
	"reflect"
	"strings"
)

// RawResult is a model response classified into one of the shapes backends
// are known to produce. Use Classify to build one from an arbitrary value.
type RawResult interface {
	rawResult()
}

// Empty is a nil or missing result.
type Empty struct{}

// Text is a plain string result.
type Text string

// TextField is an object exposing a string "text" field.
type TextField struct {
	Text string
}

// Outputs is an object exposing an "output" or "outputs" array. Elements are
// strings, {text} objects, or {content: [{text}]} message objects.
type Outputs struct {
	Field string
	Items []any
}

// Structured is an object that already has the shape of a known payload.
type Structured map[string]any

// Opaque is any other value. It is stringified as a last resort.
type Opaque struct {
	Value any
}

func (Empty) rawResult()      {}
func (Text) rawResult()       {}
func (TextField) rawResult()  {}
func (Outputs) rawResult()    {}
func (Structured) rawResult() {}
func (Opaque) rawResult()     {}

// IsStructured reports whether obj matches one of the payload shapes the
// pipeline asks for: a chart-type suggestion, chart data, or an answer.
func IsStructured(obj map[string]any) bool {
	if _, ok := obj["chart_type_suggestion"]; ok {
		return true
	}
	if _, ok := obj["optimized_prompt"]; ok {
		return true
	}
	_, hasTitle := obj["title"]
	_, hasPoints := obj["data_points"]
	if hasTitle && hasPoints {
		return true
	}
	if _, ok := obj["answer"]; ok {
		return true
	}
	return false
}

// Classify matches v against the known result shapes. Typed Go values
// (structs, pointers, typed maps) are converted to their JSON form first so
// that exported fields named text/output/outputs are recognised.
func Classify(v any) RawResult {
	switch val := v.(type) {
	case nil:
		return Empty{}
	case RawResult:
		return val
	case string:
		return Text(val)
	case []byte:
		return Text(string(val))
	case json.RawMessage:
		return Text(string(val))
	case map[string]any:
		return classifyObject(val)
	}

	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.IsNil() {
		return Empty{}
	}
	generic, ok := toGeneric(v)
	if !ok {
		return Opaque{Value: v}
	}
	if obj, ok := generic.(map[string]any); ok {
		return classifyObject(obj)
	}
	return Opaque{Value: generic}
}

func classifyObject(obj map[string]any) RawResult {
	if IsStructured(obj) {
		return Structured(obj)
	}
	if s, ok := obj["text"].(string); ok && s != "" {
		return TextField{Text: s}
	}
	for _, field := range []string{"output", "outputs"} {
		if items, ok := obj[field].([]any); ok && len(items) > 0 {
			return Outputs{Field: field, Items: items}
		}
	}
	return Opaque{Value: obj}
}

// toGeneric round-trips v through encoding/json so typed values can be
// inspected as map[string]any.
func toGeneric(v any) (any, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	return out, true
}

// Candidate returns the string that should be parsed for r. The boolean is
// false when r carries nothing usable.
func Candidate(r RawResult) (string, bool) {
	var s string
	switch val := r.(type) {
	case Empty:
		return "", false
	case Text:
		s = string(val)
	case TextField:
		s = val.Text
	case Outputs:
		s = itemText(val.Items[0])
	case Structured:
		b, err := json.Marshal(map[string]any(val))
		if err != nil {
			return "", false
		}
		s = string(b)
	case Opaque:
		if val.Value == nil {
			return "", false
		}
		b, err := json.Marshal(val.Value)
		if err != nil {
			return "", false
		}
		s = string(b)
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func itemText(item any) string {
	switch it := item.(type) {
	case string:
		return it
	case map[string]any:
		if s, ok := it["text"].(string); ok {
			return s
		}
		if parts, ok := it["content"].([]any); ok {
			for _, p := range parts {
				if pm, ok := p.(map[string]any); ok {
					if s, ok := pm["text"].(string); ok && s != "" {
						return s
					}
				}
			}
		}
	case nil:
		return ""
	}
	b, err := json.Marshal(item)
	if err != nil {
		return ""
	}
	return string(b)
}
