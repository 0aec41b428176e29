// Package normalize turns model responses of heterogeneous shape into a
// single parsed JSON object.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

var (
	// ErrEmptyPayload is returned when a result carries no text to parse.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrUnparseablePayload is returned when text is present but is not a
	// JSON object even after cleanup.
	ErrUnparseablePayload = errors.New("unparseable payload")
)

// Normalize extracts a JSON object from raw, logging diagnostics to the
// default logger.
func Normalize(raw any) (map[string]any, error) {
	return NormalizeWith(raw, slog.Default())
}

// NormalizeWith is Normalize with diagnostics written to log. Results that
// already look like a known payload are returned as-is without re-parsing.
func NormalizeWith(raw any, log *slog.Logger) (map[string]any, error) {
	r := Classify(raw)
	if s, ok := r.(Structured); ok {
		log.Debug("normalize: result already structured")
		return map[string]any(s), nil
	}

	text, ok := Candidate(r)
	if !ok {
		log.Debug("normalize: no candidate text", "shape", fmt.Sprintf("%T", r))
		return nil, ErrEmptyPayload
	}

	cleaned := Clean(text)
	var v any
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		log.Debug("normalize: parse failed", "error", err, "text", truncate(cleaned, 200))
		return nil, fmt.Errorf("%w: %v", ErrUnparseablePayload, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		log.Debug("normalize: not an object", "type", fmt.Sprintf("%T", v), "text", truncate(cleaned, 200))
		return nil, fmt.Errorf("%w: got %T, want object", ErrUnparseablePayload, v)
	}
	return obj, nil
}

// Clean strips markdown code fences and narrows text to the outermost JSON
// object, from the first '{' to the last '}'. Text without braces is returned
// with only the fences removed.
func Clean(text string) string {
	s := StripFences(text)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return s
	}
	return s[start : end+1]
}

// StripFences removes a ```lang ... ``` wrapper, or stray single backticks
// around the text. A fence counts only when it opens the text or precedes the
// first '{'; backticks inside a JSON object are left alone. The closing fence
// is the last one in the text.
func StripFences(text string) string {
	s := strings.TrimSpace(text)

	open := strings.Index(s, "```")
	if brace := strings.Index(s, "{"); open != -1 && (brace == -1 || open < brace) {
		body := strings.TrimLeftFunc(s[open+3:], isLangRune)
		// A last fence followed by '}' sits inside an unterminated block.
		if end := strings.LastIndex(body, "```"); end != -1 && !strings.Contains(body[end:], "}") {
			body = body[:end]
		}
		return strings.TrimSpace(body)
	}
	s = strings.TrimPrefix(s, "`")
	s = strings.TrimSuffix(s, "`")
	return strings.TrimSpace(s)
}

func isLangRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
