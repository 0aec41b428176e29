package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	var r struct {
		Models []Model `json:"models"`
	}
	for _, n := range names {
		r.Models = append(r.Models, Model{Name: n, Size: 1 << 30})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("gemma3:4b"))
	}))
	defer srv.Close()

	if !New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}

	srv.Close()
	if New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() on closed server = true, want false")
	}
}

func TestIsRunning_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = true for 500, want false")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("gemma3:4b", "llama3.2:latest"))
	}))
	defer srv.Close()

	models, err := New(srv.URL + "/").ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].Name != "gemma3:4b" || models[1].Name != "llama3.2:latest" {
		t.Errorf("models = %+v", models)
	}
	if models[0].Size != 1<<30 {
		t.Errorf("size = %d", models[0].Size)
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("gemma3:4b", "llama3.2:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	tests := []struct {
		name string
		want bool
	}{
		{"gemma3:4b", true},
		{"gemma3", true},
		{"gemma3:12b", false},
		{"llama3.2", true},
		{"gemma", false},
		{"mistral", false},
	}
	for _, tt := range tests {
		if got := c.HasModel(context.Background(), tt.name); got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestChat_SchemaConstraint(t *testing.T) {
	var captured ChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(ChatResponse{
			Model:      "gemma3:4b",
			Message:    Message{Role: "assistant", Content: `{"chart_type_suggestion":"pie","optimized_prompt":"Share of energy sources"}`},
			DoneReason: "stop",
		})
	}))
	defer srv.Close()

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"chart_type_suggestion": map[string]any{"type": "string", "enum": []string{"bar", "pie", "line"}},
		},
	}
	zero := 0.0
	resp, err := New(srv.URL).Chat(context.Background(), ChatRequest{
		Model:    "gemma3:4b",
		Messages: []Message{{Role: "user", Content: "pick a chart"}},
		Format:   schema,
		Options:  &Options{Temperature: &zero},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if captured.Stream {
		t.Error("chat request was sent with stream=true")
	}
	format, ok := captured.Format.(map[string]any)
	if !ok || format["type"] != "object" {
		t.Errorf("format = %#v, want schema object", captured.Format)
	}
	if captured.Options == nil || captured.Options.Temperature == nil || *captured.Options.Temperature != 0 {
		t.Errorf("options = %+v, want temperature 0", captured.Options)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(resp.Message.Content), &parsed); err != nil {
		t.Errorf("content is not valid JSON: %v", err)
	}
}

func TestChat_OmitsEmptyFormat(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		json.NewEncoder(w).Encode(ChatResponse{Message: Message{Role: "assistant", Content: "Bar charts compare categories."}})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).Chat(context.Background(), ChatRequest{
		Model:    "gemma3:4b",
		Messages: []Message{{Role: "user", Content: "Tell me about charts"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Bar charts compare categories." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if _, ok := raw["format"]; ok {
		t.Error("format sent for free text chat")
	}
	if _, ok := raw["options"]; ok {
		t.Error("options sent without being set")
	}
}

func TestChat_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'gemma3:4b' not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Chat(context.Background(), ChatRequest{Model: "gemma3:4b"})
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
	if !strings.Contains(err.Error(), "model 'gemma3:4b' not found") {
		t.Errorf("error = %q, want the server message", err)
	}
}

func TestChat_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Chat(context.Background(), ChatRequest{Model: "gemma3:4b"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusInternalServerError || se.Message != "out of memory" {
		t.Errorf("status error = %+v", se)
	}
	if errors.Is(err, ErrModelNotFound) {
		t.Error("500 reported as missing model")
	}
}

func TestChat_Truncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{
			Message:    Message{Role: "assistant", Content: `{"title":"Sal`},
			DoneReason: "length",
			EvalCount:  128,
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).Chat(context.Background(), ChatRequest{Model: "gemma3:4b"})
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	if resp.Message.Content != `{"title":"Sal` {
		t.Errorf("partial content = %q", resp.Message.Content)
	}
}

func TestChat_ErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{Error: "context canceled by server"})
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Chat(context.Background(), ChatRequest{Model: "gemma3:4b"}); err == nil {
		t.Fatal("expected error from error field")
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Name   string `json:"name"`
			Stream bool   `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Name != "gemma3:4b" || !body.Stream {
			t.Errorf("pull body = %+v", body)
		}

		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var got []PullProgress
	err := New(srv.URL).PullModel(context.Background(), "gemma3:4b", func(p PullProgress) {
		got = append(got, p)
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if len(got) != 3 || got[2].Status != "success" || got[0].Completed != 500 {
		t.Errorf("progress = %+v", got)
	}
}

func TestPullModel_StreamedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "pulling manifest"})
		enc.Encode(PullProgress{Error: "pull model manifest: file does not exist"})
	}))
	defer srv.Close()

	err := New(srv.URL).PullModel(context.Background(), "no-such-model", nil)
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Fatalf("err = %v, want streamed error", err)
	}
}

func TestModelMatches(t *testing.T) {
	tests := []struct {
		installed, want string
		match           bool
	}{
		{"gemma3:4b", "gemma3:4b", true},
		{"gemma3:4b", "gemma3", true},
		{"gemma3:latest", "gemma3", true},
		{"gemma3:4b", "gemma3:latest", false},
		{"gemma3n:e2b", "gemma3", false},
	}
	for _, tt := range tests {
		if got := modelMatches(tt.installed, tt.want); got != tt.match {
			t.Errorf("modelMatches(%q, %q) = %v, want %v", tt.installed, tt.want, got, tt.match)
		}
	}
}
