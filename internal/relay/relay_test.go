package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type call struct {
	name string
	args []string
}

func fakeRunner(stdout, stderr string, err error, calls *[]call) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
		*calls = append(*calls, call{name: name, args: args})
		return []byte(stdout), []byte(stderr), err
	}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestVisualize_Text(t *testing.T) {
	var calls []call
	rl := New(Config{Interpreter: "python3", VizScript: "gemini_viz.py"}, fakeRunner(`{"title":"T"}`+"\n", "", nil, &calls))

	rec := post(t, rl.Handler(), "/visualize", `{"text":"north 40, south 25"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"title":"T"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].name != "python3" {
		t.Errorf("interpreter = %q", calls[0].name)
	}
	want := []string{"gemini_viz.py", "--", "north 40, south 25"}
	if strings.Join(calls[0].args, "|") != strings.Join(want, "|") {
		t.Errorf("args = %q, want %q", calls[0].args, want)
	}
}

func TestVisualize_CSVAddsFlag(t *testing.T) {
	var calls []call
	rl := New(Config{VizScript: "viz.py"}, fakeRunner(`{}`, "", nil, &calls))

	rec := post(t, rl.Handler(), "/visualize", `{"text":"ignored","csv_content":"a,b\n1,2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	args := calls[0].args
	if len(args) != 4 || args[1] != "--csv" || args[2] != "--" || args[3] != "a,b\n1,2" {
		t.Errorf("args = %q", args)
	}
}

func TestAsk(t *testing.T) {
	var calls []call
	rl := New(Config{QAScript: "qa.py"}, fakeRunner(`{"answer":"40"}`, "", nil, &calls))

	rec := post(t, rl.Handler(), "/ask", `{"csv_content":"a,b","question":"sum?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := []string{"qa.py", "--csv", "--", "a,b", "sum?"}
	if strings.Join(calls[0].args, "|") != strings.Join(want, "|") {
		t.Errorf("args = %q, want %q", calls[0].args, want)
	}
}

func TestDashLeadingInputStaysPositional(t *testing.T) {
	var calls []call
	rl := New(Config{QAScript: "qa.py"}, fakeRunner(`{"answer":"no"}`, "", nil, &calls))

	rec := post(t, rl.Handler(), "/ask", `{"text":"--help","question":"-v"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := []string{"qa.py", "--", "--help", "-v"}
	if strings.Join(calls[0].args, "|") != strings.Join(want, "|") {
		t.Errorf("args = %q, want %q", calls[0].args, want)
	}
}

func TestMissingFields(t *testing.T) {
	var calls []call
	rl := New(Config{}, fakeRunner(`{}`, "", nil, &calls))
	h := rl.Handler()

	tests := []struct {
		path, body string
	}{
		{"/visualize", `{}`},
		{"/visualize", `{"text":"   "}`},
		{"/ask", `{"text":"data"}`},
		{"/ask", `{"question":"why?"}`},
		{"/visualize", `not json`},
	}
	for _, tt := range tests {
		rec := post(t, h, tt.path, tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s: status = %d, want 400", tt.path, tt.body, rec.Code)
		}
		if body := decodeError(t, rec); body["error"] == "" || body["details"] == "" {
			t.Errorf("%s %s: body = %v", tt.path, tt.body, body)
		}
	}
	if len(calls) != 0 {
		t.Errorf("script ran %d times for invalid requests", len(calls))
	}
}

func TestScriptFailure(t *testing.T) {
	var calls []call
	stderr := "Traceback...\n" + `{"error": "GEMINI_API_KEY environment variable not set."}`
	rl := New(Config{}, fakeRunner("", stderr, errors.New("exit status 1"), &calls))

	rec := post(t, rl.Handler(), "/visualize", `{"text":"x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeError(t, rec)
	if body["error"] != "script failed" {
		t.Errorf("error = %q", body["error"])
	}
	if body["details"] != "GEMINI_API_KEY environment variable not set." {
		t.Errorf("details = %q", body["details"])
	}
}

func TestInvalidScriptOutput(t *testing.T) {
	var calls []call
	rl := New(Config{}, fakeRunner("Rendering chart...", "", nil, &calls))

	rec := post(t, rl.Handler(), "/visualize", `{"text":"x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeError(t, rec)
	if body["error"] != "invalid script output" || body["details"] != "Rendering chart..." {
		t.Errorf("body = %v", body)
	}
}

func TestExecRunner(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "viz.sh")
	content := "#!/bin/sh\nif [ \"$1\" = \"--csv\" ]; then echo '{\"csv\":true}'; else echo '{\"csv\":false}'; fi\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	rl := New(Config{Interpreter: sh, VizScript: script, Timeout: 10 * time.Second}, nil)
	rec := post(t, rl.Handler(), "/visualize", `{"csv_content":"a,b"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"csv":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}

	failing := filepath.Join(dir, "fail.sh")
	if err := os.WriteFile(failing, []byte("#!/bin/sh\necho oops >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	rl = New(Config{Interpreter: sh, VizScript: failing}, nil)
	rec = post(t, rl.Handler(), "/visualize", `{"text":"x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body := decodeError(t, rec); body["details"] != "oops" {
		t.Errorf("details = %q", body["details"])
	}
}
