// Package relay exposes the standalone visualization and question-answering
// scripts over HTTP. Each request runs the configured interpreter once and
// returns the JSON the script prints.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxRequestBodySize = 10 << 20 // 10MB

// Config names the scripts the relay runs.
type Config struct {
	Interpreter string
	VizScript   string
	QAScript    string
	Timeout     time.Duration
}

// Runner executes name with args and returns its stdout and stderr. A
// non-zero exit is reported as an *exec.ExitError.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs the command with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Relay serves /visualize and /ask.
type Relay struct {
	cfg    Config
	run    Runner
	logger *slog.Logger
}

// New creates a Relay. A nil run uses ExecRunner.
func New(cfg Config, run Runner) *Relay {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if run == nil {
		run = ExecRunner
	}
	return &Relay{cfg: cfg, run: run, logger: slog.Default()}
}

// Handler returns the relay routes.
func (rl *Relay) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/visualize", rl.handleVisualize)
	r.Post("/ask", rl.handleAsk)
	return r
}

type request struct {
	Text       string `json:"text"`
	CSVContent string `json:"csv_content"`
	Question   string `json:"question"`
}

// input returns the payload to pass to the script and whether it is CSV.
func (req request) input() (string, bool) {
	if req.CSVContent != "" {
		return req.CSVContent, true
	}
	return req.Text, false
}

func (rl *Relay) decode(w http.ResponseWriter, r *http.Request) (request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return request{}, false
	}
	return req, true
}

func (rl *Relay) handleVisualize(w http.ResponseWriter, r *http.Request) {
	req, ok := rl.decode(w, r)
	if !ok {
		return
	}
	input, csv := req.input()
	if strings.TrimSpace(input) == "" {
		writeError(w, http.StatusBadRequest, "missing input", "one of text or csv_content is required")
		return
	}

	rl.exec(w, r, "visualize", scriptArgs(rl.cfg.VizScript, csv, input))
}

func (rl *Relay) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := rl.decode(w, r)
	if !ok {
		return
	}
	input, csv := req.input()
	if strings.TrimSpace(input) == "" || strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "missing input", "question and one of text or csv_content are required")
		return
	}

	rl.exec(w, r, "ask", scriptArgs(rl.cfg.QAScript, csv, input, req.Question))
}

// scriptArgs puts flags before a "--" separator so user text starting with
// '-' stays positional.
func scriptArgs(script string, csv bool, positional ...string) []string {
	args := []string{script}
	if csv {
		args = append(args, "--csv")
	}
	args = append(args, "--")
	return append(args, positional...)
}

func (rl *Relay) exec(w http.ResponseWriter, r *http.Request, op string, args []string) {
	ctx, cancel := context.WithTimeout(r.Context(), rl.cfg.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := rl.run(ctx, rl.cfg.Interpreter, args...)
	log := rl.logger.With("op", op, "script", args[0], "elapsed", time.Since(start))

	if err != nil {
		log.Warn("relay script failed", "error", err, "stderr", truncate(string(stderr), 512))
		writeError(w, http.StatusInternalServerError, "script failed", scriptDetails(err, stderr))
		return
	}

	out := bytes.TrimSpace(stdout)
	if !json.Valid(out) {
		log.Warn("relay script returned invalid JSON", "stdout", truncate(string(out), 512))
		writeError(w, http.StatusInternalServerError, "invalid script output", truncate(string(out), 1024))
		return
	}

	log.Info("relay script done")
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// scriptDetails prefers the script's own {"error": ...} message on stderr.
func scriptDetails(err error, stderr []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	for _, line := range bytes.Split(bytes.TrimSpace(stderr), []byte("\n")) {
		if json.Unmarshal(line, &payload) == nil && payload.Error != "" {
			return payload.Error
		}
	}
	if s := strings.TrimSpace(string(stderr)); s != "" {
		return truncate(s, 1024)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, code int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   msg,
		"details": details,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
