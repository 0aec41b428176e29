package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/nanoviz/internal/extract"
	"github.com/kalambet/nanoviz/internal/generation"
	"github.com/kalambet/nanoviz/internal/pipeline"
	"github.com/kalambet/nanoviz/internal/storage"
	"github.com/kalambet/nanoviz/internal/trail"
)

const maxUploadSize = extract.MaxSize + 1<<20 // file plus multipart overhead

type chartRequest struct {
	Text       string `json:"text"`
	CSVContent string `json:"csv_content"`
	Question   string `json:"question"`
}

// input returns the pipeline input kind and text. CSV wins over text.
func (req chartRequest) input() (string, string) {
	if strings.TrimSpace(req.CSVContent) != "" {
		return storage.InputCSV, req.CSVContent
	}
	return storage.InputText, req.Text
}

// readChartRequest decodes a JSON body or a multipart upload whose "file"
// part is converted to text by the extractor. It writes the error response
// itself and reports false on failure.
func readChartRequest(w http.ResponseWriter, r *http.Request) (chartRequest, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return readUpload(w, r)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req chartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return chartRequest{}, false
	}
	return req, true
}

func readUpload(w http.ResponseWriter, r *http.Request) (chartRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	defer r.Body.Close()

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
		return chartRequest{}, false
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required")
		return chartRequest{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, extract.MaxSize+1))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
		return chartRequest{}, false
	}
	doc, err := extract.Extract(hdr.Filename, hdr.Header.Get("Content-Type"), data)
	switch {
	case errors.Is(err, extract.ErrTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%v", err)
		return chartRequest{}, false
	case errors.Is(err, extract.ErrUnsupported):
		httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%v", err)
		return chartRequest{}, false
	case err != nil:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return chartRequest{}, false
	}

	req := chartRequest{Question: r.FormValue("question")}
	if doc.Kind == extract.KindCSV {
		req.CSVContent = doc.Text
	} else {
		req.Text = doc.Text
	}
	slog.Debug("upload extracted", "name", hdr.Filename, "kind", doc.Kind, "chars", len(doc.Text))
	return req, true
}

// validateInput checks the input before any model call is made.
func validateInput(w http.ResponseWriter, kind, text string, minLength int) bool {
	if kind == storage.InputCSV {
		if _, err := pipeline.DescribeCSV(text); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid csv_content: %v", err)
			return false
		}
		return true
	}
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n == 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "one of text, csv_content or file is required")
		return false
	}
	if n < minLength {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "text must be at least %d characters, got %d", minLength, n)
		return false
	}
	return true
}

// statusForCategory maps a failure category onto an HTTP status.
func statusForCategory(c generation.Category) int {
	switch c {
	case generation.CategoryUnavailable, generation.CategorySession, generation.CategoryPermissionDenied:
		return http.StatusServiceUnavailable
	case generation.CategoryEmptyResponse, generation.CategoryUnparseable, generation.CategorySchemaMismatch:
		return http.StatusBadGateway
	case generation.CategoryCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type failureBody struct {
	Error struct {
		Message  string              `json:"message"`
		Type     string              `json:"type"`
		Category generation.Category `json:"category"`
		Detail   string              `json:"detail,omitempty"`
	} `json:"error"`
	ID         string   `json:"id,omitempty"`
	DebugTrail []string `json:"debug_trail"`
}

// writeFailure reports a categorized generation failure with its debug trail.
func writeFailure(w http.ResponseWriter, id string, err error, lines []string) {
	c := generation.Categorize(err)
	var body failureBody
	body.Error.Message = c.Message()
	body.Error.Type = "generation_error"
	body.Error.Category = c
	body.Error.Detail = err.Error()
	body.ID = id
	body.DebugTrail = lines
	if body.DebugTrail == nil {
		body.DebugTrail = []string{}
	}
	writeJSON(w, statusForCategory(c), body)
}

type chartResponse struct {
	ID         string              `json:"id"`
	Chart      *pipeline.ChartSpec `json:"chart"`
	DebugTrail []string            `json:"debug_trail"`
}

func handleCreateChart(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readChartRequest(w, r)
		if !ok {
			return
		}
		kind, text := req.input()
		if !validateInput(w, kind, text, deps.MinInputLength) {
			return
		}

		out, err := deps.Charts.Visualize(r.Context(), kind, text)
		if err != nil {
			slog.Error("chart run not recorded", "run_id", out.RunID, "error", err)
		}
		if out.Err != nil {
			writeFailure(w, out.RunID, out.Err, out.Trail)
			return
		}
		if out.Spec == nil {
			httpError(w, http.StatusInternalServerError, "api_error", "chart run failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, chartResponse{ID: out.RunID, Chart: out.Spec, DebugTrail: out.Trail})
	}
}

func handleEnqueueChart(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readChartRequest(w, r)
		if !ok {
			return
		}
		kind, text := req.input()
		if !validateInput(w, kind, text, deps.MinInputLength) {
			return
		}

		id, err := deps.Charts.Enqueue(r.Context(), kind, text)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue chart: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": storage.RunQueued,
		})
	}
}

// runView is the JSON form of a stored run.
type runView struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	InputKind     string          `json:"input_kind"`
	Input         string          `json:"input"`
	Status        string          `json:"status"`
	Chart         json.RawMessage `json:"chart,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCategory string          `json:"error_category,omitempty"`
	DebugTrail    []string        `json:"debug_trail,omitempty"`
}

// newRunView converts a run. When full is false the input is shortened and
// the debug trail omitted.
func newRunView(run storage.ChartRun, full bool) runView {
	v := runView{
		ID:            run.ID,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
		InputKind:     run.InputKind,
		Input:         run.InputText,
		Status:        run.Status,
		Error:         run.Error,
		ErrorCategory: run.ErrorCategory,
	}
	if run.ChartSpecJSON != "" {
		v.Chart = json.RawMessage(run.ChartSpecJSON)
	}
	if !full {
		v.Input = preview(run.InputText, 200)
		return v
	}
	if run.DebugTrail != "" {
		if err := json.Unmarshal([]byte(run.DebugTrail), &v.DebugTrail); err != nil {
			slog.Debug("stored debug trail unreadable", "run_id", run.ID, "error", err)
		}
	}
	return v
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func handleListCharts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		runs, err := deps.Runs.ListRuns(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list charts: %v", err)
			return
		}

		views := make([]runView, len(runs))
		for i, run := range runs {
			views[i] = newRunView(run, false)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetChart(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		run, err := deps.Runs.GetRun(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chart not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get chart: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, newRunView(run, true))
	}
}

func handleDeleteChart(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Runs.DeleteRun(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chart not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete chart: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readChartRequest(w, r)
		if !ok {
			return
		}
		kind, text := req.input()
		if strings.TrimSpace(text) == "" || strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question and one of text, csv_content or file are required")
			return
		}

		tr := trail.New()
		ctx := trail.WithLogger(r.Context(), tr.Logger(slog.Default()))
		ans, err := deps.Answerer.Answer(ctx, text, req.Question, kind == storage.InputCSV)
		if err != nil {
			writeFailure(w, "", err, tr.Lines())
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"answer":      ans.Answer,
			"debug_trail": tr.Lines(),
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
