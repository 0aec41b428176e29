// Package api serves chart generation over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/nanoviz/internal/charts"
	"github.com/kalambet/nanoviz/internal/metrics"
	"github.com/kalambet/nanoviz/internal/pipeline"
	"github.com/kalambet/nanoviz/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ChartService runs and queues chart runs. *charts.Service implements it.
type ChartService interface {
	Visualize(ctx context.Context, kind, input string) (charts.Outcome, error)
	Enqueue(ctx context.Context, kind, input string) (string, error)
}

// RunStore reads and deletes stored chart runs. *storage.Store implements it.
type RunStore interface {
	GetRun(ctx context.Context, id string) (storage.ChartRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]storage.ChartRun, error)
	DeleteRun(ctx context.Context, id string) error
}

// Answerer answers a question about text or CSV data.
// *pipeline.Orchestrator implements it.
type Answerer interface {
	Answer(ctx context.Context, input, question string, csv bool) (pipeline.Answer, error)
}

type Deps struct {
	Charts   ChartService
	Runs     RunStore
	Answerer Answerer
	Token    string
	// MinInputLength is the minimum rune count of free-text input.
	MinInputLength int
	Metrics        *metrics.Collector // optional
}

// NewHandler returns the HTTP API. /health and /metrics are public; every
// /v1 route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/charts", handleCreateChart(deps))
		r.Post("/charts/jobs", handleEnqueueChart(deps))
		r.Get("/charts", handleListCharts(deps))
		r.Get("/charts/{id}", handleGetChart(deps))
		r.Delete("/charts/{id}", handleDeleteChart(deps))
		r.Post("/ask", handleAsk(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
