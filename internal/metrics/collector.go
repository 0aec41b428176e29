// Package metrics exposes Prometheus metrics for generation calls, chart
// runs and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/nanoviz/internal/generation"
)

// Collector records metrics into its own registry. It implements
// generation.Observer and charts.RunObserver.
type Collector struct {
	reg *prometheus.Registry

	phaseAttempts *prometheus.HistogramVec
	phaseFailures *prometheus.CounterVec
	bonusRetries  *prometheus.CounterVec

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with metrics under namespace. Go runtime
// and process collectors are registered alongside.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		phaseAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_phase_attempts",
			Help:      "Attempts used by a generation phase",
			Buckets:   []float64{1, 2, 3, 5, 10},
		}, []string{"call", "phase", "outcome"}),
		phaseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_phase_failures_total",
			Help:      "Generation phases that gave up, by category",
		}, []string{"call", "phase", "category"}),
		bonusRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_bonus_retries_total",
			Help:      "Extra prompts issued for results without text",
		}, []string{"call", "recovered"}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chart_runs_total",
			Help:      "Chart pipeline runs by outcome",
		}, []string{"source", "outcome"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chart_run_duration_seconds",
			Help:      "Chart pipeline run duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObservePhase implements generation.Observer.
func (c *Collector) ObservePhase(call string, phase generation.Phase, attempts int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		c.phaseFailures.WithLabelValues(call, string(phase), string(generation.Categorize(err))).Inc()
	}
	c.phaseAttempts.WithLabelValues(call, string(phase), outcome).Observe(float64(attempts))
}

// ObserveBonusRetry implements generation.Observer.
func (c *Collector) ObserveBonusRetry(call string, recovered bool) {
	c.bonusRetries.WithLabelValues(call, strconv.FormatBool(recovered)).Inc()
}

// ObserveRun implements charts.RunObserver.
func (c *Collector) ObserveRun(source string, category generation.Category, elapsed time.Duration) {
	outcome := string(category)
	if outcome == "" {
		outcome = "ok"
	}
	c.runsTotal.WithLabelValues(source, outcome).Inc()
	c.runDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Middleware records request counts and latency per chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
