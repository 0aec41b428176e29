// Package charts runs pipeline requests and records them as chart runs,
// either inline or through the persistent job queue.
package charts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/nanoviz/internal/generation"
	"github.com/kalambet/nanoviz/internal/pipeline"
	"github.com/kalambet/nanoviz/internal/storage"
	"github.com/kalambet/nanoviz/internal/trail"
)

// JobType is the queue job type for chart runs.
const JobType = "visualize"

// Visualizer runs the two-stage pipeline. *pipeline.Orchestrator implements it.
type Visualizer interface {
	Execute(ctx context.Context, in pipeline.Input) *pipeline.Execution
}

// Store abstracts run persistence and the job queue.
type Store interface {
	SaveRun(ctx context.Context, r storage.ChartRun) error
	FinishRun(ctx context.Context, r storage.ChartRun) error
	SetRunStatus(ctx context.Context, id, status string) error
	GetRun(ctx context.Context, id string) (storage.ChartRun, error)
	EnqueueRun(ctx context.Context, r storage.ChartRun, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (bool, error)
}

// RunObserver is told about every finished run. internal/metrics provides
// the Prometheus implementation.
type RunObserver interface {
	ObserveRun(source string, category generation.Category, elapsed time.Duration)
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	RunID    string
	Spec     *pipeline.ChartSpec
	Err      error
	Category generation.Category
	Trail    []string
}

// Service executes and records chart runs.
type Service struct {
	viz      Visualizer
	store    Store
	observer RunObserver
	logger   *slog.Logger
	newID    func() string
}

// NewService creates a Service. store may be nil, in which case runs are not
// persisted and Enqueue is unavailable.
func NewService(viz Visualizer, store Store, observer RunObserver) *Service {
	return &Service{
		viz:      viz,
		store:    store,
		observer: observer,
		logger:   slog.Default(),
		newID:    func() string { return uuid.New().String() },
	}
}

// Visualize runs the pipeline on input synchronously. Pipeline failures are
// reported in Outcome.Err; the returned error is only set when the run could
// not be recorded.
func (s *Service) Visualize(ctx context.Context, kind, input string) (Outcome, error) {
	id := s.newID()
	if s.store != nil {
		if err := s.store.SaveRun(ctx, storage.ChartRun{ID: id, InputKind: kind, InputText: input, Status: storage.RunRunning}); err != nil {
			return Outcome{}, fmt.Errorf("saving run: %w", err)
		}
	}

	out := s.execute(ctx, "inline", id, kind, input)

	if s.store != nil {
		if err := s.store.FinishRun(context.WithoutCancel(ctx), finished(out)); err != nil {
			return out, fmt.Errorf("recording run %s: %w", id, err)
		}
	}
	return out, nil
}

type jobPayload struct {
	RunID string `json:"run_id"`
}

// Enqueue stores a queued run for the worker and returns its id.
func (s *Service) Enqueue(ctx context.Context, kind, input string) (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("enqueue: no store configured")
	}
	if kind == storage.InputCSV {
		if _, err := pipeline.DescribeCSV(input); err != nil {
			return "", err
		}
	}

	id := s.newID()
	payload, err := json.Marshal(jobPayload{RunID: id})
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}
	run := storage.ChartRun{ID: id, InputKind: kind, InputText: input, Status: storage.RunQueued}
	job := storage.Job{ID: id, Type: JobType, PayloadJSON: string(payload)}
	if err := s.store.EnqueueRun(ctx, run, job); err != nil {
		return "", fmt.Errorf("enqueueing run: %w", err)
	}
	s.logger.Info("chart run queued", "run_id", id, "kind", kind)
	return id, nil
}

// execute runs the pipeline with a fresh debug trail.
func (s *Service) execute(ctx context.Context, source, id, kind, input string) Outcome {
	start := time.Now()
	tr := trail.New()
	ctx = trail.WithLogger(ctx, tr.Logger(s.logger).With("run_id", id))

	out := Outcome{RunID: id}
	in := pipeline.Input{Data: input}
	if kind == storage.InputCSV {
		var err error
		if in, err = pipeline.CSVInput(input); err != nil {
			trail.Logger(ctx).Warn("csv input rejected", "error", err)
			out.Err = err
		}
	}
	if out.Err == nil {
		exec := s.viz.Execute(ctx, in)
		out.Spec, out.Err = exec.Spec, exec.Err
	}
	out.Category = generation.Categorize(out.Err)
	out.Trail = tr.Lines()

	if s.observer != nil {
		s.observer.ObserveRun(source, out.Category, time.Since(start))
	}
	return out
}

// finished converts an outcome into the stored run update.
func finished(out Outcome) storage.ChartRun {
	r := storage.ChartRun{ID: out.RunID, Status: storage.RunSucceeded}
	if b, err := json.Marshal(out.Trail); err == nil {
		r.DebugTrail = string(b)
	}
	if out.Err != nil {
		r.Status = storage.RunFailed
		r.Error = out.Err.Error()
		r.ErrorCategory = string(out.Category)
		return r
	}
	if b, err := json.Marshal(out.Spec); err == nil {
		r.ChartSpecJSON = string(b)
	}
	return r
}
