package charts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/nanoviz/internal/generation"
	"github.com/kalambet/nanoviz/internal/storage"
)

// Worker processes visualize jobs from the SQLite job queue.
type Worker struct {
	svc    *Service
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker for svc, which must have a store.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(svc *Service, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		svc:    svc,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single visualize job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	store := w.svc.store
	job, err := store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	run, err := w.loadRun(ctx, job)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if _, failErr := store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := store.SetRunStatus(ctx, run.ID, storage.RunRunning); err != nil {
		return true, fmt.Errorf("marking run %s running: %w", run.ID, err)
	}

	out := w.svc.execute(ctx, "queue", run.ID, run.InputKind, run.InputText)

	switch {
	case out.Category == generation.CategoryCancelled && ctx.Err() != nil:
		// Shutting down; the job stays running and is requeued on the next start.
		w.logger.Info("job interrupted", "job_id", job.ID)
		return true, nil

	case out.Err != nil && out.Category.Transient():
		final, err := store.FailJob(ctx, job.ID, out.Err.Error())
		if err != nil {
			return true, fmt.Errorf("failing job %s: %w", job.ID, err)
		}
		if !final {
			w.logger.Warn("job will be retried", "job_id", job.ID, "category", out.Category, "error", out.Err)
			return true, store.SetRunStatus(ctx, run.ID, storage.RunQueued)
		}
		w.logger.Warn("job failed permanently", "job_id", job.ID, "category", out.Category, "error", out.Err)
		return true, store.FinishRun(ctx, finished(out))
	}

	if err := store.FinishRun(ctx, finished(out)); err != nil {
		return true, fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	if err := store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	if out.Err != nil {
		w.logger.Warn("chart run failed", "run_id", run.ID, "category", out.Category, "error", out.Err)
	} else {
		w.logger.Info("chart run done", "run_id", run.ID, "points", len(out.Spec.DataPoints))
	}
	return true, nil
}

func (w *Worker) loadRun(ctx context.Context, job *storage.Job) (storage.ChartRun, error) {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return storage.ChartRun{}, fmt.Errorf("parsing payload: %w", err)
	}
	run, err := w.svc.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return storage.ChartRun{}, fmt.Errorf("loading run %s: %w", payload.RunID, err)
	}
	return run, nil
}
