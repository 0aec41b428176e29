package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotRunning is returned by EnsureReady when the model server does not
// answer.
var ErrNotRunning = errors.New("model server is not running")

// EnsureReady verifies that m is reachable and has model installed, pulling
// it when missing. Pull progress is written to w, one line per status or
// whole-percent change.
func EnsureReady(ctx context.Context, m ModelManager, model string, w io.Writer) error {
	if !m.IsRunning(ctx) {
		return ErrNotRunning
	}
	if !m.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: pulling\n", model)
		if err := m.PullModel(ctx, model, progressPrinter(w)); err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}

func progressPrinter(w io.Writer) func(PullProgress) {
	last := ""
	return func(p PullProgress) {
		line := p.Status
		if p.Total > 0 {
			line = fmt.Sprintf("%s %d%%", p.Status, p.Completed*100/p.Total)
		}
		if line == last {
			return
		}
		last = line
		fmt.Fprintf(w, "  %s\n", line)
	}
}
