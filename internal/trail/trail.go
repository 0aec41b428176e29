// Package trail records a timestamped debug trail for a single call by
// teeing slog records into an in-memory buffer.
package trail

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one recorded log line.
type Entry struct {
	Time  time.Time
	Level slog.Level
	Line  string
}

// Trail is an append-only list of log entries. It is safe for concurrent use.
type Trail struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	entries []Entry
}

// New returns an empty Trail.
func New() *Trail {
	return &Trail{}
}

// Entries returns a copy of the recorded entries.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Lines returns the recorded entries formatted as text.
func (t *Trail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := make([]string, len(t.entries))
	for i, e := range t.entries {
		lines[i] = e.Line
	}
	return lines
}

// Count returns the number of entries at exactly level.
func (t *Trail) Count(level slog.Level) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Logger returns a logger that records every record, debug included, into t
// and forwards records to base's handler when base would accept them.
func (t *Trail) Logger(base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.New(&handler{
		trail: t,
		text:  slog.NewTextHandler(&t.buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		next:  base.Handler(),
	})
}

type handler struct {
	trail *Trail
	text  slog.Handler
	next  slog.Handler
}

func (h *handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	t := h.trail
	t.mu.Lock()
	t.buf.Reset()
	err := h.text.Handle(ctx, r)
	if err == nil {
		t.entries = append(t.entries, Entry{
			Time:  r.Time,
			Level: r.Level,
			Line:  strings.TrimRight(t.buf.String(), "\n"),
		})
	}
	t.mu.Unlock()

	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r.Clone())
	}
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{trail: h.trail, text: h.text.WithAttrs(attrs), next: h.next.WithAttrs(attrs)}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{trail: h.trail, text: h.text.WithGroup(name), next: h.next.WithGroup(name)}
}

type ctxKey struct{}

// WithLogger returns a copy of ctx carrying l.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Logger returns the logger carried by ctx, or slog.Default.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
