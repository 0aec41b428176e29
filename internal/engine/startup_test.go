package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type mockManager struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
}

func (m *mockManager) IsRunning(_ context.Context) bool { return m.isRunning }
func (m *mockManager) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockManager) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "downloading", Total: 200, Completed: 100})
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_ModelPresent(t *testing.T) {
	m := &mockManager{isRunning: true, models: map[string]bool{"gemma3": true}}
	if err := EnsureReady(context.Background(), m, "gemma3", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockManager{isRunning: true, models: map[string]bool{}}
	var out bytes.Buffer
	if err := EnsureReady(context.Background(), m, "gemma3", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "gemma3" {
		t.Errorf("expected pull of gemma3, got %v", m.pulled)
	}
	if !strings.Contains(out.String(), "downloading 50%") {
		t.Errorf("progress output = %q, want percentage line", out.String())
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockManager{isRunning: false, models: map[string]bool{}}
	if err := EnsureReady(context.Background(), m, "gemma3", io.Discard); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestProgressPrinter_SkipsRepeats(t *testing.T) {
	var out bytes.Buffer
	emit := progressPrinter(&out)
	emit(PullProgress{Status: "pulling manifest"})
	emit(PullProgress{Status: "downloading", Total: 1000, Completed: 101})
	emit(PullProgress{Status: "downloading", Total: 1000, Completed: 109})
	emit(PullProgress{Status: "downloading", Total: 1000, Completed: 200})
	emit(PullProgress{Status: "success"})

	want := "  pulling manifest\n  downloading 10%\n  downloading 20%\n  success\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}
