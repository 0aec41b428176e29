// Package pipeline turns free text into a chart specification with two
// chained constrained prompts: Stage 1 picks a chart type and writes an
// extraction instruction, Stage 2 extracts the data points.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/nanoviz/internal/generation"
	"github.com/kalambet/nanoviz/internal/trail"
)

// Invoker runs one constrained prompt. *generation.Invoker implements it.
type Invoker interface {
	Invoke(ctx context.Context, req generation.Request) (map[string]any, error)
}

// Stage1Result is the meta-prompt payload.
type Stage1Result struct {
	ChartType       string `json:"chart_type_suggestion"`
	OptimizedPrompt string `json:"optimized_prompt"`
}

// DataPoint is one labelled value of a chart.
type DataPoint struct {
	Label   string `json:"label"`
	Value   int    `json:"value"`
	Summary string `json:"summary"`
}

// ChartSpec is the final chart data. VisualizationType always comes from
// Stage 1.
type ChartSpec struct {
	Title             string      `json:"title"`
	DataPoints        []DataPoint `json:"data_points"`
	VisualizationType string      `json:"visualization_type"`
}

// Answer is the payload of a question-answering call.
type Answer struct {
	Answer string `json:"answer"`
}

// Input is the text fed to each stage. Stage1 defaults to Data.
type Input struct {
	Stage1 string
	Data   string
}

// Orchestrator sequences the two stages.
type Orchestrator struct {
	inv Invoker
	now func() time.Time
}

// New creates an Orchestrator.
func New(inv Invoker) *Orchestrator {
	return &Orchestrator{inv: inv, now: time.Now}
}

// Run produces a ChartSpec from text.
func (o *Orchestrator) Run(ctx context.Context, text string) (ChartSpec, error) {
	exec := o.Execute(ctx, Input{Data: text})
	if exec.Err != nil {
		return ChartSpec{}, exec.Err
	}
	return *exec.Spec, nil
}

// RunCSV produces a ChartSpec from CSV text. Stage 1 sees a description of
// the first rows, Stage 2 the full data.
func (o *Orchestrator) RunCSV(ctx context.Context, data string) (ChartSpec, error) {
	in, err := CSVInput(data)
	if err != nil {
		return ChartSpec{}, err
	}
	exec := o.Execute(ctx, in)
	if exec.Err != nil {
		return ChartSpec{}, exec.Err
	}
	return *exec.Spec, nil
}

// Execute runs both stages and returns the execution record. On failure
// exec.State is StateFailed and exec.Err is set; Stage 2 never starts if
// Stage 1 failed.
func (o *Orchestrator) Execute(ctx context.Context, in Input) *Execution {
	log := trail.Logger(ctx)
	exec := newExecution(o.now)

	step := func(to State) {
		from := exec.State
		if err := exec.advance(to); err != nil {
			panic(err)
		}
		log.Info("pipeline state", "from", from, "to", to)
	}
	fail := func(err error) *Execution {
		from := exec.State
		exec.fail(err)
		log.Warn("pipeline failed", "from", from, "error", err)
		return exec
	}

	stage1Text := in.Stage1
	if stage1Text == "" {
		stage1Text = in.Data
	}

	step(StateStage1Running)
	s1, err := o.stage1(ctx, stage1Text)
	if err != nil {
		return fail(fmt.Errorf("stage 1: %w", err))
	}
	exec.Stage1 = &s1
	step(StateStage1Done)
	log.Debug("stage 1 result", "chart_type", s1.ChartType, "optimized_prompt", s1.OptimizedPrompt)

	if err := ctx.Err(); err != nil {
		step(StateStage2Running)
		return fail(fmt.Errorf("stage 2: %w: %v", generation.ErrCancelled, err))
	}

	step(StateStage2Running)
	spec, err := o.stage2(ctx, s1, in.Data)
	if err != nil {
		return fail(fmt.Errorf("stage 2: %w", err))
	}
	exec.Spec = &spec
	step(StateStage2Done)
	log.Info("chart ready", "title", spec.Title, "type", spec.VisualizationType, "points", len(spec.DataPoints))
	return exec
}

func (o *Orchestrator) stage1(ctx context.Context, text string) (Stage1Result, error) {
	payload, err := o.inv.Invoke(ctx, generation.Request{
		Name:         "stage1",
		SystemPrompt: stage1System,
		Prompt:       stage1Prompt(text),
		Schema:       Stage1Schema,
	})
	if err != nil {
		return Stage1Result{}, err
	}

	var s1 Stage1Result
	if err := decode(payload, &s1); err != nil {
		return Stage1Result{}, err
	}
	s1.ChartType = strings.ToLower(strings.TrimSpace(s1.ChartType))
	if !slices.Contains(Stage1Schema.Properties["chart_type_suggestion"].Enum, s1.ChartType) {
		return Stage1Result{}, fmt.Errorf("%w: chart_type_suggestion %q", generation.ErrSchemaMismatch, s1.ChartType)
	}
	if strings.TrimSpace(s1.OptimizedPrompt) == "" {
		return Stage1Result{}, fmt.Errorf("%w: empty optimized_prompt", generation.ErrSchemaMismatch)
	}
	return s1, nil
}

func (o *Orchestrator) stage2(ctx context.Context, s1 Stage1Result, data string) (ChartSpec, error) {
	payload, err := o.inv.Invoke(ctx, generation.Request{
		Name:         "stage2",
		SystemPrompt: stage2System,
		Prompt:       stage2Prompt(s1.OptimizedPrompt, data),
		Schema:       Stage2Schema,
	})
	if err != nil {
		return ChartSpec{}, err
	}

	for _, key := range Stage2Schema.Required {
		if _, ok := payload[key]; !ok {
			return ChartSpec{}, fmt.Errorf("%w: missing %s", generation.ErrSchemaMismatch, key)
		}
	}

	var spec ChartSpec
	if err := decode(payload, &spec); err != nil {
		return ChartSpec{}, err
	}
	spec.VisualizationType = s1.ChartType
	return spec, nil
}

// Answer asks question about input through a single constrained prompt.
func (o *Orchestrator) Answer(ctx context.Context, input, question string, csv bool) (Answer, error) {
	system, prompt := answerPrompt(input, question, csv)
	payload, err := o.inv.Invoke(ctx, generation.Request{
		Name:         "answer",
		SystemPrompt: system,
		Prompt:       prompt,
		Schema:       AnswerSchema,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("answer: %w", err)
	}

	var a Answer
	if err := decode(payload, &a); err != nil {
		return Answer{}, fmt.Errorf("answer: %w", err)
	}
	a.Answer = strings.TrimSpace(a.Answer)
	return a, nil
}

// decode converts a parsed payload into a typed view.
func decode(payload map[string]any, v any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", generation.ErrSchemaMismatch, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", generation.ErrSchemaMismatch, err)
	}
	return nil
}
