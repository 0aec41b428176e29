package pipeline

import "github.com/kalambet/nanoviz/internal/engine"

// Chart types Stage 1 may suggest.
const (
	ChartBar  = "bar"
	ChartPie  = "pie"
	ChartLine = "line"
)

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }

// Stage1Schema constrains the meta-prompt response.
var Stage1Schema = &engine.Schema{
	Type: "object",
	Properties: map[string]*engine.Schema{
		"chart_type_suggestion": {
			Type:        "string",
			Description: "Best chart type for the data.",
			Enum:        []string{ChartBar, ChartPie, ChartLine},
		},
		"optimized_prompt": {
			Type:        "string",
			Description: "Concise (at most 50 words) instruction for extracting chart data.",
		},
	},
	Required: []string{"chart_type_suggestion", "optimized_prompt"},
}

// Stage2Schema constrains the chart data response.
var Stage2Schema = &engine.Schema{
	Type: "object",
	Properties: map[string]*engine.Schema{
		"title": {Type: "string", Description: "Short summary title."},
		"data_points": {
			Type:     "array",
			MinItems: intPtr(3),
			MaxItems: intPtr(5),
			Items: &engine.Schema{
				Type: "object",
				Properties: map[string]*engine.Schema{
					"label":   {Type: "string"},
					"value":   {Type: "integer", Minimum: floatPtr(1), Maximum: floatPtr(100)},
					"summary": {Type: "string"},
				},
				Required: []string{"label", "value", "summary"},
			},
		},
	},
	Required:         []string{"title", "data_points"},
	PropertyOrdering: []string{"title", "data_points"},
}

// AnswerSchema constrains question answering.
var AnswerSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]*engine.Schema{
		"answer": {Type: "string"},
	},
	Required: []string{"answer"},
}
