package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/nanoviz/internal/generation"
	"github.com/kalambet/nanoviz/internal/storage"
	"github.com/kalambet/nanoviz/internal/trail"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Charts         ChartService
	Runs           RunStore // optional; if nil, charts://recent is not registered
	Answerer       Answerer
	MinInputLength int
}

// NewMCPServer creates an MCP server with the chart tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"nanoviz",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("nanoviz turns text or CSV data into chart specifications and answers questions about data."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("visualize_text",
			mcp.WithDescription("Generate a chart specification (title, data points, visualization type) from text or CSV data."),
			mcp.WithString("text", mcp.Description("Text or CSV content to visualize"), mcp.Required()),
			mcp.WithBoolean("csv", mcp.Description("Treat text as CSV (default false)")),
		),
		mcpVisualize(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Answer a question about text or CSV data."),
			mcp.WithString("text", mcp.Description("Text or CSV content the question is about"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithBoolean("csv", mcp.Description("Treat text as CSV (default false)")),
		),
		mcpAsk(deps),
	)

	if deps.Runs != nil {
		s.AddResource(
			mcp.NewResource(
				"charts://recent",
				"Recent Charts",
				mcp.WithResourceDescription("Last 10 chart runs with their status and chart specification"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
	}

	return s
}

func mcpVisualize(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		kind := storage.InputText
		if req.GetBool("csv", false) {
			kind = storage.InputCSV
		} else if n := utf8.RuneCountInString(strings.TrimSpace(text)); n < deps.MinInputLength {
			return mcpError(fmt.Sprintf("text must be at least %d characters, got %d", deps.MinInputLength, n)), nil
		}

		out, err := deps.Charts.Visualize(ctx, kind, text)
		if err != nil {
			slog.Error("chart run not recorded", "run_id", out.RunID, "error", err)
		}
		if out.Err != nil {
			return mcpError(failureText(out.Err)), nil
		}
		if out.Spec == nil {
			return mcpError(fmt.Sprintf("chart run failed: %v", err)), nil
		}

		b, err := json.Marshal(out.Spec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal chart: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		tr := trail.New()
		ctx = trail.WithLogger(ctx, tr.Logger(slog.Default()))
		ans, err := deps.Answerer.Answer(ctx, text, question, req.GetBool("csv", false))
		if err != nil {
			return mcpError(failureText(err)), nil
		}
		return mcpText(ans.Answer), nil
	}
}

// failureText renders a categorized failure for a tool result.
func failureText(err error) string {
	c := generation.Categorize(err)
	return fmt.Sprintf("%s [%s] %v", c.Message(), c, err)
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Runs.ListRuns(ctx, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent charts: %w", err)
		}

		type runSummary struct {
			ID        string          `json:"id"`
			CreatedAt string          `json:"created_at"`
			Status    string          `json:"status"`
			Input     string          `json:"input"`
			Chart     json.RawMessage `json:"chart,omitempty"`
			Error     string          `json:"error,omitempty"`
		}

		summaries := make([]runSummary, len(runs))
		for i, run := range runs {
			summaries[i] = runSummary{
				ID:        run.ID,
				CreatedAt: run.CreatedAt.Format(time.RFC3339),
				Status:    run.Status,
				Input:     preview(run.InputText, 200),
				Error:     run.ErrorCategory,
			}
			if run.ChartSpecJSON != "" {
				summaries[i].Chart = json.RawMessage(run.ChartSpecJSON)
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal charts: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
