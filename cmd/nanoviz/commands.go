package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/nanoviz/internal/config"
	"github.com/kalambet/nanoviz/internal/pipeline"
)

// chartInput is the data sent by the chart and ask commands.
type chartInput struct {
	Text     string
	CSV      string
	File     string // uploaded as multipart when set
	FileData []byte
}

func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().String("text", "", `text to use ("-" reads stdin)`)
	cmd.Flags().String("csv", "", "path to a CSV file")
	cmd.Flags().String("file", "", "path to a .txt, .md, .html or .pdf document")
}

// inputFromFlags reads the input flags. fallback is used as text when no
// flag is set.
func inputFromFlags(cmd *cobra.Command, fallback string) (chartInput, error) {
	text, _ := cmd.Flags().GetString("text")
	csvPath, _ := cmd.Flags().GetString("csv")
	file, _ := cmd.Flags().GetString("file")

	switch {
	case csvPath != "":
		data, err := os.ReadFile(csvPath)
		if err != nil {
			return chartInput{}, fmt.Errorf("reading csv: %w", err)
		}
		return chartInput{CSV: string(data)}, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return chartInput{}, fmt.Errorf("reading file: %w", err)
		}
		return chartInput{File: file, FileData: data}, nil
	case text == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return chartInput{}, fmt.Errorf("reading stdin: %w", err)
		}
		return chartInput{Text: string(data)}, nil
	case text != "":
		return chartInput{Text: text}, nil
	case fallback != "":
		return chartInput{Text: fallback}, nil
	}
	return chartInput{}, fmt.Errorf("one of --text, --csv or --file is required")
}

// sendInput posts in to path, as JSON or as a multipart upload.
func sendInput(ctx context.Context, client *apiClient, path string, in chartInput, extra map[string]string) (*http.Response, error) {
	if in.File != "" {
		return client.upload(ctx, path, filepath.Base(in.File), in.FileData, extra)
	}
	body := map[string]string{}
	for k, v := range extra {
		body[k] = v
	}
	if in.CSV != "" {
		body["csv_content"] = in.CSV
	} else {
		body["text"] = in.Text
	}
	return client.post(ctx, path, body)
}

// --- chart ---

type chartOptions struct {
	async  bool
	asJSON bool
	trail  bool
}

var chartCmd = &cobra.Command{
	Use:   "chart [text]",
	Short: "Generate a chart specification from text, CSV or a document",
	Long: `Generate a chart specification from text, CSV or a document.

Examples:
  nanoviz chart "North sold 40 units, South 25, East 31 and West 12 in Q3."
  nanoviz chart --csv ./sales.csv
  nanoviz chart --file ./report.pdf --json
  cat notes.txt | nanoviz chart --text - --async`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := inputFromFlags(cmd, strings.Join(args, " "))
		if err != nil {
			return err
		}
		var opts chartOptions
		opts.async, _ = cmd.Flags().GetBool("async")
		opts.asJSON, _ = cmd.Flags().GetBool("json")
		opts.trail, _ = cmd.Flags().GetBool("trail")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChart(cmd.Context(), client, in, opts, cmd.OutOrStdout())
	},
}

func init() {
	addInputFlags(chartCmd)
	chartCmd.Flags().Bool("async", false, "queue the run and return its id")
	chartCmd.Flags().Bool("json", false, "print the chart specification as JSON")
	chartCmd.Flags().Bool("trail", false, "print the debug trail")
}

func runChart(ctx context.Context, client *apiClient, in chartInput, opts chartOptions, w io.Writer) error {
	if opts.async {
		resp, err := sendInput(ctx, client, "/v1/charts/jobs", in, nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Fprintln(w, result["id"])
		printSuccess("Queued chart run %s", result["id"])
		return nil
	}

	printStep("Generating chart...")
	resp, err := sendInput(ctx, client, "/v1/charts", in, nil)
	if err != nil {
		return err
	}
	var result struct {
		ID         string             `json:"id"`
		Chart      pipeline.ChartSpec `json:"chart"`
		DebugTrail []string           `json:"debug_trail"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		if ae, ok := asAPIError(err); ok && opts.trail {
			renderTrail(os.Stderr, ae.DebugTrail)
		}
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result.Chart); err != nil {
			return err
		}
	} else {
		renderChart(w, result.Chart)
	}
	if opts.trail {
		renderTrail(w, result.DebugTrail)
	}
	printSuccess("Chart run %s", result.ID)
	return nil
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question about text, CSV or a document",
	Long: `Answer a question about text, CSV or a document.

Examples:
  nanoviz ask "Which region sold the most?" --csv ./sales.csv
  nanoviz ask "What is the total?" --text "North 40, South 25"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := inputFromFlags(cmd, "")
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAsk(cmd.Context(), client, in, strings.Join(args, " "), cmd.OutOrStdout())
	},
}

func init() {
	addInputFlags(askCmd)
}

func runAsk(ctx context.Context, client *apiClient, in chartInput, question string, w io.Writer) error {
	resp, err := sendInput(ctx, client, "/v1/ask", in, map[string]string{"question": question})
	if err != nil {
		return err
	}
	var result struct {
		Answer string `json:"answer"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	fmt.Fprintln(w, result.Answer)
	return nil
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage chart run history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent chart runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listHistory(cmd.Context(), client, limit, offset, cmd.OutOrStdout())
	},
}

type runSummary struct {
	ID            string              `json:"id"`
	CreatedAt     time.Time           `json:"created_at"`
	Status        string              `json:"status"`
	Input         string              `json:"input"`
	Chart         *pipeline.ChartSpec `json:"chart"`
	ErrorCategory string              `json:"error_category"`
}

func listHistory(ctx context.Context, client *apiClient, limit, offset int, w io.Writer) error {
	resp, err := client.get(ctx, fmt.Sprintf("/v1/charts?limit=%d&offset=%d", limit, offset))
	if err != nil {
		return err
	}
	var runs []runSummary
	if err := decodeJSON(resp, &runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No chart runs found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range runs {
		desc := r.ErrorCategory
		if r.Chart != nil {
			desc = fmt.Sprintf("%s: %s", r.Chart.VisualizationType, r.Chart.Title)
		}
		input := strings.ReplaceAll(r.Input, "\n", " ")
		if len(input) > 60 {
			input = input[:60] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			colorize(colorCyan, shortID(r.ID)),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Status,
			desc,
			input,
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single chart run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/charts/"+args[0])
		if err != nil {
			return err
		}

		var run any
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a chart run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/charts/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Deleted chart run %s", args[0])
		return nil
	},
}

var historyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all chart runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL chart runs. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Deleting chart runs...")
		failures, err := purgeEndpoint(cmd.Context(), client, "/v1/charts")
		if err != nil {
			return err
		}
		if failures > 0 {
			return fmt.Errorf("%d chart runs could not be deleted", failures)
		}

		printSuccess("All chart runs purged")
		return nil
	},
}

// purgeEndpoint deletes every item listed under path and returns how many
// deletions failed. Failed items are skipped on the next page.
func purgeEndpoint(ctx context.Context, client *apiClient, path string) (int, error) {
	failures := 0
	for {
		resp, err := client.get(ctx, fmt.Sprintf("%s?limit=100&offset=%d", path, failures))
		if err != nil {
			return failures, err
		}
		var items []struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return failures, err
		}
		if len(items) == 0 {
			return failures, nil
		}
		for _, item := range items {
			resp, err := client.delete(ctx, path+"/"+item.ID)
			if err == nil {
				err = decodeJSON(resp, nil)
			}
			if err != nil {
				printError("Failed to delete %s: %v", item.ID, err)
				failures++
			}
		}
	}
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	historyListCmd.Flags().Int("offset", 0, "number of runs to skip")
	historyPurgeCmd.Flags().Bool("confirm", false, "confirm purge")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyPurgeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			if k.Overridden {
				line += colorize(colorDim, " (from "+k.EnvVar+")")
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
