package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/kalambet/nanoviz/internal/pipeline"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

const barWidth = 30

// renderChart writes spec as a titled table with a proportional bar per
// data point.
func renderChart(w io.Writer, spec pipeline.ChartSpec) {
	fmt.Fprintf(w, "%s (%s)\n\n", colorize(colorBold, spec.Title), spec.VisualizationType)
	if len(spec.DataPoints) == 0 {
		fmt.Fprintln(w, "  no data points")
		return
	}

	maxVal := 0
	for _, p := range spec.DataPoints {
		if p.Value > maxVal {
			maxVal = p.Value
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, p := range spec.DataPoints {
		n := 0
		if maxVal > 0 && p.Value > 0 {
			n = p.Value * barWidth / maxVal
			if n == 0 {
				n = 1
			}
		}
		fmt.Fprintf(tw, "  %s\t%d\t%s\t%s\n", p.Label, p.Value, strings.Repeat("█", n), p.Summary)
	}
	tw.Flush()
}

// renderTrail writes debug trail lines indented under a heading.
func renderTrail(w io.Writer, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(w, colorize(colorBold, "\nDebug trail:"))
	for _, l := range lines {
		fmt.Fprintf(w, "  %s\n", l)
	}
}
