package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// csvPreviewRows is the number of data rows shown to Stage 1.
const csvPreviewRows = 5

// ErrInvalidCSV is returned when CSV input cannot be read.
var ErrInvalidCSV = errors.New("invalid CSV")

// DescribeCSV summarizes CSV data for Stage 1: a table of the first rows,
// the column list and an instruction to pick a chart type.
func DescribeCSV(data string) (string, error) {
	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return "", fmt.Errorf("%w: no header row", ErrInvalidCSV)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCSV, err)
	}

	var rows [][]string
	truncated := false
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidCSV, err)
		}
		if len(rows) == csvPreviewRows {
			truncated = true
			break
		}
		rows = append(rows, rec)
	}

	var b strings.Builder
	b.WriteString("CSV Data Description:\n")

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\t"+strings.Join(header, "\t"))
	for i, rec := range rows {
		fmt.Fprintf(tw, "%d\t%s\n", i, strings.Join(rec, "\t"))
	}
	tw.Flush()

	if truncated {
		b.WriteString("... (truncated)\n")
	}
	fmt.Fprintf(&b, "Columns: %s\n\n", strings.Join(header, ", "))
	b.WriteString("Based on this CSV data, what would be the best chart type (bar, pie, or line) to visualize key insights, " +
		"and what would be a concise (<=50 words) optimized summarization prompt to extract data points for that chart?")
	return b.String(), nil
}

// CSVInput builds the stage inputs for CSV data.
func CSVInput(data string) (Input, error) {
	desc, err := DescribeCSV(data)
	if err != nil {
		return Input{}, err
	}
	return Input{Stage1: desc, Data: data}, nil
}
