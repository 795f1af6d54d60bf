package server

import (
	"fmt"
	"strings"
	"time"
)

// jsonValue maps a warehouse cell to a JSON-friendly value. Timestamps
// become ISO-8601 strings and raw byte columns become text.
func jsonValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return v
	}
}

func jsonRows(rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		converted := make([]any, len(row))
		for j, cell := range row {
			converted[j] = jsonValue(cell)
		}
		out[i] = converted
	}
	return out
}

// formatRowsPreview caps the plain-text answer at 25 rows.
const formatRowsPreview = 25

// formatRows renders a pipe-separated text table for the answer field.
func formatRows(rows [][]any, columns []string) string {
	if len(rows) == 0 || len(columns) == 0 {
		return "No results."
	}
	lines := []string{strings.Join(columns, " | ")}
	limit := len(rows)
	if limit > formatRowsPreview {
		limit = formatRowsPreview
	}
	for _, row := range rows[:limit] {
		cells := make([]string, len(row))
		for i, cell := range row {
			if cell == nil {
				cells[i] = ""
			} else {
				cells[i] = fmt.Sprint(jsonValue(cell))
			}
		}
		lines = append(lines, strings.Join(cells, " | "))
	}
	if len(rows) > formatRowsPreview {
		lines = append(lines, fmt.Sprintf("... %d more rows", len(rows)-formatRowsPreview))
	}
	return strings.Join(lines, "\n")
}
