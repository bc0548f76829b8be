package ingest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ConvertXLSX converts the first sheet of an analyst-submitted workbook to
// a CSV file next to the original, returning the CSV path. The rest of the
// pipeline only ever sees CSV input.
func ConvertXLSX(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("opening workbook %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", fmt.Errorf("workbook %s has no sheets", path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}

	csvPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".csv"
	out, err := os.Create(csvPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", csvPath, err)
	}
	defer out.Close()

	w := csv.NewWriter(out)
	var width int
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	for _, row := range rows {
		// Pad short rows: excelize trims trailing empty cells.
		for len(row) < width {
			row = append(row, "")
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("writing %s: %w", csvPath, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flushing %s: %w", csvPath, err)
	}
	return csvPath, out.Close()
}
