package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/statflow/statflow/pkg/errs"
)

// ColumnType classifies a declared metadata column.
type ColumnType string

const (
	ColumnTypeFilter    ColumnType = "Filter"
	ColumnTypeIndicator ColumnType = "Indicator"
)

// MetaColumn is one declared column of the data file.
type MetaColumn struct {
	ColName       string
	Type          ColumnType
	Label         string
	Grouping      string
	Unit          string
	DecimalPlaces int
	FilterDefault string
}

// Schema is the column classification derived from the metadata file.
// Filters and Indicators keep the metadata file's declaration order, which
// fixes their surrogate-id assignment order.
type Schema struct {
	Filters    []MetaColumn
	Indicators []MetaColumn
}

// ColumnTypes maps each declared column name to its type.
func (s *Schema) ColumnTypes() map[string]ColumnType {
	types := make(map[string]ColumnType, len(s.Filters)+len(s.Indicators))
	for _, c := range s.Filters {
		types[c.ColName] = ColumnTypeFilter
	}
	for _, c := range s.Indicators {
		types[c.ColName] = ColumnTypeIndicator
	}
	return types
}

var metaHeader = []string{"col_name", "col_type", "label", "grouping", "unit", "decimal_places", "filter_default"}

// ReadMetadataCSV parses the metadata file. Declaration problems are
// validation failures naming the offending row.
func ReadMetadataCSV(r io.Reader) (*Schema, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errs.Validationf("metadata", "reading header: %v", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"col_name", "col_type", "label"} {
		if _, ok := idx[required]; !ok {
			return nil, errs.Validationf("metadata", "missing required column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	schema := &Schema{}
	seen := make(map[string]bool)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Validationf("metadata", "line %d: %v", line, err)
		}

		col := MetaColumn{
			ColName:       field(record, "col_name"),
			Label:         field(record, "label"),
			Grouping:      field(record, "grouping"),
			Unit:          field(record, "unit"),
			FilterDefault: field(record, "filter_default"),
		}
		if col.ColName == "" {
			return nil, errs.Validationf("metadata", "line %d: empty col_name", line)
		}
		if seen[col.ColName] {
			return nil, errs.Validationf("metadata", "line %d: duplicate declaration of column %q", line, col.ColName)
		}
		seen[col.ColName] = true

		if dp := field(record, "decimal_places"); dp != "" {
			n, err := strconv.Atoi(dp)
			if err != nil || n < 0 {
				return nil, errs.Validationf("metadata", "line %d: invalid decimal_places %q", line, dp)
			}
			col.DecimalPlaces = n
		}

		switch ColumnType(field(record, "col_type")) {
		case ColumnTypeFilter:
			col.Type = ColumnTypeFilter
			schema.Filters = append(schema.Filters, col)
		case ColumnTypeIndicator:
			col.Type = ColumnTypeIndicator
			schema.Indicators = append(schema.Indicators, col)
		default:
			return nil, errs.Validationf("metadata",
				"line %d: column %q has unknown col_type %q", line, col.ColName, field(record, "col_type"))
		}
	}

	if len(schema.Indicators) == 0 {
		return nil, errs.Validationf("metadata", "no indicator columns declared")
	}
	return schema, nil
}

// ValidateColumns checks the data file header against the fixed schema and
// the metadata declarations. A column that is neither reserved nor declared
// is a hard validation failure, never a silent drop.
func ValidateColumns(header []string, schema *Schema) error {
	reserved := reservedColumns()
	types := schema.ColumnTypes()

	present := make(map[string]bool, len(header))
	for _, col := range header {
		col = strings.TrimSpace(col)
		present[col] = true
		if reserved[col] {
			continue
		}
		if _, declared := types[col]; !declared {
			return errs.Validationf(col, "column is not part of the fixed schema and is not declared in metadata")
		}
	}

	for _, required := range []string{ColGeographicLevel, ColTimePeriod, ColTimeIdentifier} {
		if !present[required] {
			return errs.Validationf(required, "required column is missing from the data file")
		}
	}
	for name := range types {
		if !present[name] {
			return errs.Validationf(name, "column is declared in metadata but missing from the data file")
		}
	}
	return nil
}

// ReadCSVHeader reads just the header row of a CSV file.
func ReadCSVHeader(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return header, nil
}
