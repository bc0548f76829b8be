// Package ingest implements the import pipeline: staging raw CSV rows in
// the embedded engine, extracting deduplicated metadata with deterministic
// surrogate ids, rewriting the data into normalized tables and exporting
// the columnar output.
package ingest

import (
	"fmt"
	"strings"

	"github.com/statflow/statflow/internal/model"
)

// Fixed columns of the raw data file.
const (
	ColGeographicLevel = "geographic_level"
	ColTimePeriod      = "time_period"
	ColTimeIdentifier  = "time_identifier"
)

// levelCols names the raw CSV columns carrying a level's identifying
// attributes. Empty means the level has no such column.
type levelCols struct {
	Code    string
	OldCode string
	LaEstab string
	Ukprn   string
	Name    string
}

var levelColumns = map[model.GeographicLevel]levelCols{
	model.LevelCountry:        {Code: "country_code", Name: "country_name"},
	model.LevelRegion:         {Code: "region_code", Name: "region_name"},
	model.LevelLocalAuthority: {Code: "la_code", OldCode: "la_old_code", Name: "la_name"},
	model.LevelSchool:         {LaEstab: "school_laestab", Name: "school_name"},
	model.LevelProvider:       {Ukprn: "provider_ukprn", Name: "provider_name"},
}

// reservedColumns returns every column the fixed geographic/time-period
// schema claims. Anything else must be declared in the metadata file.
func reservedColumns() map[string]bool {
	reserved := map[string]bool{
		ColGeographicLevel: true,
		ColTimePeriod:      true,
		ColTimeIdentifier:  true,
	}
	for _, cols := range levelColumns {
		for _, c := range []string{cols.Code, cols.OldCode, cols.LaEstab, cols.Ukprn, cols.Name} {
			if c != "" {
				reserved[c] = true
			}
		}
	}
	return reserved
}

// colOrEmpty returns a SQL expression reading a staging column as a
// non-null string, or '' when the level has no such column.
func colOrEmpty(col string) string {
	if col == "" {
		return "''"
	}
	return fmt.Sprintf("COALESCE(\"%s\", '')", col)
}

// levelCaseExpr builds a CASE expression over geographic_level selecting
// the per-level column chosen by pick. It is the SQL mirror of the single
// Go-side column mapping above, so the level-to-column policy lives in one
// place.
func levelCaseExpr(pick func(levelCols) string) string {
	var b strings.Builder
	b.WriteString("CASE s." + ColGeographicLevel)
	for _, level := range model.GeographicLevels {
		cols := levelColumns[level]
		fmt.Fprintf(&b, " WHEN '%s' THEN %s", level, prefixed("s", pick(cols)))
	}
	b.WriteString(" ELSE '' END")
	return b.String()
}

func prefixed(alias, col string) string {
	if col == "" {
		return "''"
	}
	return fmt.Sprintf("COALESCE(%s.\"%s\", '')", alias, col)
}
