package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/engine"
	"github.com/statflow/statflow/pkg/errs"
	"github.com/statflow/statflow/pkg/paths"
)

// Table names inside the working database.
const (
	tableStaging          = "staging"
	tableGeographicLevels = "geographic_levels"
	tableLocations        = "locations"
	tableLocationLookup   = "location_lookup"
	tableFilters          = "filters"
	tableFilterOptions    = "filter_options"
	tableIndicators       = "indicators"
	tableTimePeriods      = "time_periods"
	tableData             = "data"
)

// exportTables maps working tables to their exported Parquet file names.
// location_lookup and staging are working state and are not exported.
var exportTables = map[string]string{
	tableData:             paths.FileData,
	tableLocations:        paths.FileLocations,
	tableFilters:          paths.FileFilters,
	tableFilterOptions:    paths.FileFilterOptions,
	tableIndicators:       paths.FileIndicators,
	tableTimePeriods:      paths.FileTimePeriods,
	tableGeographicLevels: paths.FileGeographicLevels,
}

// runState carries everything a stage needs for one pipeline run.
type runState struct {
	session  *engine.Session
	schema   *Schema
	dataPath string
	metaPath string
	workDir  string
}

// stageValidateInput parses the metadata file and checks the data header
// against it. Runs before anything is staged so a malformed submission
// fails with no partial state committed.
func (s *runState) stageValidateInput(ctx context.Context) error {
	schema, err := loadSchema(s.dataPath, s.metaPath)
	if err != nil {
		return err
	}
	s.schema = schema
	return nil
}

// stageRaw loads the raw CSV into the staging table, tagging each row with
// its source order so extraction output is deterministic.
func (s *runState) stageRaw(ctx context.Context) error {
	return s.session.ReadCSV(ctx, tableStaging, s.dataPath)
}

// stageGeographicLevels extracts the distinct levels in first-seen order.
func (s *runState) stageGeographicLevels(ctx context.Context) error {
	rows, err := s.session.Query(ctx, `
		SELECT COALESCE(geographic_level, ''), MIN(row_num) AS first_seen
		FROM staging GROUP BY 1 ORDER BY first_seen`)
	if err != nil {
		return errs.Transient(err, "scanning geographic levels")
	}
	defer rows.Close()

	var levels []model.GeographicLevel
	for rows.Next() {
		var raw string
		var firstSeen int64
		if err := rows.Scan(&raw, &firstSeen); err != nil {
			return err
		}
		level, err := model.ParseGeographicLevel(raw)
		if err != nil {
			return errs.Validationf(ColGeographicLevel, "row %d: %v", firstSeen, err)
		}
		levels = append(levels, level)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if err := s.session.Exec(ctx,
		`CREATE OR REPLACE TABLE geographic_levels (level VARCHAR)`); err != nil {
		return err
	}
	for _, level := range levels {
		if err := s.session.Exec(ctx,
			`INSERT INTO geographic_levels VALUES (?)`, string(level)); err != nil {
			return err
		}
	}
	return nil
}

// stageLocations extracts distinct location column combinations, resolves
// each to its natural key and assigns surrogate ids in first-seen order.
// Combinations sharing a natural key (e.g. a renamed authority under the
// same code) collapse onto the first-seen surrogate id via the lookup
// table used later by the data join.
func (s *runState) stageLocations(ctx context.Context) error {
	query := fmt.Sprintf(`
		SELECT COALESCE(s.%s, ''),
		       %s AS code, %s AS old_code, %s AS laestab, %s AS ukprn, %s AS name,
		       MIN(s.row_num) AS first_seen
		FROM staging s
		GROUP BY 1, 2, 3, 4, 5, 6
		ORDER BY first_seen`,
		ColGeographicLevel,
		levelCaseExpr(func(c levelCols) string { return c.Code }),
		levelCaseExpr(func(c levelCols) string { return c.OldCode }),
		levelCaseExpr(func(c levelCols) string { return c.LaEstab }),
		levelCaseExpr(func(c levelCols) string { return c.Ukprn }),
		levelCaseExpr(func(c levelCols) string { return c.Name }))

	rows, err := s.session.Query(ctx, query)
	if err != nil {
		return errs.Transient(err, "scanning locations")
	}
	defer rows.Close()

	type combo struct {
		level model.GeographicLevel
		attrs model.LocationAttrs
		id    int64
	}
	var (
		combos []combo
		locs   []model.Location
		byKey  = make(map[model.LocationKey]int64)
		nextID int64
	)
	for rows.Next() {
		var rawLevel string
		var attrs model.LocationAttrs
		var firstSeen int64
		if err := rows.Scan(&rawLevel, &attrs.Code, &attrs.OldCode, &attrs.LaEstab,
			&attrs.Ukprn, &attrs.Name, &firstSeen); err != nil {
			return err
		}
		level, err := model.ParseGeographicLevel(rawLevel)
		if err != nil {
			return errs.Validationf(ColGeographicLevel, "row %d: %v", firstSeen, err)
		}
		key, err := model.NaturalLocationKey(level, attrs)
		if err != nil {
			return errs.Validationf(ColGeographicLevel, "row %d: %v", firstSeen, err)
		}

		id, seen := byKey[key]
		if !seen {
			nextID++
			id = nextID
			byKey[key] = id
			locs = append(locs, model.Location{
				ID:       id,
				PublicID: uuid.NewString(),
				Level:    level,
				Attrs:    attrs,
			})
		}
		combos = append(combos, combo{level: level, attrs: attrs, id: id})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	err = s.session.Exec(ctx, `
		CREATE OR REPLACE TABLE locations (
			id BIGINT, public_id VARCHAR, level VARCHAR,
			code VARCHAR, old_code VARCHAR, laestab VARCHAR, ukprn VARCHAR, name VARCHAR)`)
	if err != nil {
		return err
	}
	for _, l := range locs {
		if err := s.session.Exec(ctx,
			`INSERT INTO locations VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.PublicID, string(l.Level),
			l.Attrs.Code, l.Attrs.OldCode, l.Attrs.LaEstab, l.Attrs.Ukprn, l.Attrs.Name); err != nil {
			return err
		}
	}

	err = s.session.Exec(ctx, `
		CREATE OR REPLACE TABLE location_lookup (
			level VARCHAR, code VARCHAR, old_code VARCHAR,
			laestab VARCHAR, ukprn VARCHAR, name VARCHAR, location_id BIGINT)`)
	if err != nil {
		return err
	}
	for _, c := range combos {
		if err := s.session.Exec(ctx,
			`INSERT INTO location_lookup VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(c.level), c.attrs.Code, c.attrs.OldCode, c.attrs.LaEstab,
			c.attrs.Ukprn, c.attrs.Name, c.id); err != nil {
			return err
		}
	}
	return nil
}

// stageFilters extracts filters in metadata declaration order and their
// options in first-seen order, assigning dense surrogate ids.
func (s *runState) stageFilters(ctx context.Context) error {
	err := s.session.Exec(ctx, `
		CREATE OR REPLACE TABLE filters (
			id BIGINT, public_id VARCHAR, col_name VARCHAR,
			label VARCHAR, grouping VARCHAR, filter_default VARCHAR)`)
	if err != nil {
		return err
	}
	err = s.session.Exec(ctx, `
		CREATE OR REPLACE TABLE filter_options (
			id BIGINT, public_id VARCHAR, filter_id BIGINT,
			filter_col VARCHAR, label VARCHAR)`)
	if err != nil {
		return err
	}

	var optionID int64
	for i, f := range s.schema.Filters {
		filterID := int64(i + 1)
		if err := s.session.Exec(ctx,
			`INSERT INTO filters VALUES (?, ?, ?, ?, ?, ?)`,
			filterID, uuid.NewString(), f.ColName, f.Label, f.Grouping, f.FilterDefault); err != nil {
			return err
		}

		query := fmt.Sprintf(`
			SELECT COALESCE(%s, ''), MIN(row_num) AS first_seen
			FROM staging GROUP BY 1 ORDER BY first_seen`, engine.QuoteIdent(f.ColName))
		rows, err := s.session.Query(ctx, query)
		if err != nil {
			return errs.Transient(err, "scanning options of filter %s", f.ColName)
		}

		type option struct{ label string }
		var options []option
		for rows.Next() {
			var label string
			var firstSeen int64
			if err := rows.Scan(&label, &firstSeen); err != nil {
				rows.Close()
				return err
			}
			options = append(options, option{label: label})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, o := range options {
			optionID++
			if err := s.session.Exec(ctx,
				`INSERT INTO filter_options VALUES (?, ?, ?, ?, ?)`,
				optionID, uuid.NewString(), filterID, f.ColName, o.label); err != nil {
				return err
			}
		}
	}
	return nil
}

// stageIndicators records the indicator columns in declaration order.
func (s *runState) stageIndicators(ctx context.Context) error {
	err := s.session.Exec(ctx, `
		CREATE OR REPLACE TABLE indicators (
			id BIGINT, public_id VARCHAR, col_name VARCHAR,
			label VARCHAR, unit VARCHAR, decimal_places INTEGER)`)
	if err != nil {
		return err
	}
	for i, ind := range s.schema.Indicators {
		if err := s.session.Exec(ctx,
			`INSERT INTO indicators VALUES (?, ?, ?, ?, ?, ?)`,
			int64(i+1), uuid.NewString(), ind.ColName, ind.Label, ind.Unit, ind.DecimalPlaces); err != nil {
			return err
		}
	}
	return nil
}

// stageTimePeriods extracts distinct (period, identifier) pairs in
// first-seen order.
func (s *runState) stageTimePeriods(ctx context.Context) error {
	rows, err := s.session.Query(ctx, `
		SELECT COALESCE(time_period, ''), COALESCE(time_identifier, ''), MIN(row_num) AS first_seen
		FROM staging GROUP BY 1, 2 ORDER BY first_seen`)
	if err != nil {
		return errs.Transient(err, "scanning time periods")
	}
	defer rows.Close()

	var periods []model.TimePeriod
	for rows.Next() {
		var p model.TimePeriod
		var firstSeen int64
		if err := rows.Scan(&p.Period, &p.Identifier, &firstSeen); err != nil {
			return err
		}
		if p.Period == "" {
			return errs.Validationf(ColTimePeriod, "row %d: empty time period", firstSeen)
		}
		p.ID = int64(len(periods) + 1)
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if err := s.session.Exec(ctx, `
		CREATE OR REPLACE TABLE time_periods (id BIGINT, period VARCHAR, identifier VARCHAR)`); err != nil {
		return err
	}
	for _, p := range periods {
		if err := s.session.Exec(ctx,
			`INSERT INTO time_periods VALUES (?, ?, ?)`, p.ID, p.Period, p.Identifier); err != nil {
			return err
		}
	}
	return nil
}

// stageData rewrites staged rows into the normalized data table, replacing
// raw location, time-period and filter values with surrogate-id joins.
func (s *runState) stageData(ctx context.Context) error {
	var cols []string
	cols = append(cols,
		"s.row_num AS id",
		fmt.Sprintf("COALESCE(s.%s, '') AS %s", ColGeographicLevel, ColGeographicLevel),
		"l.location_id AS location_id",
		"t.id AS time_period_id")

	var joins []string
	joins = append(joins, fmt.Sprintf(`
		JOIN location_lookup l ON l.level = COALESCE(s.%s, '')
			AND l.code = %s AND l.old_code = %s AND l.laestab = %s AND l.ukprn = %s AND l.name = %s`,
		ColGeographicLevel,
		levelCaseExpr(func(c levelCols) string { return c.Code }),
		levelCaseExpr(func(c levelCols) string { return c.OldCode }),
		levelCaseExpr(func(c levelCols) string { return c.LaEstab }),
		levelCaseExpr(func(c levelCols) string { return c.Ukprn }),
		levelCaseExpr(func(c levelCols) string { return c.Name })))
	joins = append(joins, `
		JOIN time_periods t ON t.period = COALESCE(s.time_period, '')
			AND t.identifier = COALESCE(s.time_identifier, '')`)

	for i, f := range s.schema.Filters {
		alias := fmt.Sprintf("fo_%d", i)
		cols = append(cols, fmt.Sprintf("%s.id AS %s", alias, engine.QuoteIdent(f.ColName+"_id")))
		joins = append(joins, fmt.Sprintf(`
		JOIN filter_options %s ON %s.filter_col = %s AND %s.label = COALESCE(s.%s, '')`,
			alias, alias, engine.QuoteString(f.ColName), alias, engine.QuoteIdent(f.ColName)))
	}
	for _, ind := range s.schema.Indicators {
		cols = append(cols, fmt.Sprintf("COALESCE(s.%s, '') AS %s",
			engine.QuoteIdent(ind.ColName), engine.QuoteIdent(ind.ColName)))
	}

	stmt := fmt.Sprintf(`
		CREATE OR REPLACE TABLE data AS
		SELECT %s
		FROM staging s%s
		ORDER BY s.row_num`,
		strings.Join(cols, ",\n\t\t       "),
		strings.Join(joins, ""))
	return s.session.Exec(ctx, stmt)
}

// stageExport writes every normalized table out as Parquet in the working
// directory. Uploading to remote storage happens in the pipeline, which
// owns the storage backend.
func (s *runState) stageExport(ctx context.Context) error {
	for table, file := range exportTables {
		if err := s.session.ExportParquet(ctx, table, filepath.Join(s.workDir, file)); err != nil {
			return errs.Transient(err, "exporting %s", table)
		}
	}
	return nil
}

func loadSchema(dataPath, metaPath string) (*Schema, error) {
	metaFile, err := os.Open(metaPath)
	if err != nil {
		return nil, errs.Transient(err, "opening metadata file")
	}
	defer metaFile.Close()
	schema, err := ReadMetadataCSV(metaFile)
	if err != nil {
		return nil, err
	}

	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, errs.Transient(err, "opening data file")
	}
	defer dataFile.Close()
	header, err := ReadCSVHeader(dataFile)
	if err != nil {
		return nil, errs.Validationf("data", "%v", err)
	}
	if err := ValidateColumns(header, schema); err != nil {
		return nil, err
	}
	return schema, nil
}
