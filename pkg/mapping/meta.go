// Package mapping diffs the location and filter metadata of a candidate
// next version against its predecessor, auto-resolves unambiguous matches
// and drives the manual resolution workflow that decides whether the new
// version is a breaking (major) or additive (minor) change.
package mapping

import (
	"context"
	"fmt"
	"path"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/engine"
	"github.com/statflow/statflow/pkg/paths"
	"github.com/statflow/statflow/pkg/storage"
)

// versionMeta is the mapping-relevant metadata of one version, loaded from
// its exported Parquet tables.
type versionMeta struct {
	locations     []model.Location
	locationKeys  map[model.LocationKey]model.Location
	options       []model.FilterOption
	optionKeys    map[string]model.FilterOption
	usedLocations map[int64]bool
	usedOptions   map[int64]bool
	filterCols    []string
}

// loadVersionMeta reads a version's locations, filters, filter options and
// data-row usage through a short-lived in-memory engine session.
func loadVersionMeta(ctx context.Context, store storage.ObjectStorage, dir string) (*versionMeta, error) {
	session, err := engine.OpenMemory()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var cleanups []func()
	defer func() {
		for _, fn := range cleanups {
			fn()
		}
	}()
	register := func(name, file string) error {
		local, cleanup, err := storage.Localize(ctx, store, path.Join(dir, file))
		if err != nil {
			return err
		}
		cleanups = append(cleanups, cleanup)
		return session.RegisterParquet(ctx, name, local)
	}

	for name, file := range map[string]string{
		"locations":      paths.FileLocations,
		"filters":        paths.FileFilters,
		"filter_options": paths.FileFilterOptions,
		"data":           paths.FileData,
	} {
		if err := register(name, file); err != nil {
			return nil, err
		}
	}

	meta := &versionMeta{
		locationKeys:  make(map[model.LocationKey]model.Location),
		optionKeys:    make(map[string]model.FilterOption),
		usedLocations: make(map[int64]bool),
		usedOptions:   make(map[int64]bool),
	}

	if err := meta.loadLocations(ctx, session); err != nil {
		return nil, err
	}
	if err := meta.loadOptions(ctx, session); err != nil {
		return nil, err
	}
	if err := meta.loadUsage(ctx, session); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *versionMeta) loadLocations(ctx context.Context, session *engine.Session) error {
	rows, err := session.Query(ctx, `
		SELECT id, public_id, level, code, old_code, laestab, ukprn, name
		FROM locations ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var l model.Location
		var level string
		if err := rows.Scan(&l.ID, &l.PublicID, &level, &l.Attrs.Code, &l.Attrs.OldCode,
			&l.Attrs.LaEstab, &l.Attrs.Ukprn, &l.Attrs.Name); err != nil {
			return err
		}
		l.Level = model.GeographicLevel(level)
		key, err := l.Key()
		if err != nil {
			return fmt.Errorf("location %d: %w", l.ID, err)
		}
		m.locations = append(m.locations, l)
		m.locationKeys[key] = l
	}
	return rows.Err()
}

func (m *versionMeta) loadOptions(ctx context.Context, session *engine.Session) error {
	rows, err := session.Query(ctx, `
		SELECT id, public_id, filter_id, filter_col, label
		FROM filter_options ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var o model.FilterOption
		if err := rows.Scan(&o.ID, &o.PublicID, &o.FilterID, &o.FilterColName, &o.Label); err != nil {
			return err
		}
		m.options = append(m.options, o)
		m.optionKeys[o.Key()] = o
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cols, err := session.Query(ctx, `SELECT col_name FROM filters ORDER BY id`)
	if err != nil {
		return err
	}
	defer cols.Close()
	for cols.Next() {
		var col string
		if err := cols.Scan(&col); err != nil {
			return err
		}
		m.filterCols = append(m.filterCols, col)
	}
	return cols.Err()
}

// loadUsage marks the location and filter-option surrogate ids referenced
// by at least one data row. Removing a referenced option is breaking.
func (m *versionMeta) loadUsage(ctx context.Context, session *engine.Session) error {
	rows, err := session.Query(ctx, `SELECT DISTINCT location_id FROM data`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		m.usedLocations[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, col := range m.filterCols {
		stmt := fmt.Sprintf(`SELECT DISTINCT %s FROM data`, engine.QuoteIdent(col+"_id"))
		optRows, err := session.Query(ctx, stmt)
		if err != nil {
			return err
		}
		for optRows.Next() {
			var id int64
			if err := optRows.Scan(&id); err != nil {
				optRows.Close()
				return err
			}
			m.usedOptions[id] = true
		}
		if err := optRows.Err(); err != nil {
			optRows.Close()
			return err
		}
		optRows.Close()
	}
	return nil
}
