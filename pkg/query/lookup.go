package query

import (
	"context"
	"path"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/engine"
	"github.com/statflow/statflow/pkg/paths"
	"github.com/statflow/statflow/pkg/storage"
)

// Lookup maps a version's natural keys and public ids onto the surrogate
// ids used by its normalized data table. Built once per version from its
// exported Parquet metadata and cached; published metadata never changes.
type Lookup struct {
	locByPublicID map[string]int64
	locByKey      map[model.LocationKey]int64
	optByPublicID map[string]optionRef
	timeByKey     map[string]int64

	// filterCols and indicatorCols preserve declaration order for result
	// column layout.
	filterCols    []string
	indicatorCols []string
}

type optionRef struct {
	col string
	id  int64
}

// buildLookup loads a version's metadata tables from its storage folder.
func buildLookup(ctx context.Context, store storage.ObjectStorage, dir string) (*Lookup, error) {
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
	for name, file := range map[string]string{
		"locations":      paths.FileLocations,
		"filters":        paths.FileFilters,
		"filter_options": paths.FileFilterOptions,
		"indicators":     paths.FileIndicators,
		"time_periods":   paths.FileTimePeriods,
	} {
		local, cleanup, err := storage.Localize(ctx, store, path.Join(dir, file))
		if err != nil {
			return nil, err
		}
		cleanups = append(cleanups, cleanup)
		if err := session.RegisterParquet(ctx, name, local); err != nil {
			return nil, err
		}
	}

	lk := &Lookup{
		locByPublicID: make(map[string]int64),
		locByKey:      make(map[model.LocationKey]int64),
		optByPublicID: make(map[string]optionRef),
		timeByKey:     make(map[string]int64),
	}

	rows, err := session.Query(ctx, `
		SELECT id, public_id, level, code, old_code, laestab, ukprn, name
		FROM locations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var l model.Location
		var level string
		if err := rows.Scan(&l.ID, &l.PublicID, &level, &l.Attrs.Code, &l.Attrs.OldCode,
			&l.Attrs.LaEstab, &l.Attrs.Ukprn, &l.Attrs.Name); err != nil {
			rows.Close()
			return nil, err
		}
		l.Level = model.GeographicLevel(level)
		lk.locByPublicID[l.PublicID] = l.ID
		if key, err := l.Key(); err == nil {
			lk.locByKey[key] = l.ID
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = session.Query(ctx, `
		SELECT id, public_id, filter_col FROM filter_options ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var publicID, col string
		if err := rows.Scan(&id, &publicID, &col); err != nil {
			rows.Close()
			return nil, err
		}
		lk.optByPublicID[publicID] = optionRef{col: col, id: id}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = session.Query(ctx, `SELECT col_name FROM filters ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			rows.Close()
			return nil, err
		}
		lk.filterCols = append(lk.filterCols, col)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = session.Query(ctx, `SELECT col_name FROM indicators ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			rows.Close()
			return nil, err
		}
		lk.indicatorCols = append(lk.indicatorCols, col)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = session.Query(ctx, `SELECT id, period, identifier FROM time_periods ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var tp model.TimePeriod
		if err := rows.Scan(&tp.ID, &tp.Period, &tp.Identifier); err != nil {
			rows.Close()
			return nil, err
		}
		lk.timeByKey[tp.Key()] = tp.ID
	}
	return lk, closeRows(rows)
}

// ResolveLocation returns the surrogate id for a location reference, or
// false when this version has no such location.
func (lk *Lookup) ResolveLocation(ref LocationRef) (int64, bool) {
	if ref.Shape == ShapeID {
		id, ok := lk.locByPublicID[ref.ID]
		return id, ok
	}
	id, ok := lk.locByKey[ref.Key]
	return id, ok
}

// ResolveOption returns the filter column and surrogate id for a filter
// option public id.
func (lk *Lookup) ResolveOption(publicID string) (string, int64, bool) {
	ref, ok := lk.optByPublicID[publicID]
	return ref.col, ref.id, ok
}

// ResolveTimePeriod returns the surrogate id for a time period reference.
func (lk *Lookup) ResolveTimePeriod(ref TimePeriodRef) (int64, bool) {
	id, ok := lk.timeByKey[ref.Key()]
	return id, ok
}

func closeRows(rows interface {
	Close() error
	Err() error
}) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
