package query

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/engine"
	"github.com/statflow/statflow/pkg/errs"
	"github.com/statflow/statflow/pkg/paths"
	"github.com/statflow/statflow/pkg/storage"
	"github.com/statflow/statflow/pkg/telemetry"
)

const (
	defaultPageSize = 100
	maxPageSize     = 10000

	lookupCacheSize = 64
	lookupCacheAge  = time.Hour
)

// Page controls result paging. Page numbers start at 1.
type Page struct {
	Num  int `json:"page"`
	Size int `json:"pageSize"`
}

func (p Page) normalize() (Page, error) {
	if p.Num <= 0 {
		p.Num = 1
	}
	if p.Size <= 0 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		return Page{}, errs.Validationf("$.pageSize", "page size %d exceeds maximum %d", p.Size, maxPageSize)
	}
	return p, nil
}

// Result is one page of query output, with surrogate ids already joined
// back to their public ids and labels.
type Result struct {
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	Page      int        `json:"page"`
	PageSize  int        `json:"pageSize"`
	TotalRows int64      `json:"totalRows"`
	SQL       string     `json:"-"`
}

// Executor runs criteria queries against a version's columnar files.
// Execution is read-only over immutable files and safe under unbounded
// concurrency; every call opens its own short-lived engine session.
type Executor struct {
	resolver *paths.Resolver
	store    storage.ObjectStorage
	lookups  *lookupCache
	log      logrus.FieldLogger
	metrics  *telemetry.Telemetry
}

// NewExecutor creates a query executor.
func NewExecutor(resolver *paths.Resolver, store storage.ObjectStorage, log logrus.FieldLogger, metrics *telemetry.Telemetry) *Executor {
	return &Executor{
		resolver: resolver,
		store:    store,
		lookups:  newLookupCache(lookupCacheSize, lookupCacheAge),
		log:      log,
		metrics:  metrics,
	}
}

// Lookup returns the (cached) surrogate-id lookup for a version.
func (e *Executor) Lookup(ctx context.Context, v *model.DataSetVersion) (*Lookup, error) {
	cacheable := !v.Status.PrePublication()
	if cacheable {
		if lk, ok := e.lookups.get(v.ID); ok {
			return lk, nil
		}
	}
	lk, err := buildLookup(ctx, e.store, e.resolver.Directory(v))
	if err != nil {
		return nil, errs.Transient(err, "loading metadata of version %s", v.ID)
	}
	if cacheable {
		e.lookups.put(v.ID, lk)
	}
	return lk, nil
}

// Execute translates and runs a criteria tree against one version.
func (e *Executor) Execute(ctx context.Context, v *model.DataSetVersion, node Node, page Page) (*Result, error) {
	started := time.Now()
	page, err := page.normalize()
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case model.VersionStatusPublished, model.VersionStatusDeprecated, model.VersionStatusDraft:
	default:
		return nil, errs.Validationf(v.ID, "version is %s and cannot be queried", v.Status)
	}

	lk, err := e.Lookup(ctx, v)
	if err != nil {
		return nil, err
	}

	where := "TRUE"
	var args []any
	if node != nil {
		where, args, err = Translate(node, lk)
		if err != nil {
			return nil, err
		}
	}

	session, cleanup, err := e.openSession(ctx, v)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	defer session.Close()

	var total int64
	countStmt := "SELECT COUNT(*) FROM data d WHERE " + where
	if err := session.QueryRow(ctx, countStmt, args...).Scan(&total); err != nil {
		return nil, errs.Transient(err, "counting result rows")
	}

	stmt, columns := selectStatement(lk, where)
	pageArgs := append(append([]any{}, args...), page.Size, (page.Num-1)*page.Size)
	rows, err := session.Query(ctx, stmt, pageArgs...)
	if err != nil {
		return nil, errs.Transient(err, "executing criteria query")
	}
	defer rows.Close()

	result := &Result{
		Columns:   columns,
		Page:      page.Num,
		PageSize:  page.Size,
		TotalRows: total,
		SQL:       stmt,
	}
	scan := make([]any, len(columns))
	for i := range scan {
		scan[i] = new(*string)
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, errs.Transient(err, "scanning result row")
		}
		row := make([]string, len(columns))
		for i, cell := range scan {
			if s := *cell.(**string); s != nil {
				row[i] = *s
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Transient(err, "reading result rows")
	}

	e.metrics.ObserveQuery(ctx, v.ID, int64(len(result.Rows)), time.Since(started))
	e.log.WithFields(logrus.Fields{
		"version": v.ID,
		"rows":    len(result.Rows),
		"total":   total,
		"took":    time.Since(started),
	}).Debug("criteria query executed")
	return result, nil
}

// openSession opens an in-memory session with the version's tables
// registered as views.
func (e *Executor) openSession(ctx context.Context, v *model.DataSetVersion) (*engine.Session, func(), error) {
	session, err := engine.OpenMemory()
	if err != nil {
		return nil, nil, err
	}

	var cleanups []func()
	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}
	dir := e.resolver.Directory(v)
	for name, file := range map[string]string{
		"data":           paths.FileData,
		"locations":      paths.FileLocations,
		"filter_options": paths.FileFilterOptions,
		"time_periods":   paths.FileTimePeriods,
	} {
		local, fileCleanup, err := storage.Localize(ctx, e.store, path.Join(dir, file))
		if err != nil {
			session.Close()
			cleanup()
			return nil, nil, errs.Transient(err, "localizing %s", file)
		}
		cleanups = append(cleanups, fileCleanup)
		if err := session.RegisterParquet(ctx, name, local); err != nil {
			session.Close()
			cleanup()
			return nil, nil, errs.Transient(err, "registering %s", file)
		}
	}
	return session, cleanup, nil
}

// selectStatement builds the result projection: row id, geographic level,
// location and time period identity, one label column per filter in
// declaration order, then the indicator columns. Ordered by row id so
// paging is stable.
func selectStatement(lk *Lookup, where string) (string, []string) {
	var sel []string
	columns := []string{
		"id", "geographic_level",
		"location_id", "location_name",
		"time_period", "time_identifier",
	}
	sel = append(sel,
		"CAST(d.id AS VARCHAR)",
		"d.geographic_level",
		"loc.public_id",
		"loc.name",
		"tp.period",
		"tp.identifier",
	)

	var joins []string
	joins = append(joins,
		"JOIN locations loc ON loc.id = d.location_id",
		"JOIN time_periods tp ON tp.id = d.time_period_id",
	)
	for i, col := range lk.filterCols {
		alias := fmt.Sprintf("fo_%d", i)
		columns = append(columns, col)
		sel = append(sel, alias+".label")
		joins = append(joins, fmt.Sprintf(
			"LEFT JOIN filter_options %s ON %s.id = d.%s",
			alias, alias, engine.QuoteIdent(col+"_id")))
	}
	for _, col := range lk.indicatorCols {
		columns = append(columns, col)
		sel = append(sel, "d."+engine.QuoteIdent(col))
	}

	stmt := "SELECT " + strings.Join(sel, ", ") +
		" FROM data d " + strings.Join(joins, " ") +
		" WHERE " + where +
		" ORDER BY d.id LIMIT ? OFFSET ?"
	return stmt, columns
}

// CacheStats exposes lookup cache counters for diagnostics.
func (e *Executor) CacheStats() CacheStats {
	return e.lookups.stats()
}

// InvalidateLookup drops a version's cached lookup, used when a draft is
// re-processed.
func (e *Executor) InvalidateLookup(versionID string) {
	e.lookups.invalidate(versionID)
}
