// Package registry persists data sets, versions, import stage progress and
// in-flight mapping candidates in SQLite. Stage and status transitions are
// conditional updates so concurrent workers abort instead of double-running.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
)

var (
	// ErrStageConflict means the version's current stage did not match the
	// expected stage. The caller must abort; another run owns the pipeline.
	ErrStageConflict = errors.New("import stage conflict")
	// ErrStatusConflict means the version's status did not match the
	// expected status during a lifecycle transition.
	ErrStatusConflict = errors.New("version status conflict")
	// ErrDraftExists means the data set already has an in-flight
	// Draft/Processing version.
	ErrDraftExists = errors.New("data set already has a draft version")
)

const schema = `
CREATE TABLE IF NOT EXISTS data_sets (
	id                      TEXT PRIMARY KEY,
	title                   TEXT NOT NULL,
	status                  TEXT NOT NULL,
	latest_draft_version_id TEXT NOT NULL DEFAULT '',
	latest_live_version_id  TEXT NOT NULL DEFAULT '',
	created                 TIMESTAMP NOT NULL,
	updated                 TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS data_set_versions (
	id             TEXT PRIMARY KEY,
	data_set_id    TEXT NOT NULL REFERENCES data_sets(id) ON DELETE CASCADE,
	major          INTEGER NOT NULL,
	minor          INTEGER NOT NULL,
	run            INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	stage          TEXT NOT NULL,
	replaces_id    TEXT NOT NULL DEFAULT '',
	mapped_from_id TEXT NOT NULL DEFAULT '',
	created        TIMESTAMP NOT NULL,
	published      TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_versions_data_set ON data_set_versions(data_set_id);

CREATE TABLE IF NOT EXISTS mapping_states (
	version_id TEXT PRIMARY KEY REFERENCES data_set_versions(id) ON DELETE CASCADE,
	state      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mapping_candidates (
	version_id       TEXT NOT NULL REFERENCES data_set_versions(id) ON DELETE CASCADE,
	kind             TEXT NOT NULL,
	source_key       TEXT NOT NULL,
	source_public_id TEXT NOT NULL,
	source_label     TEXT NOT NULL DEFAULT '',
	in_use           INTEGER NOT NULL,
	ambiguous        INTEGER NOT NULL,
	suggested_keys   TEXT NOT NULL DEFAULT '[]',
	type             TEXT NOT NULL,
	target_key       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (version_id, kind, source_key)
);
`

// Registry is the SQLite-backed system of record for versioning state.
type Registry struct {
	db *sql.DB
}

// Open opens (and bootstraps) a registry database at the given path.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// CreateDataSet inserts a new data set.
func (r *Registry) CreateDataSet(ctx context.Context, ds *model.DataSet) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_sets (id, title, status, latest_draft_version_id, latest_live_version_id, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.Title, string(ds.Status), ds.LatestDraftVersionID, ds.LatestLiveVersionID,
		ds.Created, ds.Updated)
	if err != nil {
		return fmt.Errorf("inserting data set %s: %w", ds.ID, err)
	}
	return nil
}

// GetDataSet fetches one data set.
func (r *Registry) GetDataSet(ctx context.Context, id string) (*model.DataSet, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, status, latest_draft_version_id, latest_live_version_id, created, updated
		FROM data_sets WHERE id = ?`, id)
	return scanDataSet(row)
}

// ListDataSets returns all data sets ordered by creation time.
func (r *Registry) ListDataSets(ctx context.Context) ([]*model.DataSet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, status, latest_draft_version_id, latest_live_version_id, created, updated
		FROM data_sets ORDER BY created, id`)
	if err != nil {
		return nil, fmt.Errorf("listing data sets: %w", err)
	}
	defer rows.Close()

	var out []*model.DataSet
	for rows.Next() {
		ds, err := scanDataSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// DeleteDataSet removes a data set and, via cascade, all of its versions
// and mapping state. Administrative use only.
func (r *Registry) DeleteDataSet(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM data_sets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting data set %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf(id, "data set not found")
	}
	return nil
}

// CreateVersion inserts a new version in Processing status and points the
// data set's draft pointer at it. Fails with ErrDraftExists if another
// version of the data set is still pre-publication.
func (r *Registry) CreateVersion(ctx context.Context, v *model.DataSetVersion) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM data_set_versions
		WHERE data_set_id = ? AND status IN (?, ?)`,
		v.DataSetID, string(model.VersionStatusProcessing), string(model.VersionStatusDraft)).Scan(&n)
	if err != nil {
		return fmt.Errorf("checking draft precondition: %w", err)
	}
	if n > 0 {
		return ErrDraftExists
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO data_set_versions (id, data_set_id, major, minor, run, status, stage, replaces_id, mapped_from_id, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.DataSetID, v.Version.Major, v.Version.Minor, v.Run,
		string(v.Status), v.Stage.String(), v.ReplacesID, v.MappedFromID, v.Created)
	if err != nil {
		return fmt.Errorf("inserting version %s: %w", v.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE data_sets SET latest_draft_version_id = ?, updated = ? WHERE id = ?`,
		v.ID, time.Now().UTC(), v.DataSetID)
	if err != nil {
		return fmt.Errorf("updating draft pointer: %w", err)
	}

	return tx.Commit()
}

// GetVersion fetches one version.
func (r *Registry) GetVersion(ctx context.Context, id string) (*model.DataSetVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, data_set_id, major, minor, run, status, stage, replaces_id, mapped_from_id, created, published
		FROM data_set_versions WHERE id = ?`, id)
	return scanVersion(row)
}

// ListVersions returns all versions of a data set, oldest first.
func (r *Registry) ListVersions(ctx context.Context, dataSetID string) ([]*model.DataSetVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, data_set_id, major, minor, run, status, stage, replaces_id, mapped_from_id, created, published
		FROM data_set_versions WHERE data_set_id = ? ORDER BY major, minor, created`, dataSetID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	var out []*model.DataSetVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AdvanceStage moves a version from one import stage to the next. The
// update is conditional on the current stage matching from: a mismatch
// returns ErrStageConflict and the caller must abort. This conditional
// update is the lease guaranteeing at most one in-progress pipeline per
// version.
func (r *Registry) AdvanceStage(ctx context.Context, versionID string, from, to model.ImportStage) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE data_set_versions SET stage = ? WHERE id = ? AND stage = ?`,
		to.String(), versionID, from.String())
	if err != nil {
		return fmt.Errorf("advancing stage of %s: %w", versionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("version %s: expected stage %s: %w", versionID, from, ErrStageConflict)
	}
	return nil
}

// ResetStage rewinds a version to the start of the pipeline and increments
// its run counter. Used when an operator requests full re-processing.
func (r *Registry) ResetStage(ctx context.Context, versionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE data_set_versions SET stage = ?, run = run + 1, status = ?
		WHERE id = ? AND status IN (?, ?)`,
		model.StagePending.String(), string(model.VersionStatusProcessing),
		versionID, string(model.VersionStatusProcessing), string(model.VersionStatusDraft))
	if err != nil {
		return fmt.Errorf("resetting stage of %s: %w", versionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf(versionID, "no resettable version")
	}
	return nil
}

// TransitionStatus moves a version between lifecycle statuses, conditional
// on the current status. A mismatch returns ErrStatusConflict.
func (r *Registry) TransitionStatus(ctx context.Context, versionID string, from, to model.VersionStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE data_set_versions SET status = ? WHERE id = ? AND status = ?`,
		string(to), versionID, string(from))
	if err != nil {
		return fmt.Errorf("transitioning status of %s: %w", versionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("version %s: expected status %s: %w", versionID, from, ErrStatusConflict)
	}
	return nil
}

// SetVersionNumber records the semantic version decided by mapping
// resolution.
func (r *Registry) SetVersionNumber(ctx context.Context, versionID string, v model.Version) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE data_set_versions SET major = ?, minor = ? WHERE id = ?`,
		v.Major, v.Minor, versionID)
	if err != nil {
		return fmt.Errorf("setting version number of %s: %w", versionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf(versionID, "version not found")
	}
	return nil
}

// MarkPublished flips a Draft version to Published and repoints the data
// set's latest-live pointer in one transaction. Deprecating the replaced
// version is deliberately not part of this transaction; publishing and
// deprecating are two separately retryable steps.
func (r *Registry) MarkPublished(ctx context.Context, versionID string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE data_set_versions SET status = ?, published = ? WHERE id = ? AND status = ?`,
		string(model.VersionStatusPublished), at, versionID, string(model.VersionStatusDraft))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", versionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("version %s: expected status Draft: %w", versionID, ErrStatusConflict)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE data_sets
		SET latest_live_version_id = ?, latest_draft_version_id = '', status = ?, updated = ?
		WHERE id = (SELECT data_set_id FROM data_set_versions WHERE id = ?)`,
		versionID, string(model.DataSetStatusPublished), time.Now().UTC(), versionID)
	if err != nil {
		return fmt.Errorf("repointing latest-live: %w", err)
	}

	return tx.Commit()
}

// SetMappingState upserts the mapping workflow state of a version.
func (r *Registry) SetMappingState(ctx context.Context, versionID string, state model.MappingState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mapping_states (version_id, state) VALUES (?, ?)
		ON CONFLICT(version_id) DO UPDATE SET state = excluded.state`,
		versionID, string(state))
	if err != nil {
		return fmt.Errorf("setting mapping state of %s: %w", versionID, err)
	}
	return nil
}

// GetMappingState returns the mapping workflow state of a version,
// defaulting to NotStarted.
func (r *Registry) GetMappingState(ctx context.Context, versionID string) (model.MappingState, error) {
	var s string
	err := r.db.QueryRowContext(ctx,
		`SELECT state FROM mapping_states WHERE version_id = ?`, versionID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MappingStateNotStarted, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading mapping state of %s: %w", versionID, err)
	}
	return model.MappingState(s), nil
}

// ReplaceMappingCandidates swaps the stored candidate set for a version.
func (r *Registry) ReplaceMappingCandidates(ctx context.Context, versionID string, cands []model.MappingCandidate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mapping_candidates WHERE version_id = ?`, versionID); err != nil {
		return fmt.Errorf("clearing candidates: %w", err)
	}
	for _, c := range cands {
		if err := insertCandidate(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetMappingCandidates returns all stored candidates for a version.
func (r *Registry) GetMappingCandidates(ctx context.Context, versionID string) ([]model.MappingCandidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT version_id, kind, source_key, source_public_id, source_label,
		       in_use, ambiguous, suggested_keys, type, target_key
		FROM mapping_candidates WHERE version_id = ?
		ORDER BY kind, source_key`, versionID)
	if err != nil {
		return nil, fmt.Errorf("listing mapping candidates: %w", err)
	}
	defer rows.Close()

	var out []model.MappingCandidate
	for rows.Next() {
		var c model.MappingCandidate
		var inUse, ambiguous int
		var suggested, kind, typ string
		if err := rows.Scan(&c.VersionID, &kind, &c.SourceKey, &c.SourcePublicID, &c.SourceLabel,
			&inUse, &ambiguous, &suggested, &typ, &c.TargetKey); err != nil {
			return nil, err
		}
		c.Kind = model.MappingKind(kind)
		c.Type = model.MappingType(typ)
		c.InUse = inUse != 0
		c.Ambiguous = ambiguous != 0
		if err := json.Unmarshal([]byte(suggested), &c.SuggestedKeys); err != nil {
			return nil, fmt.Errorf("decoding suggested keys: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveMappings applies a fully-validated candidate set and the resulting
// workflow state atomically. Either every row is written or none are.
func (r *Registry) ResolveMappings(ctx context.Context, versionID string, cands []model.MappingCandidate, state model.MappingState) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range cands {
		res, err := tx.ExecContext(ctx, `
			UPDATE mapping_candidates SET type = ?, target_key = ?
			WHERE version_id = ? AND kind = ? AND source_key = ?`,
			string(c.Type), c.TargetKey, versionID, string(c.Kind), c.SourceKey)
		if err != nil {
			return fmt.Errorf("updating candidate %s: %w", c.SourceKey, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFoundf(c.SourceKey, "mapping candidate not found")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mapping_states (version_id, state) VALUES (?, ?)
		ON CONFLICT(version_id) DO UPDATE SET state = excluded.state`,
		versionID, string(state)); err != nil {
		return fmt.Errorf("updating mapping state: %w", err)
	}

	return tx.Commit()
}

// DeleteMappingCandidates discards the candidate set once the workflow is
// finished and its outcome is baked into the version number.
func (r *Registry) DeleteMappingCandidates(ctx context.Context, versionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM mapping_candidates WHERE version_id = ?`, versionID)
	if err != nil {
		return fmt.Errorf("deleting mapping candidates: %w", err)
	}
	return nil
}

func insertCandidate(ctx context.Context, tx *sql.Tx, c model.MappingCandidate) error {
	suggested := []byte("[]")
	if len(c.SuggestedKeys) > 0 {
		var err error
		suggested, err = json.Marshal(c.SuggestedKeys)
		if err != nil {
			return fmt.Errorf("encoding suggested keys: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mapping_candidates
		(version_id, kind, source_key, source_public_id, source_label, in_use, ambiguous, suggested_keys, type, target_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.VersionID, string(c.Kind), c.SourceKey, c.SourcePublicID, c.SourceLabel,
		boolInt(c.InUse), boolInt(c.Ambiguous), string(suggested), string(c.Type), c.TargetKey)
	if err != nil {
		return fmt.Errorf("inserting candidate %s/%s: %w", c.Kind, c.SourceKey, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataSet(row rowScanner) (*model.DataSet, error) {
	var ds model.DataSet
	var status string
	err := row.Scan(&ds.ID, &ds.Title, &status, &ds.LatestDraftVersionID,
		&ds.LatestLiveVersionID, &ds.Created, &ds.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("", "data set not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning data set: %w", err)
	}
	ds.Status = model.DataSetStatus(status)
	return &ds, nil
}

func scanVersion(row rowScanner) (*model.DataSetVersion, error) {
	var v model.DataSetVersion
	var status, stage string
	var published sql.NullTime
	err := row.Scan(&v.ID, &v.DataSetID, &v.Version.Major, &v.Version.Minor, &v.Run,
		&status, &stage, &v.ReplacesID, &v.MappedFromID, &v.Created, &published)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("", "data set version not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning version: %w", err)
	}
	v.Status = model.VersionStatus(status)
	v.Stage, err = model.ParseImportStage(stage)
	if err != nil {
		return nil, err
	}
	if published.Valid {
		v.Published = published.Time
	}
	return &v, nil
}
