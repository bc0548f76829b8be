// Package paths maps data set version identities onto the storage layout.
// While a version is pre-publication it lives in its data set's single
// draft folder; once published it owns an immutable versioned folder.
package paths

import (
	"fmt"
	"path"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
)

// Per-version table file names.
const (
	FileData             = "data.parquet"
	FileLocations        = "locations.parquet"
	FileFilters          = "filters.parquet"
	FileFilterOptions    = "filter_options.parquet"
	FileIndicators       = "indicators.parquet"
	FileTimePeriods      = "time_periods.parquet"
	FileGeographicLevels = "geographic_levels.parquet"

	// FileDatabase is the embedded engine's working file. It exists only
	// while a version is being processed and is replaced by the exported
	// Parquet files on completion.
	FileDatabase = "dataset.duckdb"

	draftFolder = "draft"
)

// TableFiles lists every exported Parquet file in a version folder.
var TableFiles = []string{
	FileData,
	FileLocations,
	FileFilters,
	FileFilterOptions,
	FileIndicators,
	FileTimePeriods,
	FileGeographicLevels,
}

// Resolver resolves directories under a fixed storage root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at the given storage prefix.
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// DataSetDir returns the folder owning all of a data set's versions.
func (r *Resolver) DataSetDir(dataSetID string) string {
	return path.Join(r.root, dataSetID)
}

// DraftDir returns the single draft folder of a data set. There is never
// more than one draft folder per data set at a time.
func (r *Resolver) DraftDir(dataSetID string) string {
	return path.Join(r.DataSetDir(dataSetID), draftFolder)
}

// VersionDir returns the permanent folder for a published semantic version.
func (r *Resolver) VersionDir(dataSetID string, v model.Version) string {
	return path.Join(r.DataSetDir(dataSetID), fmt.Sprintf("v%s", v))
}

// Directory resolves the current folder for a version given its status.
func (r *Resolver) Directory(v *model.DataSetVersion) string {
	if v.Status.PrePublication() {
		return r.DraftDir(v.DataSetID)
	}
	return r.VersionDir(v.DataSetID, v.Version)
}

// DatabaseFile returns the embedded engine working file for a version.
func (r *Resolver) DatabaseFile(v *model.DataSetVersion) string {
	return path.Join(r.Directory(v), FileDatabase)
}

// TableFile returns the path of one exported table within a version folder.
func (r *Resolver) TableFile(v *model.DataSetVersion, file string) string {
	return path.Join(r.Directory(v), file)
}

// CheckConsistency verifies that the on-disk layout matches the version's
// status. A versioned folder found for a still-draft version, or a draft
// folder lingering next to the version's published folder, means the
// version was half-migrated. That state is surfaced and never repaired
// here: both folders are left untouched for operator inspection.
func (r *Resolver) CheckConsistency(v *model.DataSetVersion, exists func(dir string) (bool, error)) error {
	draftDir := r.DraftDir(v.DataSetID)
	versionDir := r.VersionDir(v.DataSetID, v.Version)

	draftExists, err := exists(draftDir)
	if err != nil {
		return errs.Transient(err, "checking draft folder %s", draftDir)
	}
	versionExists, err := exists(versionDir)
	if err != nil {
		return errs.Transient(err, "checking versioned folder %s", versionDir)
	}

	if v.Status.PrePublication() {
		if versionExists {
			return errs.Inconsistencyf(versionDir,
				"versioned folder already exists for unpublished version %s (v%s)", v.ID, v.Version)
		}
		return nil
	}

	if draftExists && versionExists {
		return errs.Inconsistencyf(draftDir,
			"draft and versioned folders both exist for version %s (v%s)", v.ID, v.Version)
	}
	if !versionExists {
		return errs.Inconsistencyf(versionDir,
			"published version %s (v%s) has no versioned folder", v.ID, v.Version)
	}
	return nil
}
