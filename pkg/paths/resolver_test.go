package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
)

func draftVersion() *model.DataSetVersion {
	return &model.DataSetVersion{
		ID:        "v-1",
		DataSetID: "ds-1",
		Version:   model.Version{Major: 1, Minor: 0},
		Status:    model.VersionStatusDraft,
	}
}

func publishedVersion() *model.DataSetVersion {
	v := draftVersion()
	v.Status = model.VersionStatusPublished
	return v
}

func existsFunc(existing ...string) func(string) (bool, error) {
	set := make(map[string]bool, len(existing))
	for _, dir := range existing {
		set[dir] = true
	}
	return func(dir string) (bool, error) { return set[dir], nil }
}

func TestDirectoryByStatus(t *testing.T) {
	r := NewResolver("data")

	assert.Equal(t, "data/ds-1/draft", r.Directory(draftVersion()))
	assert.Equal(t, "data/ds-1/v1.0", r.Directory(publishedVersion()))

	processing := draftVersion()
	processing.Status = model.VersionStatusProcessing
	assert.Equal(t, "data/ds-1/draft", r.Directory(processing))
}

func TestTableFile(t *testing.T) {
	r := NewResolver("data")
	assert.Equal(t, "data/ds-1/draft/data.parquet", r.TableFile(draftVersion(), FileData))
	assert.Equal(t, "data/ds-1/v1.0/locations.parquet", r.TableFile(publishedVersion(), FileLocations))
}

func TestCheckConsistencyDraft(t *testing.T) {
	r := NewResolver("data")

	// A draft with only a draft folder is fine.
	err := r.CheckConsistency(draftVersion(), existsFunc("data/ds-1/draft"))
	assert.NoError(t, err)

	// A versioned folder for a still-draft version means a half-migrated
	// publish; surfaced, never repaired.
	err = r.CheckConsistency(draftVersion(), existsFunc("data/ds-1/draft", "data/ds-1/v1.0"))
	require.Error(t, err)
	assert.True(t, errs.IsInconsistency(err))
}

func TestCheckConsistencyPublished(t *testing.T) {
	r := NewResolver("data")

	err := r.CheckConsistency(publishedVersion(), existsFunc("data/ds-1/v1.0"))
	assert.NoError(t, err)

	// Both folders existing is the classic crash window.
	err = r.CheckConsistency(publishedVersion(), existsFunc("data/ds-1/draft", "data/ds-1/v1.0"))
	require.Error(t, err)
	assert.True(t, errs.IsInconsistency(err))

	// A published version with no folder at all is also inconsistent.
	err = r.CheckConsistency(publishedVersion(), existsFunc())
	require.Error(t, err)
	assert.True(t, errs.IsInconsistency(err))
}
