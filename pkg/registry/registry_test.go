package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func seedDataSet(t *testing.T, reg *Registry) *model.DataSet {
	t.Helper()
	ds := &model.DataSet{
		ID:      "ds-1",
		Title:   "Pupil absence",
		Status:  model.DataSetStatusDraft,
		Created: time.Now().UTC(),
		Updated: time.Now().UTC(),
	}
	require.NoError(t, reg.CreateDataSet(context.Background(), ds))
	return ds
}

func seedVersion(t *testing.T, reg *Registry, id string, status model.VersionStatus) *model.DataSetVersion {
	t.Helper()
	v := &model.DataSetVersion{
		ID:        id,
		DataSetID: "ds-1",
		Version:   model.Version{Major: 1, Minor: 0},
		Status:    model.VersionStatusProcessing,
		Stage:     model.StagePending,
		Created:   time.Now().UTC(),
	}
	require.NoError(t, reg.CreateVersion(context.Background(), v))
	if status != model.VersionStatusProcessing {
		require.NoError(t, reg.TransitionStatus(context.Background(), id, model.VersionStatusProcessing, status))
		v.Status = status
	}
	return v
}

func TestCreateVersionDraftExists(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	seedDataSet(t, reg)
	seedVersion(t, reg, "v-1", model.VersionStatusProcessing)

	// Only one pre-publication version per data set at a time.
	err := reg.CreateVersion(ctx, &model.DataSetVersion{
		ID: "v-2", DataSetID: "ds-1", Status: model.VersionStatusProcessing,
		Stage: model.StagePending, Created: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrDraftExists)

	ds, err := reg.GetDataSet(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "v-1", ds.LatestDraftVersionID)
}

func TestAdvanceStageConflict(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	seedDataSet(t, reg)
	seedVersion(t, reg, "v-1", model.VersionStatusProcessing)

	require.NoError(t, reg.AdvanceStage(ctx, "v-1", model.StagePending, model.StageValidateInput))

	// A second worker still at Pending loses the conditional update.
	err := reg.AdvanceStage(ctx, "v-1", model.StagePending, model.StageValidateInput)
	assert.ErrorIs(t, err, ErrStageConflict)

	v, err := reg.GetVersion(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageValidateInput, v.Stage)
}

func TestTransitionStatusConflict(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	seedDataSet(t, reg)
	seedVersion(t, reg, "v-1", model.VersionStatusDraft)

	err := reg.TransitionStatus(ctx, "v-1", model.VersionStatusProcessing, model.VersionStatusDraft)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestMarkPublished(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	seedDataSet(t, reg)
	seedVersion(t, reg, "v-1", model.VersionStatusDraft)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, reg.MarkPublished(ctx, "v-1", at))

	v, err := reg.GetVersion(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusPublished, v.Status)
	assert.True(t, at.Equal(v.Published), "published %v, want %v", v.Published, at)

	ds, err := reg.GetDataSet(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "v-1", ds.LatestLiveVersionID)
	assert.Empty(t, ds.LatestDraftVersionID)
	assert.Equal(t, model.DataSetStatusPublished, ds.Status)

	// Publishing twice fails the conditional update.
	err = reg.MarkPublished(ctx, "v-1", at)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestResetStage(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	seedDataSet(t, reg)
	seedVersion(t, reg, "v-1", model.VersionStatusDraft)
	require.NoError(t, reg.ResetStage(ctx, "v-1"))

	v, err := reg.GetVersion(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, model.StagePending, v.Stage)
	assert.Equal(t, model.VersionStatusProcessing, v.Status)
	assert.Equal(t, 1, v.Run)
}

func TestMappingStateDefault(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	seedDataSet(t, reg)
	seedVersion(t, reg, "v-1", model.VersionStatusDraft)

	state, err := reg.GetMappingState(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStateNotStarted, state)

	require.NoError(t, reg.SetMappingState(ctx, "v-1", model.MappingStatePending))
	require.NoError(t, reg.SetMappingState(ctx, "v-1", model.MappingStateResolved))
	state, err = reg.GetMappingState(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStateResolved, state)
}

func TestMappingCandidatesRoundTrip(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	seedDataSet(t, reg)
	seedVersion(t, reg, "v-1", model.VersionStatusDraft)

	cands := []model.MappingCandidate{
		{
			VersionID: "v-1", Kind: model.MappingKindLocation,
			SourceKey: "region:code:E12000001", SourcePublicID: "pub-1",
			SourceLabel: "North East", InUse: true, Ambiguous: true,
			SuggestedKeys: []string{"region:code:E12000101", "region:code:E12000201"},
			Type:          model.MappingTypePending,
		},
		{
			VersionID: "v-1", Kind: model.MappingKindFilterOption,
			SourceKey: "school_type:Special", SourcePublicID: "pub-2",
			SourceLabel: "Special", Type: model.MappingTypeAutoMapped,
			TargetKey: "school_type:Special",
		},
	}
	require.NoError(t, reg.ReplaceMappingCandidates(ctx, "v-1", cands))

	got, err := reg.GetMappingCandidates(ctx, "v-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Ordered by kind, then source key.
	assert.Equal(t, model.MappingKindFilterOption, got[0].Kind)
	assert.Equal(t, cands[0], got[1])

	// Replace swaps, never appends.
	require.NoError(t, reg.ReplaceMappingCandidates(ctx, "v-1", cands[:1]))
	got, err = reg.GetMappingCandidates(ctx, "v-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestResolveMappingsAtomic(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	seedDataSet(t, reg)
	seedVersion(t, reg, "v-1", model.VersionStatusDraft)

	stored := model.MappingCandidate{
		VersionID: "v-1", Kind: model.MappingKindLocation,
		SourceKey: "region:code:E12000001", SourcePublicID: "pub-1",
		Type: model.MappingTypePending,
	}
	require.NoError(t, reg.ReplaceMappingCandidates(ctx, "v-1", []model.MappingCandidate{stored}))
	require.NoError(t, reg.SetMappingState(ctx, "v-1", model.MappingStatePending))

	resolved := stored
	resolved.Type = model.MappingTypeManualMinor
	resolved.TargetKey = "region:code:E12000101"
	phantom := stored
	phantom.SourceKey = "region:code:NOPE"

	// One row failing rolls back the whole batch, including the state write.
	err := reg.ResolveMappings(ctx, "v-1", []model.MappingCandidate{resolved, phantom}, model.MappingStateResolved)
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))

	got, err := reg.GetMappingCandidates(ctx, "v-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MappingTypePending, got[0].Type)

	state, err := reg.GetMappingState(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatePending, state)

	// The valid batch lands.
	require.NoError(t, reg.ResolveMappings(ctx, "v-1", []model.MappingCandidate{resolved}, model.MappingStateResolved))
	got, err = reg.GetMappingCandidates(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, model.MappingTypeManualMinor, got[0].Type)
	assert.Equal(t, "region:code:E12000101", got[0].TargetKey)
}

func TestDeleteDataSetCascades(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	seedDataSet(t, reg)
	seedVersion(t, reg, "v-1", model.VersionStatusDraft)
	require.NoError(t, reg.SetMappingState(ctx, "v-1", model.MappingStatePending))

	require.NoError(t, reg.DeleteDataSet(ctx, "ds-1"))

	_, err := reg.GetVersion(ctx, "v-1")
	assert.True(t, errs.IsNotFound(err))

	err = reg.DeleteDataSet(ctx, "ds-1")
	assert.True(t, errs.IsNotFound(err))
}
