package mapping

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
)

func testEngine() *Engine {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Engine{log: log}
}

func metaWithLocations(locs ...model.Location) *versionMeta {
	meta := &versionMeta{
		locationKeys:  make(map[model.LocationKey]model.Location),
		optionKeys:    make(map[string]model.FilterOption),
		usedLocations: make(map[int64]bool),
		usedOptions:   make(map[int64]bool),
	}
	for _, l := range locs {
		meta.locations = append(meta.locations, l)
		if key, err := l.Key(); err == nil {
			meta.locationKeys[key] = l
		}
	}
	return meta
}

func region(id int64, publicID, code, name string) model.Location {
	return model.Location{
		ID:       id,
		PublicID: publicID,
		Level:    model.LevelRegion,
		Attrs:    model.LocationAttrs{Code: code, Name: name},
	}
}

func candidateFor(plan *Plan, sourceKey string) *model.MappingCandidate {
	for i := range plan.Candidates {
		if plan.Candidates[i].SourceKey == sourceKey {
			return &plan.Candidates[i]
		}
	}
	return nil
}

func TestDiffLocationsAdditiveOnly(t *testing.T) {
	// Predecessor {A, B}, candidate {A, B, C}: everything auto-maps and C
	// shows up as newly added.
	prev := metaWithLocations(
		region(1, "pub-a", "A", "Alpha"),
		region(2, "pub-b", "B", "Beta"),
	)
	prev.usedLocations[1] = true
	prev.usedLocations[2] = true
	next := metaWithLocations(
		region(1, "new-a", "A", "Alpha"),
		region(2, "new-b", "B", "Beta"),
		region(3, "new-c", "C", "Gamma"),
	)

	plan := &Plan{}
	testEngine().diffLocations("v2", prev, next, plan)

	require.Len(t, plan.Candidates, 2)
	for _, c := range plan.Candidates {
		assert.Equal(t, model.MappingTypeAutoMapped, c.Type)
		assert.Equal(t, c.SourceKey, c.TargetKey)
		assert.False(t, c.Breaking())
	}
	assert.Equal(t, 0, plan.Pending())
	assert.Equal(t, []string{"region:code:C"}, plan.NewLocations)
	assert.Equal(t, model.ImpactMinor, impactOf(plan.Candidates))
}

func TestDiffLocationsRemovedInUse(t *testing.T) {
	// B is referenced by data rows and vanishes with no plausible match:
	// presented as "no longer present", pending a manual decision.
	prev := metaWithLocations(
		region(1, "pub-a", "A", "Alpha"),
		region(2, "pub-b", "B", "Beta"),
	)
	prev.usedLocations[2] = true
	next := metaWithLocations(region(1, "new-a", "A", "Alpha"))

	plan := &Plan{}
	testEngine().diffLocations("v2", prev, next, plan)

	require.Len(t, plan.Candidates, 2)
	b := candidateFor(plan, "region:code:B")
	require.NotNil(t, b)
	assert.Equal(t, model.MappingTypePending, b.Type)
	assert.True(t, b.InUse)
	assert.False(t, b.Ambiguous)
	assert.Empty(t, b.SuggestedKeys)
	assert.Equal(t, 1, plan.Pending())
}

func TestDiffLocationsFuzzySuggestion(t *testing.T) {
	// Same level, same name, different code: exactly one plausible target
	// is suggested but never auto-resolved.
	prev := metaWithLocations(region(1, "pub-a", "OLD", "North East"))
	next := metaWithLocations(region(1, "new-a", "NEW", "north east "))

	plan := &Plan{}
	testEngine().diffLocations("v2", prev, next, plan)

	require.Len(t, plan.Candidates, 1)
	c := plan.Candidates[0]
	assert.Equal(t, model.MappingTypePending, c.Type)
	assert.Equal(t, []string{"region:code:NEW"}, c.SuggestedKeys)
	assert.False(t, c.Ambiguous)
}

func TestDiffLocationsAmbiguous(t *testing.T) {
	// Two equally-plausible targets: ambiguous, never auto-resolved.
	prev := metaWithLocations(region(1, "pub-a", "OLD", "North East"))
	next := metaWithLocations(
		region(1, "new-1", "N1", "North East"),
		region(2, "new-2", "N2", "North East"),
	)

	plan := &Plan{}
	testEngine().diffLocations("v2", prev, next, plan)

	require.Len(t, plan.Candidates, 1)
	c := plan.Candidates[0]
	assert.True(t, c.Ambiguous)
	assert.Len(t, c.SuggestedKeys, 2)
	assert.Equal(t, model.MappingTypePending, c.Type)
}

func TestDiffLocationsExactMatchNotSuggestedElsewhere(t *testing.T) {
	// A target that exactly matched one predecessor never doubles as a
	// fuzzy suggestion for another.
	prev := metaWithLocations(
		region(1, "pub-a", "A", "Same Name"),
		region(2, "pub-b", "B", "Same Name"),
	)
	next := metaWithLocations(region(1, "new-a", "A", "Same Name"))

	plan := &Plan{}
	testEngine().diffLocations("v2", prev, next, plan)

	b := candidateFor(plan, "region:code:B")
	require.NotNil(t, b)
	assert.Empty(t, b.SuggestedKeys)
}

func TestDiffOptions(t *testing.T) {
	prev := metaWithLocations()
	prev.options = []model.FilterOption{
		{ID: 1, PublicID: "p1", FilterColName: "school_type", Label: "Primary"},
		{ID: 2, PublicID: "p2", FilterColName: "school_type", Label: "Special"},
	}
	for _, o := range prev.options {
		prev.optionKeys[o.Key()] = o
	}
	prev.usedOptions[2] = true

	next := metaWithLocations()
	next.options = []model.FilterOption{
		{ID: 1, PublicID: "n1", FilterColName: "school_type", Label: "Primary"},
		{ID: 2, PublicID: "n2", FilterColName: "school_type", Label: " special"},
	}
	for _, o := range next.options {
		next.optionKeys[o.Key()] = o
	}

	plan := &Plan{}
	testEngine().diffOptions("v2", prev, next, plan)

	require.Len(t, plan.Candidates, 2)
	primary := candidateFor(plan, "school_type:Primary")
	require.NotNil(t, primary)
	assert.Equal(t, model.MappingTypeAutoMapped, primary.Type)

	special := candidateFor(plan, "school_type:Special")
	require.NotNil(t, special)
	assert.Equal(t, model.MappingTypePending, special.Type)
	assert.Equal(t, []string{"school_type: special"}, special.SuggestedKeys)
	assert.True(t, special.InUse)
}

func TestClassifyDecisions(t *testing.T) {
	next := metaWithLocations(region(1, "new-a", "A", "Alpha"))
	next.options = []model.FilterOption{
		{ID: 1, PublicID: "n1", FilterColName: "school_type", Label: "Primary"},
	}
	for _, o := range next.options {
		next.optionKeys[o.Key()] = o
	}

	t.Run("map to existing target is minor", func(t *testing.T) {
		cand := &model.MappingCandidate{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD", InUse: true, Type: model.MappingTypePending}
		err := classify(cand, model.MappingDecision{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD", TargetKey: "region:code:A"}, next)
		require.NoError(t, err)
		assert.Equal(t, model.MappingTypeManualMinor, cand.Type)
		assert.False(t, cand.Breaking())
	})

	t.Run("remove in-use option is major", func(t *testing.T) {
		cand := &model.MappingCandidate{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD", InUse: true, Type: model.MappingTypePending}
		err := classify(cand, model.MappingDecision{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD"}, next)
		require.NoError(t, err)
		assert.Equal(t, model.MappingTypeManualMajor, cand.Type)
		assert.True(t, cand.Breaking())
	})

	t.Run("remove unused option is non-breaking", func(t *testing.T) {
		cand := &model.MappingCandidate{Kind: model.MappingKindFilterOption, SourceKey: "school_type:Old", InUse: false, Type: model.MappingTypePending}
		err := classify(cand, model.MappingDecision{Kind: model.MappingKindFilterOption, SourceKey: "school_type:Old"}, next)
		require.NoError(t, err)
		assert.Equal(t, model.MappingTypeManualNone, cand.Type)
		assert.False(t, cand.Breaking())
	})

	t.Run("unknown target rejected", func(t *testing.T) {
		cand := &model.MappingCandidate{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD", Type: model.MappingTypePending}
		err := classify(cand, model.MappingDecision{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD", TargetKey: "region:code:NOPE"}, next)
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("auto-mapped cannot be redirected", func(t *testing.T) {
		cand := &model.MappingCandidate{Kind: model.MappingKindLocation, SourceKey: "region:code:A", Type: model.MappingTypeAutoMapped, TargetKey: "region:code:A"}
		err := classify(cand, model.MappingDecision{Kind: model.MappingKindLocation, SourceKey: "region:code:A"}, next)
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
		assert.Equal(t, model.MappingTypeAutoMapped, cand.Type)
	})

	t.Run("confirming an auto-mapping is a no-op", func(t *testing.T) {
		cand := &model.MappingCandidate{Kind: model.MappingKindLocation, SourceKey: "region:code:A", Type: model.MappingTypeAutoMapped, TargetKey: "region:code:A"}
		err := classify(cand, model.MappingDecision{Kind: model.MappingKindLocation, SourceKey: "region:code:A", TargetKey: "region:code:A"}, next)
		require.NoError(t, err)
		assert.Equal(t, model.MappingTypeAutoMapped, cand.Type)
		assert.Equal(t, "region:code:A", cand.TargetKey)
	})
}

func TestApplyDecisionsAmbiguousMustResolve(t *testing.T) {
	next := metaWithLocations(
		region(1, "n1", "N1", "North East"),
		region(2, "n2", "N2", "North East"),
		region(3, "n3", "B", "Beta"),
	)
	cands := []model.MappingCandidate{
		{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD", Ambiguous: true,
			SuggestedKeys: []string{"region:code:N1", "region:code:N2"}, Type: model.MappingTypePending},
		{Kind: model.MappingKindLocation, SourceKey: "region:code:B", Type: model.MappingTypePending},
	}

	// Resolving only the plain candidate leaves the ambiguity standing, so
	// the whole batch is rejected.
	_, err := applyDecisions(cands, []model.MappingDecision{
		{Kind: model.MappingKindLocation, SourceKey: "region:code:B", TargetKey: "region:code:B"},
	}, next)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "region:code:OLD")

	// Settling the ambiguity in the same batch is accepted and leaves
	// nothing outstanding.
	unresolved, err := applyDecisions(cands, []model.MappingDecision{
		{Kind: model.MappingKindLocation, SourceKey: "region:code:B", TargetKey: "region:code:B"},
		{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD", TargetKey: "region:code:N1"},
	}, next)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestApplyDecisionsPartialBatch(t *testing.T) {
	next := metaWithLocations(
		region(1, "n1", "A", "Alpha"),
		region(2, "n2", "B", "Beta"),
	)
	cands := []model.MappingCandidate{
		{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD-A", Type: model.MappingTypePending},
		{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD-B", Type: model.MappingTypePending},
	}

	// Without an ambiguity in play a partial batch is fine: the decided
	// candidate lands and the rest stays pending.
	unresolved, err := applyDecisions(cands, []model.MappingDecision{
		{Kind: model.MappingKindLocation, SourceKey: "region:code:OLD-A", TargetKey: "region:code:A"},
	}, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"location/region:code:OLD-B"}, unresolved)
	assert.Equal(t, model.MappingTypeManualMinor, cands[0].Type)
}

func TestImpactAndNumbering(t *testing.T) {
	minor := []model.MappingCandidate{
		{Type: model.MappingTypeAutoMapped},
		{Type: model.MappingTypeManualMinor},
		{Type: model.MappingTypeManualNone},
	}
	assert.Equal(t, model.ImpactMinor, impactOf(minor))
	assert.Equal(t, model.Version{Major: 1, Minor: 3},
		nextNumber(model.Version{Major: 1, Minor: 2}, impactOf(minor)))

	major := append(minor, model.MappingCandidate{Type: model.MappingTypeManualMajor, InUse: true})
	assert.Equal(t, model.ImpactMajor, impactOf(major))
	assert.Equal(t, model.Version{Major: 2, Minor: 0},
		nextNumber(model.Version{Major: 1, Minor: 2}, impactOf(major)))
}
