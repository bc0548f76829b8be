package query

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statflow/statflow/internal/model"
)

func testLookup() *Lookup {
	keyA := model.LocationKey{Level: model.LevelRegion, Kind: model.KeyKindCode, Value: "E12000001"}
	keyB := model.LocationKey{Level: model.LevelRegion, Kind: model.KeyKindCode, Value: "E12000002"}
	return &Lookup{
		locByPublicID: map[string]int64{"loc-a": 1, "loc-b": 2},
		locByKey:      map[model.LocationKey]int64{keyA: 1, keyB: 2},
		optByPublicID: map[string]optionRef{
			"opt-primary": {col: "school_type", id: 1},
			"opt-special": {col: "school_type", id: 2},
			"opt-female":  {col: "gender", id: 5},
		},
		timeByKey:     map[string]int64{"2024/25:AY": 3, "2023/24:AY": 4},
		filterCols:    []string{"school_type", "gender"},
		indicatorCols: []string{"num_pupils"},
	}
}

func TestTranslateFacets(t *testing.T) {
	node := FacetsNode{Facets: Facets{
		GeographicLevels: []model.GeographicLevel{model.LevelRegion, model.LevelCountry},
		Locations: []LocationRef{
			{Shape: ShapeID, ID: "loc-b"},
			{Shape: ShapeID, ID: "loc-a"},
		},
		TimePeriods: []TimePeriodRef{{Period: "2024/25", Identifier: "AY"}},
		Filters:     []string{"opt-special", "opt-primary", "opt-female"},
	}}

	clause, args, err := Translate(node, testLookup())
	require.NoError(t, err)

	goldie.New(t).Assert(t, "facets_full", []byte(clause))
	assert.Equal(t, []any{
		string(model.LevelCountry), string(model.LevelRegion),
		int64(1), int64(2),
		int64(3),
		int64(5),
		int64(1), int64(2),
	}, args)
}

func TestTranslateCanonicalOrder(t *testing.T) {
	// The same value sets in a different input order compile to identical
	// SQL text and identical parameter order.
	a := FacetsNode{Facets: Facets{
		Locations: []LocationRef{{Shape: ShapeID, ID: "loc-a"}, {Shape: ShapeID, ID: "loc-b"}},
		Filters:   []string{"opt-primary", "opt-special"},
	}}
	b := FacetsNode{Facets: Facets{
		Locations: []LocationRef{{Shape: ShapeID, ID: "loc-b"}, {Shape: ShapeID, ID: "loc-a"}},
		Filters:   []string{"opt-special", "opt-primary"},
	}}

	clauseA, argsA, err := Translate(a, testLookup())
	require.NoError(t, err)
	clauseB, argsB, err := Translate(b, testLookup())
	require.NoError(t, err)

	assert.Equal(t, clauseA, clauseB)
	assert.Equal(t, argsA, argsB)
}

func TestTranslateDuplicatesCollapse(t *testing.T) {
	node := FacetsNode{Facets: Facets{
		Locations: []LocationRef{
			{Shape: ShapeID, ID: "loc-a"},
			{Shape: ShapeID, ID: "loc-a"},
		},
	}}
	clause, args, err := Translate(node, testLookup())
	require.NoError(t, err)
	assert.Equal(t, "d.location_id IN (?)", clause)
	assert.Equal(t, []any{int64(1)}, args)
}

func TestTranslateUnknownValues(t *testing.T) {
	lk := testLookup()

	// Unknown values are dropped from their in-list, not errors.
	node := FacetsNode{Facets: Facets{
		Locations: []LocationRef{
			{Shape: ShapeID, ID: "loc-a"},
			{Shape: ShapeID, ID: "loc-gone"},
		},
	}}
	clause, args, err := Translate(node, lk)
	require.NoError(t, err)
	assert.Equal(t, "d.location_id IN (?)", clause)
	assert.Equal(t, []any{int64(1)}, args)

	// A facet with no resolvable value matches no rows.
	node = FacetsNode{Facets: Facets{
		Locations: []LocationRef{{Shape: ShapeID, ID: "loc-gone"}},
	}}
	clause, args, err = Translate(node, lk)
	require.NoError(t, err)
	assert.Equal(t, matchNothing, clause)
	assert.Empty(t, args)

	// Same for filters when every option id is unknown.
	node = FacetsNode{Facets: Facets{Filters: []string{"opt-gone"}}}
	clause, _, err = Translate(node, lk)
	require.NoError(t, err)
	assert.Equal(t, matchNothing, clause)
}

func TestTranslateLocationByKey(t *testing.T) {
	node := FacetsNode{Facets: Facets{
		Locations: []LocationRef{{
			Shape: ShapeCode,
			Key:   model.LocationKey{Level: model.LevelRegion, Kind: model.KeyKindCode, Value: "E12000002"},
		}},
	}}
	clause, args, err := Translate(node, testLookup())
	require.NoError(t, err)
	assert.Equal(t, "d.location_id IN (?)", clause)
	assert.Equal(t, []any{int64(2)}, args)
}

func TestTranslateTree(t *testing.T) {
	node := AndNode{Children: []Node{
		FacetsNode{Facets: Facets{
			GeographicLevels: []model.GeographicLevel{model.LevelRegion},
		}},
		NotNode{Child: OrNode{Children: []Node{
			FacetsNode{Facets: Facets{Filters: []string{"opt-primary"}}},
			FacetsNode{Facets: Facets{
				Locations: []LocationRef{{Shape: ShapeID, ID: "loc-gone"}},
			}},
		}}},
	}}

	clause, args, err := Translate(node, testLookup())
	require.NoError(t, err)
	goldie.New(t).Assert(t, "tree", []byte(clause))
	assert.Equal(t, []any{string(model.LevelRegion), int64(1)}, args)
}
