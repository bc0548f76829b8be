package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
)

func TestDecodeTree(t *testing.T) {
	doc := `{
		"and": [
			{"facets": {"geographicLevels": ["region"]}},
			{"not": {"facets": {"filters": ["opt-1", "opt-2"]}}},
			{"or": [
				{"facets": {"timePeriods": [{"period": "2024/25", "identifier": "AY"}]}},
				{"facets": {"locations": [{"id": "loc-1"}]}}
			]}
		]
	}`
	node, err := Decode([]byte(doc))
	require.NoError(t, err)

	and, ok := node.(AndNode)
	require.True(t, ok)
	require.Len(t, and.Children, 3)

	not, ok := and.Children[1].(NotNode)
	require.True(t, ok)
	facets, ok := not.Child.(FacetsNode)
	require.True(t, ok)
	assert.Equal(t, []string{"opt-1", "opt-2"}, facets.Facets.Filters)

	or, ok := and.Children[2].(OrNode)
	require.True(t, ok)
	assert.Len(t, or.Children, 2)
}

func TestDecodeDiscriminators(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "two discriminators",
			doc:  `{"and": [{"facets": {"filters": ["x"]}}], "not": {"facets": {"filters": ["x"]}}}`,
			want: "conflicting keys",
		},
		{
			name: "no discriminator",
			doc:  `{}`,
			want: "exactly one of",
		},
		{
			name: "unknown sibling key",
			doc:  `{"facets": {"filters": ["x"]}, "comment": "hi"}`,
			want: `unknown criteria key "comment"`,
		},
		{
			name: "empty and",
			doc:  `{"and": []}`,
			want: "at least one node",
		},
		{
			name: "node not an object",
			doc:  `[1, 2]`,
			want: "must be an object",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecodeErrorPaths(t *testing.T) {
	// Errors name the node that failed, not just the document.
	doc := `{"and": [
		{"facets": {"filters": ["x"]}},
		{"not": {"bogus": true}}
	]}`
	_, err := Decode([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$.and[1].not")

	doc = `{"or": [{"facets": {"locations": [{"id": "a"}, {}]}}]}`
	_, err = Decode([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$.or[0].facets.locations[1]")
}

func TestDecodeFacetsValidation(t *testing.T) {
	_, err := Decode([]byte(`{"facets": {}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constrains nothing")

	_, err = Decode([]byte(`{"facets": {"geograficLevels": ["region"]}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")

	_, err = Decode([]byte(`{"facets": {"geographicLevels": ["galaxy"]}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geographicLevels[0]")

	_, err = Decode([]byte(`{"facets": {"timePeriods": [{"period": "2024/25"}]}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both period and identifier")
}

func TestDecodeLocationRefShapes(t *testing.T) {
	decode := func(t *testing.T, body string) LocationRef {
		t.Helper()
		node, err := Decode([]byte(`{"facets": {"locations": [` + body + `]}}`))
		require.NoError(t, err)
		facets, ok := node.(FacetsNode)
		require.True(t, ok)
		require.Len(t, facets.Facets.Locations, 1)
		return facets.Facets.Locations[0]
	}

	t.Run("id wins over all other fields", func(t *testing.T) {
		ref := decode(t, `{"id": "loc-1", "level": "region", "code": "E12"}`)
		assert.Equal(t, ShapeID, ref.Shape)
		assert.Equal(t, "loc-1", ref.ID)
	})

	t.Run("laEstab implies school", func(t *testing.T) {
		ref := decode(t, `{"laEstab": "8412045"}`)
		assert.Equal(t, ShapeCompound, ref.Shape)
		assert.Equal(t, model.LocationKey{Level: model.LevelSchool, Kind: model.KeyKindLaEstab, Value: "8412045"}, ref.Key)
	})

	t.Run("ukprn implies provider", func(t *testing.T) {
		ref := decode(t, `{"ukprn": "10000001"}`)
		assert.Equal(t, ShapeCompound, ref.Shape)
		assert.Equal(t, model.LevelProvider, ref.Key.Level)
	})

	t.Run("code with level", func(t *testing.T) {
		ref := decode(t, `{"level": "region", "code": "E12000001"}`)
		assert.Equal(t, ShapeCode, ref.Shape)
		assert.Equal(t, model.LocationKey{Level: model.LevelRegion, Kind: model.KeyKindCode, Value: "E12000001"}, ref.Key)
	})

	t.Run("old code with level", func(t *testing.T) {
		ref := decode(t, `{"level": "local_authority", "oldCode": "841"}`)
		assert.Equal(t, ShapeOldCode, ref.Shape)
		assert.Equal(t, model.KeyKindOldCode, ref.Key.Kind)
	})
}

func TestDecodeLocationRefErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "laEstab on wrong level",
			body: `{"level": "region", "laEstab": "8412045"}`,
			want: "laEstab requires level",
		},
		{
			name: "code without level",
			body: `{"code": "E12000001"}`,
			want: "code requires an explicit level",
		},
		{
			name: "level alone matches no shape",
			body: `{"level": "region"}`,
			want: "fields: level",
		},
		{
			name: "unknown field",
			body: `{"postcode": "NE1"}`,
			want: "unknown field",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(`{"facets": {"locations": [` + tt.body + `]}}`))
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
