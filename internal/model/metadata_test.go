package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNaturalLocationKeyPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		level GeographicLevel
		attrs LocationAttrs
		want  LocationKey
	}{
		{
			name:  "code wins over everything",
			level: LevelSchool,
			attrs: LocationAttrs{Code: "C1", OldCode: "O1", LaEstab: "1234567"},
			want:  LocationKey{Level: LevelSchool, Kind: KeyKindCode, Value: "C1"},
		},
		{
			name:  "old code wins over compound",
			level: LevelSchool,
			attrs: LocationAttrs{OldCode: "O1", LaEstab: "1234567"},
			want:  LocationKey{Level: LevelSchool, Kind: KeyKindOldCode, Value: "O1"},
		},
		{
			name:  "laestab only for schools",
			level: LevelSchool,
			attrs: LocationAttrs{LaEstab: "1234567"},
			want:  LocationKey{Level: LevelSchool, Kind: KeyKindLaEstab, Value: "1234567"},
		},
		{
			name:  "ukprn only for providers",
			level: LevelProvider,
			attrs: LocationAttrs{Ukprn: "10000001"},
			want:  LocationKey{Level: LevelProvider, Kind: KeyKindUkprn, Value: "10000001"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NaturalLocationKey(tt.level, tt.attrs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNaturalLocationKeyNoIdentifier(t *testing.T) {
	_, err := NaturalLocationKey(LevelRegion, LocationAttrs{Name: "North East"})
	assert.Error(t, err)

	// A ukprn on a non-provider level does not identify the row.
	_, err = NaturalLocationKey(LevelRegion, LocationAttrs{Ukprn: "10000001"})
	assert.Error(t, err)
}

func TestLocationKeyRoundTrip(t *testing.T) {
	key := LocationKey{Level: LevelLocalAuthority, Kind: KeyKindOldCode, Value: "841"}
	parsed, err := ParseLocationKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	// Values containing the separator survive because only the first two
	// separators split.
	key = LocationKey{Level: LevelCountry, Kind: KeyKindCode, Value: "a:b:c"}
	parsed, err = ParseLocationKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseLocationKeyInvalid(t *testing.T) {
	for _, s := range []string{"", "country", "country:code", "nowhere:code:X", "country:badkind:X"} {
		_, err := ParseLocationKey(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestParseGeographicLevel(t *testing.T) {
	level, err := ParseGeographicLevel("  Local_Authority ")
	require.NoError(t, err)
	assert.Equal(t, LevelLocalAuthority, level)

	_, err = ParseGeographicLevel("galaxy")
	assert.Error(t, err)
}

func TestFilterOptionKey(t *testing.T) {
	opt := FilterOption{FilterColName: "school_type", Label: "Special"}
	assert.Equal(t, "school_type:Special", opt.Key())
}
