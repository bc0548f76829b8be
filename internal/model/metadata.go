package model

import (
	"fmt"
	"strings"
)

// GeographicLevel identifies the granularity of a location row.
type GeographicLevel string

const (
	LevelCountry        GeographicLevel = "country"
	LevelRegion         GeographicLevel = "region"
	LevelLocalAuthority GeographicLevel = "local_authority"
	LevelSchool         GeographicLevel = "school"
	LevelProvider       GeographicLevel = "provider"
)

// GeographicLevels lists all levels in canonical order.
var GeographicLevels = []GeographicLevel{
	LevelCountry,
	LevelRegion,
	LevelLocalAuthority,
	LevelSchool,
	LevelProvider,
}

// ParseGeographicLevel parses a raw CSV geographic_level value.
func ParseGeographicLevel(s string) (GeographicLevel, error) {
	switch GeographicLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelCountry:
		return LevelCountry, nil
	case LevelRegion:
		return LevelRegion, nil
	case LevelLocalAuthority:
		return LevelLocalAuthority, nil
	case LevelSchool:
		return LevelSchool, nil
	case LevelProvider:
		return LevelProvider, nil
	default:
		return "", fmt.Errorf("unknown geographic level %q", s)
	}
}

// LocationAttrs carries every identifying column a raw CSV row may supply
// for a location, before the natural key has been decided.
type LocationAttrs struct {
	Code    string // standard code (e.g. GSS code)
	OldCode string // alternate/legacy code
	LaEstab string // compound establishment-within-authority code (schools)
	Ukprn   string // provider reference number
	Name    string
}

// LocationKeyKind names which identifying attribute won the precedence race.
type LocationKeyKind string

const (
	KeyKindCode    LocationKeyKind = "code"
	KeyKindOldCode LocationKeyKind = "old_code"
	KeyKindLaEstab LocationKeyKind = "laestab"
	KeyKindUkprn   LocationKeyKind = "ukprn"
)

// LocationKey is the composite natural key of a location option: its
// geographic level plus the most specific available code.
type LocationKey struct {
	Level GeographicLevel
	Kind  LocationKeyKind
	Value string
}

func (k LocationKey) String() string {
	return string(k.Level) + ":" + string(k.Kind) + ":" + k.Value
}

// ParseLocationKey parses the string form produced by LocationKey.String.
func ParseLocationKey(s string) (LocationKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return LocationKey{}, fmt.Errorf("invalid location key %q", s)
	}
	level, err := ParseGeographicLevel(parts[0])
	if err != nil {
		return LocationKey{}, fmt.Errorf("invalid location key %q: %v", s, err)
	}
	switch LocationKeyKind(parts[1]) {
	case KeyKindCode, KeyKindOldCode, KeyKindLaEstab, KeyKindUkprn:
	default:
		return LocationKey{}, fmt.Errorf("invalid location key %q: unknown kind", s)
	}
	return LocationKey{Level: level, Kind: LocationKeyKind(parts[1]), Value: parts[2]}, nil
}

// NaturalLocationKey resolves the natural key for a location row. The
// precedence order is fixed and must not be re-derived per extractor:
// standard code, then old/alternate code, then the level-specific compound
// code (laestab for schools, ukprn for providers). First non-empty wins.
func NaturalLocationKey(level GeographicLevel, attrs LocationAttrs) (LocationKey, error) {
	switch {
	case attrs.Code != "":
		return LocationKey{Level: level, Kind: KeyKindCode, Value: attrs.Code}, nil
	case attrs.OldCode != "":
		return LocationKey{Level: level, Kind: KeyKindOldCode, Value: attrs.OldCode}, nil
	case level == LevelSchool && attrs.LaEstab != "":
		return LocationKey{Level: level, Kind: KeyKindLaEstab, Value: attrs.LaEstab}, nil
	case level == LevelProvider && attrs.Ukprn != "":
		return LocationKey{Level: level, Kind: KeyKindUkprn, Value: attrs.Ukprn}, nil
	default:
		return LocationKey{}, fmt.Errorf("location at level %q has no identifying code", level)
	}
}

// Location is one location option owned by a single data set version.
// The surrogate id is the join key used by the normalized data table; the
// public id is what API consumers see and is preserved across versions when
// the mapping engine resolves an equivalence.
type Location struct {
	ID       int64
	PublicID string
	Level    GeographicLevel
	Attrs    LocationAttrs
}

// Key returns the location's natural key.
func (l Location) Key() (LocationKey, error) {
	return NaturalLocationKey(l.Level, l.Attrs)
}

// Filter is a filter column of the data file (e.g. "school_type").
type Filter struct {
	ID       int64
	PublicID string
	ColName  string
	Label    string
	Grouping string
	Default  string
}

// FilterOption is one distinct value of a filter column.
type FilterOption struct {
	ID       int64
	PublicID string
	FilterID int64
	// FilterColName denormalizes the owning filter's column name so option
	// natural keys stay meaningful across versions where surrogate filter
	// ids differ.
	FilterColName string
	Label         string
}

// Key returns the option's natural key: filter column plus label.
func (o FilterOption) Key() string {
	return o.FilterColName + ":" + o.Label
}

// Indicator is a measured-value column of the data file.
type Indicator struct {
	ID            int64
	PublicID      string
	ColName       string
	Label         string
	Unit          string
	DecimalPlaces int
}

// TimePeriod is one distinct (period, identifier) pair, e.g. (2024, "AY").
type TimePeriod struct {
	ID         int64
	Period     string
	Identifier string
}

// Key returns the period's natural key.
func (t TimePeriod) Key() string {
	return t.Period + ":" + t.Identifier
}
