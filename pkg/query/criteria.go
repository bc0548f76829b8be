// Package query parses declarative criteria documents and translates them
// into parameterized SQL over a published version's normalized tables.
package query

import (
	"github.com/statflow/statflow/internal/model"
)

// Node is one node of a criteria tree. The concrete type is decided during
// decoding by which discriminator key the JSON object carries; exactly one
// of and, or, not or facets must be present.
type Node interface {
	isNode()
}

// AndNode matches rows satisfying every child.
type AndNode struct {
	Children []Node
}

// OrNode matches rows satisfying at least one child.
type OrNode struct {
	Children []Node
}

// NotNode matches rows not satisfying its child.
type NotNode struct {
	Child Node
}

// FacetsNode is a leaf predicate set. Every present facet contributes one
// conjunct; a facet that is absent constrains nothing.
type FacetsNode struct {
	Facets Facets
}

func (AndNode) isNode()    {}
func (OrNode) isNode()     {}
func (NotNode) isNode()    {}
func (FacetsNode) isNode() {}

// Facets is the payload of a leaf node. Each list has inclusion semantics:
// a row matches when its value is any of the listed ones.
type Facets struct {
	GeographicLevels []model.GeographicLevel
	Locations        []LocationRef
	TimePeriods      []TimePeriodRef
	// Filters lists filter option public ids. Options of the same filter
	// column are alternatives; options of different columns all constrain.
	Filters []string
}

// Empty reports whether no facet is present at all.
func (f Facets) Empty() bool {
	return len(f.GeographicLevels) == 0 && len(f.Locations) == 0 &&
		len(f.TimePeriods) == 0 && len(f.Filters) == 0
}

// LocationShape names which identifying fields a location reference
// carried. Shapes are tried in a fixed precedence during decoding; the
// first fully-satisfied shape wins.
type LocationShape string

const (
	ShapeID       LocationShape = "id"
	ShapeCompound LocationShape = "compound"
	ShapeCode     LocationShape = "code"
	ShapeOldCode  LocationShape = "oldCode"
)

// LocationRef is a decoded location reference.
type LocationRef struct {
	Shape LocationShape

	// ID is the public id, set only for ShapeID.
	ID string
	// Key is the natural key, set for every other shape.
	Key model.LocationKey
}

// TimePeriodRef identifies one time period by its natural key.
type TimePeriodRef struct {
	Period     string `json:"period"`
	Identifier string `json:"identifier"`
}

// Key returns the reference's natural key, matching model.TimePeriod.Key.
func (t TimePeriodRef) Key() string {
	return t.Period + ":" + t.Identifier
}
