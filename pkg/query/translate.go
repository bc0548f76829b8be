package query

import (
	"errors"
	"sort"
	"strings"

	"github.com/statflow/statflow/pkg/engine"
)

var errUnknownNode = errors.New("unknown criteria node type")

// matchNothing is the clause emitted for a facet whose every value is
// unknown to the queried version. Querying a since-removed option is valid
// and returns empty, never an error.
const matchNothing = "1 = 0"

// Translate compiles a criteria tree into a parameterized WHERE clause over
// the normalized data table aliased "d". The emitted SQL text is canonical:
// semantically identical trees produce identical text regardless of input
// field ordering, so engine-side plan caching stays effective.
func Translate(node Node, lk *Lookup) (string, []any, error) {
	t := &translator{lookup: lk}
	clause, err := t.node(node)
	if err != nil {
		return "", nil, err
	}
	return clause, t.args, nil
}

type translator struct {
	lookup *Lookup
	args   []any
}

func (t *translator) node(n Node) (string, error) {
	switch n := n.(type) {
	case AndNode:
		return t.compose(n.Children, " AND ")
	case OrNode:
		return t.compose(n.Children, " OR ")
	case NotNode:
		child, err := t.node(n.Child)
		if err != nil {
			return "", err
		}
		return "NOT " + child, nil
	case FacetsNode:
		return t.facets(n.Facets)
	default:
		// Unreachable for trees produced by Decode.
		return "", errUnknownNode
	}
}

func (t *translator) compose(children []Node, op string) (string, error) {
	clauses := make([]string, 0, len(children))
	for _, child := range children {
		clause, err := t.node(child)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return "(" + strings.Join(clauses, op) + ")", nil
}

// facets emits one conjunct per present facet, in a fixed order. Values
// with no surrogate id in this version are dropped from their in-list; a
// facet left with no resolvable value at all matches no rows.
func (t *translator) facets(f Facets) (string, error) {
	var conjuncts []string

	if len(f.GeographicLevels) > 0 {
		values := make([]string, 0, len(f.GeographicLevels))
		for _, level := range f.GeographicLevels {
			values = append(values, string(level))
		}
		conjuncts = append(conjuncts, t.inList(`d.geographic_level`, dedupeStrings(values)))
	}

	if len(f.Locations) > 0 {
		var ids []int64
		for _, ref := range f.Locations {
			if id, ok := t.lookup.ResolveLocation(ref); ok {
				ids = append(ids, id)
			}
		}
		conjuncts = append(conjuncts, t.inListInt(`d.location_id`, dedupeInts(ids)))
	}

	if len(f.TimePeriods) > 0 {
		var ids []int64
		for _, ref := range f.TimePeriods {
			if id, ok := t.lookup.ResolveTimePeriod(ref); ok {
				ids = append(ids, id)
			}
		}
		conjuncts = append(conjuncts, t.inListInt(`d.time_period_id`, dedupeInts(ids)))
	}

	if len(f.Filters) > 0 {
		conjuncts = append(conjuncts, t.filterConjuncts(f.Filters)...)
	}

	if len(conjuncts) == 1 {
		return conjuncts[0], nil
	}
	return "(" + strings.Join(conjuncts, " AND ") + ")", nil
}

// filterConjuncts groups filter option ids by their owning filter column.
// Options of the same column are alternatives (one in-list); different
// columns each constrain. An option set naming a column but resolving to
// no surviving option matches nothing.
func (t *translator) filterConjuncts(publicIDs []string) []string {
	byCol := make(map[string][]int64)
	resolvedAny := false
	for _, publicID := range publicIDs {
		col, id, ok := t.lookup.ResolveOption(publicID)
		if !ok {
			continue
		}
		resolvedAny = true
		byCol[col] = append(byCol[col], id)
	}
	if !resolvedAny {
		return []string{matchNothing}
	}

	cols := make([]string, 0, len(byCol))
	for col := range byCol {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	out := make([]string, 0, len(cols))
	for _, col := range cols {
		out = append(out, t.inListInt("d."+engine.QuoteIdent(col+"_id"), dedupeInts(byCol[col])))
	}
	return out
}

func (t *translator) inList(column string, values []string) string {
	if len(values) == 0 {
		return matchNothing
	}
	for _, v := range values {
		t.args = append(t.args, v)
	}
	return column + " IN (" + placeholders(len(values)) + ")"
}

func (t *translator) inListInt(column string, values []int64) string {
	if len(values) == 0 {
		return matchNothing
	}
	for _, v := range values {
		t.args = append(t.args, v)
	}
	return column + " IN (" + placeholders(len(values)) + ")"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// dedupeStrings sorts and deduplicates, fixing parameter order so the same
// value set always binds in the same sequence.
func dedupeStrings(values []string) []string {
	sort.Strings(values)
	out := values[:0]
	for i, v := range values {
		if i == 0 || v != values[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func dedupeInts(values []int64) []int64 {
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	out := values[:0]
	for i, v := range values {
		if i == 0 || v != values[i-1] {
			out = append(out, v)
		}
	}
	return out
}
