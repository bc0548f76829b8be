package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
)

// Discriminator keys of a criteria node.
var nodeKeys = []string{"and", "or", "not", "facets"}

// Decode parses a criteria document. Errors name the offending node by its
// path, e.g. "$.and[2].not".
func Decode(data []byte) (Node, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.Validationf("$", "invalid criteria document: %v", err)
	}
	return decodeNode(raw, "$")
}

func decodeNode(raw json.RawMessage, path string) (Node, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errs.Validationf(path, "criteria node must be an object: %v", err)
	}

	var present []string
	for _, key := range nodeKeys {
		if _, ok := obj[key]; ok {
			present = append(present, key)
		}
	}
	if len(present) != 1 {
		if len(present) == 0 {
			return nil, errs.Validationf(path,
				"criteria node must have exactly one of %s", strings.Join(nodeKeys, ", "))
		}
		return nil, errs.Validationf(path,
			"criteria node has conflicting keys %s; exactly one is allowed", strings.Join(present, ", "))
	}
	for key := range obj {
		if !isNodeKey(key) {
			return nil, errs.Validationf(path, "unknown criteria key %q", key)
		}
	}

	key := present[0]
	switch key {
	case "and", "or":
		var children []json.RawMessage
		if err := json.Unmarshal(obj[key], &children); err != nil {
			return nil, errs.Validationf(path, "%q must be a list of nodes: %v", key, err)
		}
		if len(children) == 0 {
			return nil, errs.Validationf(path, "%q must contain at least one node", key)
		}
		nodes := make([]Node, 0, len(children))
		for i, child := range children {
			node, err := decodeNode(child, fmt.Sprintf("%s.%s[%d]", path, key, i))
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
		if key == "and" {
			return AndNode{Children: nodes}, nil
		}
		return OrNode{Children: nodes}, nil

	case "not":
		child, err := decodeNode(obj["not"], path+".not")
		if err != nil {
			return nil, err
		}
		return NotNode{Child: child}, nil

	default: // facets
		facets, err := decodeFacets(obj["facets"], path+".facets")
		if err != nil {
			return nil, err
		}
		return FacetsNode{Facets: facets}, nil
	}
}

func isNodeKey(key string) bool {
	for _, k := range nodeKeys {
		if k == key {
			return true
		}
	}
	return false
}

func decodeFacets(raw json.RawMessage, path string) (Facets, error) {
	var body struct {
		GeographicLevels []string          `json:"geographicLevels"`
		Locations        []json.RawMessage `json:"locations"`
		TimePeriods      []TimePeriodRef   `json:"timePeriods"`
		Filters          []string          `json:"filters"`
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return Facets{}, errs.Validationf(path, "invalid facets object: %v", err)
	}

	var f Facets
	for i, s := range body.GeographicLevels {
		level, err := model.ParseGeographicLevel(s)
		if err != nil {
			return Facets{}, errs.Validationf(fmt.Sprintf("%s.geographicLevels[%d]", path, i), "%v", err)
		}
		f.GeographicLevels = append(f.GeographicLevels, level)
	}
	for i, raw := range body.Locations {
		ref, err := decodeLocationRef(raw, fmt.Sprintf("%s.locations[%d]", path, i))
		if err != nil {
			return Facets{}, err
		}
		f.Locations = append(f.Locations, ref)
	}
	for i, tp := range body.TimePeriods {
		if tp.Period == "" || tp.Identifier == "" {
			return Facets{}, errs.Validationf(fmt.Sprintf("%s.timePeriods[%d]", path, i),
				"time period requires both period and identifier")
		}
	}
	f.TimePeriods = body.TimePeriods
	f.Filters = body.Filters

	if f.Empty() {
		return Facets{}, errs.Validationf(path, "facets object constrains nothing")
	}
	return f, nil
}

// decodeLocationRef resolves a location reference's shape from which fields
// are present: an explicit public id wins; then a level-specific compound
// code; then a generic code; then an old code. A field set matching none of
// these shapes is a parse error naming the fields seen.
func decodeLocationRef(raw json.RawMessage, path string) (LocationRef, error) {
	var body struct {
		ID      string `json:"id"`
		Level   string `json:"level"`
		Code    string `json:"code"`
		OldCode string `json:"oldCode"`
		LaEstab string `json:"laEstab"`
		Ukprn   string `json:"ukprn"`
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return LocationRef{}, errs.Validationf(path, "invalid location reference: %v", err)
	}

	if body.ID != "" {
		return LocationRef{Shape: ShapeID, ID: body.ID}, nil
	}

	var level model.GeographicLevel
	if body.Level != "" {
		var err error
		level, err = model.ParseGeographicLevel(body.Level)
		if err != nil {
			return LocationRef{}, errs.Validationf(path, "%v", err)
		}
	}

	switch {
	case body.LaEstab != "":
		if level != "" && level != model.LevelSchool {
			return LocationRef{}, errs.Validationf(path, "laEstab requires level %q, got %q", model.LevelSchool, level)
		}
		return LocationRef{Shape: ShapeCompound, Key: model.LocationKey{
			Level: model.LevelSchool, Kind: model.KeyKindLaEstab, Value: body.LaEstab}}, nil
	case body.Ukprn != "":
		if level != "" && level != model.LevelProvider {
			return LocationRef{}, errs.Validationf(path, "ukprn requires level %q, got %q", model.LevelProvider, level)
		}
		return LocationRef{Shape: ShapeCompound, Key: model.LocationKey{
			Level: model.LevelProvider, Kind: model.KeyKindUkprn, Value: body.Ukprn}}, nil
	case body.Code != "":
		if level == "" {
			return LocationRef{}, errs.Validationf(path, "code requires an explicit level")
		}
		return LocationRef{Shape: ShapeCode, Key: model.LocationKey{
			Level: level, Kind: model.KeyKindCode, Value: body.Code}}, nil
	case body.OldCode != "":
		if level == "" {
			return LocationRef{}, errs.Validationf(path, "oldCode requires an explicit level")
		}
		return LocationRef{Shape: ShapeOldCode, Key: model.LocationKey{
			Level: level, Kind: model.KeyKindOldCode, Value: body.OldCode}}, nil
	}

	return LocationRef{}, errs.Validationf(path,
		"location reference matches no known shape (fields: %s)", presentFields(raw))
}

func presentFields(raw json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj) == 0 {
		return "none"
	}
	fields := make([]string, 0, len(obj))
	for k := range obj {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return strings.Join(fields, ", ")
}
