package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
	"github.com/statflow/statflow/pkg/paths"
	"github.com/statflow/statflow/pkg/registry"
	"github.com/statflow/statflow/pkg/storage"
)

// Engine owns the mapping workflow between a version and its predecessor.
type Engine struct {
	reg      *registry.Registry
	resolver *paths.Resolver
	store    storage.ObjectStorage
	log      logrus.FieldLogger
}

// NewEngine creates a mapping engine.
func NewEngine(reg *registry.Registry, resolver *paths.Resolver, store storage.ObjectStorage, log logrus.FieldLogger) *Engine {
	return &Engine{reg: reg, resolver: resolver, store: store, log: log}
}

// Plan is the outcome of starting the mapping workflow.
type Plan struct {
	State model.MappingState `json:"state"`
	// Candidates pairs every predecessor option with its prospective
	// successor, auto-resolved where the natural keys match exactly.
	Candidates []model.MappingCandidate `json:"candidates"`
	// NewLocations and NewOptions list next-version options with no
	// predecessor counterpart ("newly added"). Informational only.
	NewLocations []string `json:"newLocations,omitempty"`
	NewOptions   []string `json:"newOptions,omitempty"`
}

// Pending counts candidates still awaiting a manual decision.
func (p *Plan) Pending() int {
	n := 0
	for _, c := range p.Candidates {
		if !c.Resolved() {
			n++
		}
	}
	return n
}

// Start diffs the predecessor's metadata against the candidate next
// version, auto-resolves exact natural-key matches and persists the rest
// for manual resolution. Versions with no predecessor resolve immediately
// as an initial (major-zero) version.
func (e *Engine) Start(ctx context.Context, versionID string) (*Plan, error) {
	next, err := e.reg.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if next.Status != model.VersionStatusDraft {
		return nil, errs.Validationf(versionID, "mapping requires a completed draft import, version is %s", next.Status)
	}
	if next.MappedFromID == "" {
		if err := e.reg.SetMappingState(ctx, versionID, model.MappingStateResolved); err != nil {
			return nil, err
		}
		return &Plan{State: model.MappingStateResolved}, nil
	}

	prev, err := e.reg.GetVersion(ctx, next.MappedFromID)
	if err != nil {
		return nil, err
	}

	prevMeta, err := loadVersionMeta(ctx, e.store, e.resolver.Directory(prev))
	if err != nil {
		return nil, fmt.Errorf("loading predecessor metadata: %w", err)
	}
	nextMeta, err := loadVersionMeta(ctx, e.store, e.resolver.Directory(next))
	if err != nil {
		return nil, fmt.Errorf("loading candidate metadata: %w", err)
	}

	plan := &Plan{}
	e.diffLocations(versionID, prevMeta, nextMeta, plan)
	e.diffOptions(versionID, prevMeta, nextMeta, plan)

	state := model.MappingStateResolved
	if plan.Pending() > 0 {
		state = model.MappingStatePending
	}
	plan.State = state

	if err := e.reg.ReplaceMappingCandidates(ctx, versionID, plan.Candidates); err != nil {
		return nil, err
	}
	if err := e.reg.SetMappingState(ctx, versionID, state); err != nil {
		return nil, err
	}

	if state == model.MappingStateResolved {
		if err := e.finalize(ctx, next, prev, plan.Candidates); err != nil {
			return nil, err
		}
	}

	e.log.WithFields(logrus.Fields{
		"version":    versionID,
		"state":      state,
		"candidates": len(plan.Candidates),
		"pending":    plan.Pending(),
	}).Info("mapping workflow started")
	return plan, nil
}

// diffLocations builds location candidates. An exact natural-key match is
// auto-mapped. A single unmatched same-level option with the same name is
// offered as a suggestion; several equally-plausible ones mark the
// candidate ambiguous, which is never auto-resolved.
func (e *Engine) diffLocations(versionID string, prev, next *versionMeta, plan *Plan) {
	matched := make(map[model.LocationKey]bool)

	type pending struct {
		cand model.MappingCandidate
		loc  model.Location
	}
	var unresolved []pending

	for _, loc := range prev.locations {
		key, err := loc.Key()
		if err != nil {
			continue
		}
		cand := model.MappingCandidate{
			VersionID:      versionID,
			Kind:           model.MappingKindLocation,
			SourceKey:      key.String(),
			SourcePublicID: loc.PublicID,
			SourceLabel:    loc.Attrs.Name,
			InUse:          prev.usedLocations[loc.ID],
			Type:           model.MappingTypePending,
		}
		if _, ok := next.locationKeys[key]; ok {
			cand.Type = model.MappingTypeAutoMapped
			cand.TargetKey = key.String()
			matched[key] = true
			plan.Candidates = append(plan.Candidates, cand)
			continue
		}
		unresolved = append(unresolved, pending{cand: cand, loc: loc})
	}

	// Fuzzy pass runs after all exact matches are known so an option that
	// exactly matched one predecessor is never suggested for another.
	for _, p := range unresolved {
		cand := p.cand
		for _, nl := range next.locations {
			nk, err := nl.Key()
			if err != nil || matched[nk] {
				continue
			}
			if nl.Level == p.loc.Level && sameName(nl.Attrs.Name, p.loc.Attrs.Name) {
				cand.SuggestedKeys = append(cand.SuggestedKeys, nk.String())
			}
		}
		cand.Ambiguous = len(cand.SuggestedKeys) > 1
		plan.Candidates = append(plan.Candidates, cand)
	}

	for _, nl := range next.locations {
		nk, err := nl.Key()
		if err != nil || matched[nk] {
			continue
		}
		if _, existed := prev.locationKeys[nk]; !existed {
			plan.NewLocations = append(plan.NewLocations, nk.String())
		}
	}
}

// diffOptions builds filter-option candidates using the option natural key
// (filter column plus label). The fuzzy pass matches options of the same
// filter whose labels differ only in case or surrounding whitespace.
func (e *Engine) diffOptions(versionID string, prev, next *versionMeta, plan *Plan) {
	matched := make(map[string]bool)

	type pending struct {
		cand model.MappingCandidate
		opt  model.FilterOption
	}
	var unresolved []pending

	for _, opt := range prev.options {
		key := opt.Key()
		cand := model.MappingCandidate{
			VersionID:      versionID,
			Kind:           model.MappingKindFilterOption,
			SourceKey:      key,
			SourcePublicID: opt.PublicID,
			SourceLabel:    opt.Label,
			InUse:          prev.usedOptions[opt.ID],
			Type:           model.MappingTypePending,
		}
		if _, ok := next.optionKeys[key]; ok {
			cand.Type = model.MappingTypeAutoMapped
			cand.TargetKey = key
			matched[key] = true
			plan.Candidates = append(plan.Candidates, cand)
			continue
		}
		unresolved = append(unresolved, pending{cand: cand, opt: opt})
	}

	for _, p := range unresolved {
		cand := p.cand
		for _, no := range next.options {
			if matched[no.Key()] {
				continue
			}
			if no.FilterColName == p.opt.FilterColName && sameName(no.Label, p.opt.Label) {
				cand.SuggestedKeys = append(cand.SuggestedKeys, no.Key())
			}
		}
		cand.Ambiguous = len(cand.SuggestedKeys) > 1
		plan.Candidates = append(plan.Candidates, cand)
	}

	for _, no := range next.options {
		key := no.Key()
		if matched[key] {
			continue
		}
		if _, existed := prev.optionKeys[key]; !existed {
			plan.NewOptions = append(plan.NewOptions, key)
		}
	}
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
