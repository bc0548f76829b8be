package mapping

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/engine"
	"github.com/statflow/statflow/pkg/errs"
	"github.com/statflow/statflow/pkg/paths"
	"github.com/statflow/statflow/pkg/storage"
)

// Outcome reports the result of applying a batch of mapping decisions.
type Outcome struct {
	State model.MappingState `json:"state"`
	// Impact is only meaningful once State is Resolved.
	Impact  model.VersionImpact `json:"impact,omitempty"`
	Version model.Version       `json:"version"`
	// Unresolved lists the source keys still awaiting a decision.
	Unresolved []string `json:"unresolved,omitempty"`
}

// ApplyBatch validates and applies a batch of operator decisions. The batch
// is all-or-nothing: if any decision is invalid, or any candidate the batch
// should have covered is left unresolved, nothing is persisted. Once every
// candidate is resolved the version number is decided and public ids are
// carried forward into the candidate version's metadata.
func (e *Engine) ApplyBatch(ctx context.Context, versionID string, decisions []model.MappingDecision) (*Outcome, error) {
	state, err := e.reg.GetMappingState(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if state != model.MappingStatePending {
		return nil, errs.Validationf(versionID, "mapping workflow is %s, decisions not accepted", state)
	}

	next, err := e.reg.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	prev, err := e.reg.GetVersion(ctx, next.MappedFromID)
	if err != nil {
		return nil, err
	}

	cands, err := e.reg.GetMappingCandidates(ctx, versionID)
	if err != nil {
		return nil, err
	}

	nextMeta, err := loadVersionMeta(ctx, e.store, e.resolver.Directory(next))
	if err != nil {
		return nil, fmt.Errorf("loading candidate metadata: %w", err)
	}

	unresolved, err := applyDecisions(cands, decisions, nextMeta)
	if err != nil {
		return nil, err
	}

	state = model.MappingStateResolved
	if len(unresolved) > 0 {
		state = model.MappingStatePending
	}
	if err := e.reg.ResolveMappings(ctx, versionID, cands, state); err != nil {
		return nil, err
	}

	out := &Outcome{State: state, Unresolved: unresolved}
	if state != model.MappingStateResolved {
		e.log.WithFields(logrus.Fields{
			"version":    versionID,
			"decisions":  len(decisions),
			"unresolved": len(unresolved),
		}).Info("mapping batch applied, decisions still outstanding")
		return out, nil
	}

	if err := e.finalize(ctx, next, prev, cands); err != nil {
		return nil, err
	}
	out.Impact = impactOf(cands)
	out.Version = nextNumber(prev.Version, out.Impact)
	e.log.WithFields(logrus.Fields{
		"version": versionID,
		"impact":  out.Impact,
		"number":  out.Version,
	}).Info("mapping workflow resolved")
	return out, nil
}

// applyDecisions classifies each decision onto its candidate and reports
// the source keys still pending afterwards. Ambiguous candidates have no
// safe partial outcome: a batch leaving any of them pending is rejected
// whole, so none of its decisions reach the registry.
func applyDecisions(cands []model.MappingCandidate, decisions []model.MappingDecision, next *versionMeta) ([]string, error) {
	byKey := make(map[string]*model.MappingCandidate, len(cands))
	for i := range cands {
		byKey[candidateID(cands[i].Kind, cands[i].SourceKey)] = &cands[i]
	}

	for _, d := range decisions {
		cand, ok := byKey[candidateID(d.Kind, d.SourceKey)]
		if !ok {
			return nil, errs.Validationf(d.SourceKey, "no %s mapping candidate with this key", d.Kind)
		}
		if err := classify(cand, d, next); err != nil {
			return nil, err
		}
	}

	var unresolved, ambiguous []string
	for _, c := range cands {
		if c.Resolved() {
			continue
		}
		key := string(c.Kind) + "/" + c.SourceKey
		unresolved = append(unresolved, key)
		if c.Ambiguous {
			ambiguous = append(ambiguous, key)
		}
	}
	if len(ambiguous) > 0 {
		return nil, errs.Validationf(strings.Join(ambiguous, ", "),
			"ambiguous candidates must be resolved before any decision in the batch is accepted")
	}
	return unresolved, nil
}

// classify turns one operator decision into a candidate resolution. A
// decision with a target key is a manual minor mapping; without one the
// option is removed, which is major when predecessor data rows use it.
func classify(cand *model.MappingCandidate, d model.MappingDecision, next *versionMeta) error {
	if cand.Type == model.MappingTypeAutoMapped {
		if d.TargetKey == cand.TargetKey {
			// Confirming the auto-resolution is a no-op.
			return nil
		}
		return errs.Validationf(d.SourceKey, "candidate was auto-mapped to %q and cannot be overridden", cand.TargetKey)
	}
	if d.TargetKey == "" {
		if cand.InUse {
			cand.Type = model.MappingTypeManualMajor
		} else {
			cand.Type = model.MappingTypeManualNone
		}
		cand.TargetKey = ""
		return nil
	}

	switch d.Kind {
	case model.MappingKindLocation:
		key, err := model.ParseLocationKey(d.TargetKey)
		if err != nil {
			return errs.Validationf(d.SourceKey, "invalid target key: %v", err)
		}
		if _, ok := next.locationKeys[key]; !ok {
			return errs.Validationf(d.SourceKey, "target location %q does not exist in the new version", d.TargetKey)
		}
	case model.MappingKindFilterOption:
		if _, ok := next.optionKeys[d.TargetKey]; !ok {
			return errs.Validationf(d.SourceKey, "target filter option %q does not exist in the new version", d.TargetKey)
		}
	default:
		return errs.Validationf(d.SourceKey, "unknown mapping kind %q", d.Kind)
	}

	cand.Type = model.MappingTypeManualMinor
	cand.TargetKey = d.TargetKey
	return nil
}

// finalize bakes a fully-resolved candidate set into the version: it decides
// the semantic version number, rewrites the new version's public ids so
// mapped options keep their predecessor identity, and discards the
// candidate rows.
func (e *Engine) finalize(ctx context.Context, next, prev *model.DataSetVersion, cands []model.MappingCandidate) error {
	impact := impactOf(cands)
	number := nextNumber(prev.Version, impact)
	if err := e.reg.SetVersionNumber(ctx, next.ID, number); err != nil {
		return err
	}

	if err := e.carryForward(ctx, next, cands); err != nil {
		return fmt.Errorf("carrying public ids forward: %w", err)
	}

	return e.reg.DeleteMappingCandidates(ctx, next.ID)
}

func impactOf(cands []model.MappingCandidate) model.VersionImpact {
	for _, c := range cands {
		if c.Breaking() {
			return model.ImpactMajor
		}
	}
	return model.ImpactMinor
}

func nextNumber(prev model.Version, impact model.VersionImpact) model.Version {
	if impact == model.ImpactMajor {
		return prev.BumpMajor()
	}
	return prev.BumpMinor()
}

// carryForward rewrites the new version's locations and filter_options
// Parquet so every mapped option carries its predecessor's public id.
func (e *Engine) carryForward(ctx context.Context, next *model.DataSetVersion, cands []model.MappingCandidate) error {
	meta, err := loadVersionMeta(ctx, e.store, e.resolver.Directory(next))
	if err != nil {
		return err
	}

	locRemap := make(map[int64]string)
	optRemap := make(map[int64]string)
	for _, c := range cands {
		if c.TargetKey == "" || c.SourcePublicID == "" {
			continue
		}
		switch c.Kind {
		case model.MappingKindLocation:
			key, err := model.ParseLocationKey(c.TargetKey)
			if err != nil {
				return errs.Inconsistencyf(c.SourceKey, "stored target key is invalid: %v", err)
			}
			target, ok := meta.locationKeys[key]
			if !ok {
				return errs.Inconsistencyf(c.SourceKey, "resolved target %q vanished from the new version", c.TargetKey)
			}
			locRemap[target.ID] = c.SourcePublicID
		case model.MappingKindFilterOption:
			target, ok := meta.optionKeys[c.TargetKey]
			if !ok {
				return errs.Inconsistencyf(c.SourceKey, "resolved target %q vanished from the new version", c.TargetKey)
			}
			optRemap[target.ID] = c.SourcePublicID
		}
	}

	dir := e.resolver.Directory(next)
	if len(locRemap) > 0 {
		if err := e.rewritePublicIDs(ctx, path.Join(dir, paths.FileLocations), locRemap); err != nil {
			return err
		}
	}
	if len(optRemap) > 0 {
		if err := e.rewritePublicIDs(ctx, path.Join(dir, paths.FileFilterOptions), optRemap); err != nil {
			return err
		}
	}
	return nil
}

// rewritePublicIDs loads one Parquet table, patches public_id by surrogate
// id and writes the table back in a single replace. The rewrite goes
// through a temp file so a failure never leaves a half-written object.
func (e *Engine) rewritePublicIDs(ctx context.Context, objectPath string, remap map[int64]string) error {
	local, cleanup, err := storage.Localize(ctx, e.store, objectPath)
	if err != nil {
		return err
	}
	defer cleanup()

	session, err := engine.OpenMemory()
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE tbl AS SELECT * FROM read_parquet(%s)", engine.QuoteString(local))); err != nil {
		return err
	}
	if err := session.Exec(ctx, "CREATE TABLE remap (id BIGINT, public_id VARCHAR)"); err != nil {
		return err
	}
	for id, publicID := range remap {
		if err := session.Exec(ctx, "INSERT INTO remap VALUES (?, ?)", id, publicID); err != nil {
			return err
		}
	}
	if err := session.Exec(ctx, `
		UPDATE tbl SET public_id = remap.public_id
		FROM remap WHERE tbl.id = remap.id`); err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "statflow-rewrite-*.parquet")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := session.ExportParquet(ctx, "tbl", tmpPath); err != nil {
		return err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.store.Put(ctx, objectPath, f)
}

func candidateID(kind model.MappingKind, sourceKey string) string {
	return string(kind) + "\x00" + strings.TrimSpace(sourceKey)
}
