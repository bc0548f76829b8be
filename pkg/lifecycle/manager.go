// Package lifecycle moves data set versions through publication. Publishing
// migrates the draft folder into a permanent versioned folder and flips the
// registry pointers; deprecating the replaced version is a separate,
// independently retryable step.
package lifecycle

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/errs"
	"github.com/statflow/statflow/pkg/paths"
	"github.com/statflow/statflow/pkg/registry"
	"github.com/statflow/statflow/pkg/storage"
	"github.com/statflow/statflow/pkg/telemetry"
)

// Manager drives version lifecycle transitions.
type Manager struct {
	reg      *registry.Registry
	resolver *paths.Resolver
	store    storage.ObjectStorage
	log      logrus.FieldLogger
	metrics  *telemetry.Telemetry
}

// NewManager creates a lifecycle manager.
func NewManager(reg *registry.Registry, resolver *paths.Resolver, store storage.ObjectStorage, log logrus.FieldLogger, metrics *telemetry.Telemetry) *Manager {
	return &Manager{reg: reg, resolver: resolver, store: store, log: log, metrics: metrics}
}

// Publish promotes a Draft version to Published. The draft folder's table
// files are copied into the permanent versioned folder, the draft folder is
// removed, and the registry is updated last so a crash mid-migration leaves
// the version Draft and the operation retryable. Requires a resolved
// mapping workflow and a decided version number.
func (m *Manager) Publish(ctx context.Context, versionID string) error {
	ctx, span := m.metrics.StartSpan(ctx, "statflow.lifecycle.publish")
	defer span.End()

	v, err := m.reg.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.Status != model.VersionStatusDraft {
		return errs.Validationf(versionID, "only Draft versions can be published, version is %s", v.Status)
	}
	if !v.Stage.Done() {
		return errs.Validationf(versionID, "import is still at stage %s", v.Stage)
	}
	state, err := m.reg.GetMappingState(ctx, versionID)
	if err != nil {
		return err
	}
	if state != model.MappingStateResolved {
		return errs.Validationf(versionID, "mapping workflow is %s, must be resolved before publishing", state)
	}
	if v.Version.Major == 0 && v.Version.Minor == 0 {
		return errs.Inconsistencyf(versionID, "version number was never decided")
	}

	draftDir := m.resolver.DraftDir(v.DataSetID)
	versionDir := m.resolver.VersionDir(v.DataSetID, v.Version)

	// A versioned folder with a lingering draft folder means a previous
	// publish crashed between migration and registry update; resuming is
	// safe because table files are immutable once exported.
	versionExists, err := m.store.ExistsPrefix(ctx, versionDir)
	if err != nil {
		return errs.Transient(err, "checking versioned folder %s", versionDir)
	}
	if !versionExists {
		if err := m.migrate(ctx, v, draftDir, versionDir); err != nil {
			return err
		}
	}
	if err := m.store.DeletePrefix(ctx, draftDir); err != nil {
		return errs.Transient(err, "removing draft folder %s", draftDir)
	}

	if err := m.reg.MarkPublished(ctx, versionID, time.Now().UTC()); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"data_set": v.DataSetID,
		"version":  versionID,
		"number":   v.Version,
	}).Info("version published")
	return nil
}

// migrate copies every table file from the draft folder into the versioned
// folder. Missing files fail the publish; the working database file is
// deliberately not carried over.
func (m *Manager) migrate(ctx context.Context, v *model.DataSetVersion, draftDir, versionDir string) error {
	for _, file := range paths.TableFiles {
		src := path.Join(draftDir, file)
		ok, err := m.store.Exists(ctx, src)
		if err != nil {
			return errs.Transient(err, "checking %s", src)
		}
		if !ok {
			return errs.Inconsistencyf(src, "draft folder of version %s is missing %s", v.ID, file)
		}
		if err := m.store.Copy(ctx, src, path.Join(versionDir, file)); err != nil {
			return errs.Transient(err, "copying %s", file)
		}
	}
	return nil
}

// DeprecateReplaced marks the version this one replaced as Deprecated. Kept
// out of Publish's registry transaction so a failure here never rolls back
// a successful publication; callers retry until it sticks.
func (m *Manager) DeprecateReplaced(ctx context.Context, versionID string) error {
	v, err := m.reg.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.ReplacesID == "" {
		return nil
	}
	err = m.reg.TransitionStatus(ctx, v.ReplacesID,
		model.VersionStatusPublished, model.VersionStatusDeprecated)
	if errors.Is(err, registry.ErrStatusConflict) {
		// Already deprecated (or withdrawn) by an earlier retry.
		prev, gerr := m.reg.GetVersion(ctx, v.ReplacesID)
		if gerr == nil && prev.Status != model.VersionStatusPublished {
			return nil
		}
	}
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"version":  versionID,
		"replaces": v.ReplacesID,
	}).Info("replaced version deprecated")
	return nil
}

// Withdraw takes a published version out of service. Its versioned folder
// is kept; withdrawal is a registry-only transition so it can be reversed
// by an operator without re-ingesting.
func (m *Manager) Withdraw(ctx context.Context, versionID string) error {
	v, err := m.reg.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	switch v.Status {
	case model.VersionStatusPublished, model.VersionStatusDeprecated:
	default:
		return errs.Validationf(versionID, "only published or deprecated versions can be withdrawn, version is %s", v.Status)
	}
	if err := m.reg.TransitionStatus(ctx, versionID, v.Status, model.VersionStatusWithdrawn); err != nil {
		return err
	}

	ds, err := m.reg.GetDataSet(ctx, v.DataSetID)
	if err != nil {
		return err
	}
	if ds.LatestLiveVersionID == versionID {
		m.log.WithField("data_set", v.DataSetID).Warn("withdrew the latest live version; data set has no live version")
	}
	m.log.WithFields(logrus.Fields{
		"data_set": v.DataSetID,
		"version":  versionID,
	}).Info("version withdrawn")
	return nil
}

// DiscardDraft deletes an in-flight draft version and its draft folder.
func (m *Manager) DiscardDraft(ctx context.Context, versionID string) error {
	v, err := m.reg.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if !v.Status.PrePublication() {
		return errs.Validationf(versionID, "version %s is %s, not a discardable draft", versionID, v.Status)
	}
	if err := m.store.DeletePrefix(ctx, m.resolver.DraftDir(v.DataSetID)); err != nil {
		return errs.Transient(err, "removing draft folder")
	}
	if err := m.reg.TransitionStatus(ctx, versionID, v.Status, model.VersionStatusWithdrawn); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"data_set": v.DataSetID,
		"version":  versionID,
	}).Info("draft discarded")
	return nil
}
