package ingest

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/engine"
	"github.com/statflow/statflow/pkg/paths"
	"github.com/statflow/statflow/pkg/registry"
	"github.com/statflow/statflow/pkg/storage"
	"github.com/statflow/statflow/pkg/telemetry"
)

// Input names the two submission files of a data set version.
type Input struct {
	// DataPath is the raw CSV data file. An .xlsx submission must be
	// converted with ConvertXLSX before running the pipeline.
	DataPath string
	// MetadataPath is the CSV metadata file classifying columns.
	MetadataPath string
}

// Pipeline runs the ordered import stage sequence for one version. Stage
// completion is recorded through conditional updates in the registry, so a
// failed or cancelled run resumes from the last completed stage and two
// concurrent runs of the same version cannot both make progress.
type Pipeline struct {
	reg      *registry.Registry
	resolver *paths.Resolver
	store    storage.ObjectStorage
	workRoot string
	log      logrus.FieldLogger
	metrics  *telemetry.Telemetry

	// OnStage, if set, is called after each completed stage.
	OnStage func(stage model.ImportStage, index, total int)
}

// NewPipeline creates an import pipeline. workRoot is the local directory
// holding per-version working state (the embedded engine file and Parquet
// exports before upload).
func NewPipeline(reg *registry.Registry, resolver *paths.Resolver, store storage.ObjectStorage,
	workRoot string, log logrus.FieldLogger, metrics *telemetry.Telemetry) *Pipeline {
	return &Pipeline{
		reg:      reg,
		resolver: resolver,
		store:    store,
		workRoot: workRoot,
		log:      log,
		metrics:  metrics,
	}
}

// stageCount is the number of runnable stages after Pending.
const stageCount = int(model.StageComplete - model.StagePending)

// Run executes (or resumes) the import pipeline for a version. The engine
// session is owned by this run and released on every exit path. The
// cancellation signal is checked between stages only, leaving the
// last-completed-stage marker intact so a cancelled import is resumable.
func (p *Pipeline) Run(ctx context.Context, versionID string, in Input) error {
	v, err := p.reg.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.Status != model.VersionStatusProcessing {
		return fmt.Errorf("version %s is %s, not %s", versionID, v.Status, model.VersionStatusProcessing)
	}
	if v.Stage.Done() {
		return nil
	}

	if err := p.resolver.CheckConsistency(v, func(dir string) (bool, error) {
		return p.store.ExistsPrefix(ctx, dir)
	}); err != nil {
		return err
	}

	workDir := filepath.Join(p.workRoot, v.DataSetID, "draft")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	session, err := engine.Open(filepath.Join(workDir, paths.FileDatabase))
	if err != nil {
		return err
	}
	defer session.Close()

	state := &runState{
		session:  session,
		dataPath: in.DataPath,
		metaPath: in.MetadataPath,
		workDir:  workDir,
	}

	// Resumed runs re-derive the column schema; it is deterministic for
	// identical inputs, so stages see the same classification every run.
	if v.Stage >= model.StageValidateInput {
		if err := state.stageValidateInput(ctx); err != nil {
			return err
		}
	}

	stages := map[model.ImportStage]func(context.Context) error{
		model.StageValidateInput:    state.stageValidateInput,
		model.StageRaw:              state.stageRaw,
		model.StageGeographicLevels: state.stageGeographicLevels,
		model.StageLocations:        state.stageLocations,
		model.StageFilters:          state.stageFilters,
		model.StageIndicators:       state.stageIndicators,
		model.StageTimePeriods:      state.stageTimePeriods,
		model.StageData:             state.stageData,
		model.StageExport:           state.stageExport,
	}

	log := p.log.WithFields(logrus.Fields{"version": v.ID, "data_set": v.DataSetID, "run": v.Run})

	current := v.Stage
	for !current.Done() {
		if err := ctx.Err(); err != nil {
			log.WithField("stage", current).Info("import cancelled between stages")
			return err
		}

		next := current.Next()
		start := time.Now()
		if fn, ok := stages[next]; ok {
			if err := fn(ctx); err != nil {
				log.WithField("stage", next).WithError(err).Error("import stage failed")
				return err
			}
		}

		// Recording completion is the lease handoff: a conflict means
		// another run owns the pipeline, so abort without retrying.
		if err := p.reg.AdvanceStage(ctx, v.ID, current, next); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.ObserveStage(ctx, next.String(), time.Since(start))
		}
		log.WithFields(logrus.Fields{"stage": next, "elapsed": time.Since(start)}).Info("import stage complete")

		current = next
		if p.OnStage != nil {
			p.OnStage(next, int(next), stageCount)
		}
	}

	if p.store.Scheme() != "file" {
		if err := p.upload(ctx, v, workDir); err != nil {
			return err
		}
	}

	if err := p.reg.TransitionStatus(ctx, v.ID, model.VersionStatusProcessing, model.VersionStatusDraft); err != nil {
		return err
	}
	log.Info("import complete, version is now a draft")
	return nil
}

// upload pushes exported Parquet files to remote storage. The working
// DuckDB file stays local; only exports are published.
func (p *Pipeline) upload(ctx context.Context, v *model.DataSetVersion, workDir string) error {
	dir := p.resolver.Directory(v)
	for _, file := range paths.TableFiles {
		f, err := os.Open(filepath.Join(workDir, file))
		if err != nil {
			return fmt.Errorf("opening export %s: %w", file, err)
		}
		err = p.store.Put(ctx, path.Join(dir, file), f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
