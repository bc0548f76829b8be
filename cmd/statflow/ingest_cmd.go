package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/ingest"
	"github.com/statflow/statflow/pkg/mapping"
	"github.com/statflow/statflow/pkg/tui"
)

var (
	ingestDataSet string
	ingestTitle   string
	ingestData    string
	ingestMeta    string
	ingestResume  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a data and metadata file pair as a new data set version",
	Long: `Ingest runs the staged import pipeline over a CSV (or XLSX) data file
and its CSV metadata file.

Without --dataset a new data set is created and the import becomes its
version 1.0. With --dataset a new candidate version is created, mapped
against the data set's latest published version; its version number is
decided by the mapping workflow.

A failed or cancelled import is resumable: re-run with --resume and the
version id to continue from the last completed stage.

Examples:
  statflow ingest --title "Absence rates" --data absence.csv --meta absence.meta.csv
  statflow ingest --dataset 4f1c... --data absence_2025.csv --meta absence_2025.meta.csv
  statflow ingest --resume 9ab2... --data absence.csv --meta absence.meta.csv`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDataSet, "dataset", "", "existing data set id (omit to create a new data set)")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "title for a newly created data set")
	ingestCmd.Flags().StringVar(&ingestData, "data", "", "data file (.csv or .xlsx)")
	ingestCmd.Flags().StringVar(&ingestMeta, "meta", "", "metadata file (.csv)")
	ingestCmd.Flags().StringVar(&ingestResume, "resume", "", "version id of a failed import to resume")
	ingestCmd.MarkFlagRequired("data")
	ingestCmd.MarkFlagRequired("meta")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	fmt.Print(tui.Header(version))

	versionID := ingestResume
	if versionID == "" {
		versionID, err = createCandidateVersion(ctx, a, ingestDataSet, ingestTitle)
		if err != nil {
			return err
		}
	}

	if err := runImport(ctx, a, versionID, ingestData, ingestMeta); err != nil {
		return err
	}

	v, err := a.reg.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	fmt.Println(tui.ImportComplete(v))

	// A candidate with a predecessor immediately enters the mapping
	// workflow so pending decisions are visible right away.
	if v.MappedFromID != "" {
		mapper := mapping.NewEngine(a.reg, a.resolver, a.store, a.log)
		plan, err := mapper.Start(ctx, versionID)
		if err != nil {
			return err
		}
		fmt.Println(tui.MappingPlan(plan))
	}
	return nil
}

// createCandidateVersion registers the data set (when new) and its next
// Processing version. The first version of a data set is 1.0; later
// versions start unnumbered until mapping resolution decides the bump.
func createCandidateVersion(ctx context.Context, a *app, dataSetID, title string) (string, error) {
	now := time.Now().UTC()

	var predecessorID string
	if dataSetID == "" {
		if title == "" {
			return "", fmt.Errorf("--title is required when creating a new data set")
		}
		dataSetID = uuid.NewString()
		if err := a.reg.CreateDataSet(ctx, &model.DataSet{
			ID:      dataSetID,
			Title:   title,
			Status:  model.DataSetStatusDraft,
			Created: now,
			Updated: now,
		}); err != nil {
			return "", err
		}
		fmt.Printf("  created data set %s\n", dataSetID)
	} else {
		ds, err := a.reg.GetDataSet(ctx, dataSetID)
		if err != nil {
			return "", err
		}
		predecessorID = ds.LatestLiveVersionID
	}

	v := &model.DataSetVersion{
		ID:           uuid.NewString(),
		DataSetID:    dataSetID,
		Status:       model.VersionStatusProcessing,
		Stage:        model.StagePending,
		ReplacesID:   predecessorID,
		MappedFromID: predecessorID,
		Created:      now,
	}
	if predecessorID == "" {
		v.Version = model.Version{Major: 1, Minor: 0}
	}
	if err := a.reg.CreateVersion(ctx, v); err != nil {
		return "", err
	}
	fmt.Printf("  created version %s\n", v.ID)
	return v.ID, nil
}

// runImport executes the pipeline with a stage progress bar, holding the
// distributed lease when one is configured.
func runImport(ctx context.Context, a *app, versionID, dataPath, metaPath string) error {
	if a.lease != nil {
		release, ok, err := a.lease.Acquire(ctx, versionID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("another worker is importing version %s", versionID)
		}
		defer release(context.Background())
	}

	if strings.HasSuffix(strings.ToLower(dataPath), ".xlsx") {
		converted, err := ingest.ConvertXLSX(dataPath)
		if err != nil {
			return err
		}
		defer os.Remove(converted)
		dataPath = converted
	}

	bar := progressbar.NewOptions(1,
		progressbar.OptionSetDescription("importing"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	pipeline := ingest.NewPipeline(a.reg, a.resolver, a.store, a.workRoot, a.log, a.metrics)
	pipeline.OnStage = func(stage model.ImportStage, index, total int) {
		bar.ChangeMax(total)
		bar.Set(index)
		bar.Describe(stage.String())
	}

	err := pipeline.Run(ctx, versionID, ingest.Input{
		DataPath:     dataPath,
		MetadataPath: metaPath,
	})
	bar.Finish()
	if err != nil {
		fmt.Println(tui.Errorf("import failed: %v", err))
		return err
	}
	return nil
}
