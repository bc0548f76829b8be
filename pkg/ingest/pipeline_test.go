package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/engine"
	"github.com/statflow/statflow/pkg/paths"
	"github.com/statflow/statflow/pkg/registry"
	"github.com/statflow/statflow/pkg/storage"
)

const fixtureDataCSV = `geographic_level,time_period,time_identifier,region_code,region_name,school_type,pupil_count
region,2024/25,AY,E12000001,North East,Primary,100
region,2024/25,AY,E12000001,North East,Secondary,200
region,2024/25,AY,E12000002,North West,Primary,300
region,2023/24,AY,E12000002,North West,Secondary,400
`

const fixtureMetaCSV = `col_name,col_type,label,grouping,unit,decimal_places,filter_default
school_type,Filter,School type,,,,Total
pupil_count,Indicator,Pupil count,,,0,
`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// runImport runs the full pipeline in a fresh environment and returns the
// draft folder holding the exported tables.
func runImport(t *testing.T, dataPath, metaPath string) string {
	t.Helper()
	root := t.TempDir()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	store, err := storage.NewLocalStorage(root)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, reg.CreateDataSet(ctx, &model.DataSet{
		ID: "ds-1", Title: "Pupil absence", Status: model.DataSetStatusDraft,
		Created: time.Now().UTC(), Updated: time.Now().UTC(),
	}))
	require.NoError(t, reg.CreateVersion(ctx, &model.DataSetVersion{
		ID: "v-1", DataSetID: "ds-1", Status: model.VersionStatusProcessing,
		Stage: model.StagePending, Created: time.Now().UTC(),
	}))

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	p := NewPipeline(reg, paths.NewResolver(""), store, root, log, nil)
	require.NoError(t, p.Run(ctx, "v-1", Input{DataPath: dataPath, MetadataPath: metaPath}))

	v, err := reg.GetVersion(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusDraft, v.Status)
	assert.True(t, v.Stage.Done())
	return filepath.Join(root, "ds-1", "draft")
}

// Two imports of the same input must assign identical surrogate ids and
// produce identical table contents. Public ids are minted fresh each run
// and are excluded from the comparison.
func TestPipelineDeterministic(t *testing.T) {
	dataPath := writeFixture(t, "data.csv", fixtureDataCSV)
	metaPath := writeFixture(t, "data.meta.csv", fixtureMetaCSV)

	dirA := runImport(t, dataPath, metaPath)
	dirB := runImport(t, dataPath, metaPath)

	session, err := engine.OpenMemory()
	require.NoError(t, err)
	defer session.Close()

	tables := map[string]string{
		paths.FileLocations:        "id, level, code, old_code, laestab, ukprn, name",
		paths.FileFilters:          "id, col_name, label, grouping, filter_default",
		paths.FileFilterOptions:    "id, filter_id, filter_col, label",
		paths.FileIndicators:       "id, col_name, label, unit, decimal_places",
		paths.FileTimePeriods:      "id, period, identifier",
		paths.FileGeographicLevels: "level",
		paths.FileData:             "*",
	}
	for file, cols := range tables {
		assertSameRows(t, session, cols, filepath.Join(dirA, file), filepath.Join(dirB, file))
	}

	// First-seen order fixes the assignment within one run too.
	assert.Equal(t, []string{"E12000001", "E12000002"},
		column(t, session, filepath.Join(dirA, paths.FileLocations), "code"))
	assert.Equal(t, []string{"2024/25", "2023/24"},
		column(t, session, filepath.Join(dirA, paths.FileTimePeriods), "period"))
	assert.Equal(t, []string{"Primary", "Secondary"},
		column(t, session, filepath.Join(dirA, paths.FileFilterOptions), "label"))
}

// assertSameRows checks set equality of the projected columns, ids
// included, in both directions.
func assertSameRows(t *testing.T, session *engine.Session, cols, fileA, fileB string) {
	t.Helper()
	ctx := context.Background()
	for _, pair := range [][2]string{{fileA, fileB}, {fileB, fileA}} {
		stmt := fmt.Sprintf(
			"SELECT COUNT(*) FROM (SELECT %s FROM read_parquet(%s) EXCEPT SELECT %s FROM read_parquet(%s))",
			cols, engine.QuoteString(pair[0]), cols, engine.QuoteString(pair[1]))
		var n int64
		require.NoError(t, session.QueryRow(ctx, stmt).Scan(&n))
		assert.Zero(t, n, "%s differs between runs", filepath.Base(fileA))
	}
}

func column(t *testing.T, session *engine.Session, file, col string) []string {
	t.Helper()
	rows, err := session.Query(context.Background(), fmt.Sprintf(
		"SELECT %s FROM read_parquet(%s) ORDER BY id", engine.QuoteIdent(col), engine.QuoteString(file)))
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		out = append(out, v)
	}
	require.NoError(t, rows.Err())
	return out
}
