package model

import "fmt"

// ImportStage is a position in the ordered, restartable import pipeline.
// A stage records its completion in the registry so a failed run resumes
// from the last completed stage rather than restarting.
type ImportStage int

const (
	StagePending ImportStage = iota
	StageValidateInput
	StageRaw
	StageGeographicLevels
	StageLocations
	StageFilters
	StageIndicators
	StageTimePeriods
	StageData
	StageExport
	StageComplete
)

var stageNames = map[ImportStage]string{
	StagePending:          "pending",
	StageValidateInput:    "validate_input",
	StageRaw:              "stage_raw",
	StageGeographicLevels: "extract_geographic_levels",
	StageLocations:        "extract_locations",
	StageFilters:          "extract_filters",
	StageIndicators:       "extract_indicators",
	StageTimePeriods:      "extract_time_periods",
	StageData:             "write_data",
	StageExport:           "export_parquet",
	StageComplete:         "complete",
}

func (s ImportStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseImportStage parses a stage name as stored in the registry.
func ParseImportStage(name string) (ImportStage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return StagePending, fmt.Errorf("unknown import stage %q", name)
}

// Next returns the stage that follows s in pipeline order.
func (s ImportStage) Next() ImportStage {
	if s >= StageComplete {
		return StageComplete
	}
	return s + 1
}

// Done reports whether the pipeline has nothing left to run.
func (s ImportStage) Done() bool {
	return s == StageComplete
}
