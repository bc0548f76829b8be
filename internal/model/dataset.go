// Package model defines the data set versioning domain types shared by the
// ingestion pipeline, the mapping engine and the query layer.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DataSetStatus is the lifecycle status of a logical data set.
type DataSetStatus string

const (
	DataSetStatusDraft     DataSetStatus = "Draft"
	DataSetStatusPublished DataSetStatus = "Published"
	DataSetStatusWithdrawn DataSetStatus = "Withdrawn"
)

// VersionStatus is the lifecycle status of a single data set version.
type VersionStatus string

const (
	VersionStatusProcessing VersionStatus = "Processing"
	VersionStatusDraft      VersionStatus = "Draft"
	VersionStatusPublished  VersionStatus = "Published"
	VersionStatusDeprecated VersionStatus = "Deprecated"
	VersionStatusWithdrawn  VersionStatus = "Withdrawn"
)

// ParseVersionStatus parses a string into a VersionStatus.
func ParseVersionStatus(s string) (VersionStatus, error) {
	switch VersionStatus(s) {
	case VersionStatusProcessing, VersionStatusDraft, VersionStatusPublished,
		VersionStatusDeprecated, VersionStatusWithdrawn:
		return VersionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown version status %q", s)
	}
}

// PrePublication reports whether the version still lives in the data set's
// draft folder. Once published a version owns a permanent versioned folder.
func (s VersionStatus) PrePublication() bool {
	return s == VersionStatusProcessing || s == VersionStatusDraft
}

// Version is a user-visible semantic version. Only major and minor are
// exposed; internal re-processing of the same version is tracked by
// DataSetVersion.Run instead of a patch component.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// BumpMajor returns the next breaking version (minor resets to zero).
func (v Version) BumpMajor() Version {
	return Version{Major: v.Major + 1}
}

// BumpMinor returns the next additive version.
func (v Version) BumpMinor() Version {
	return Version{Major: v.Major, Minor: v.Minor + 1}
}

// ParseVersion parses "major.minor" into a Version.
func ParseVersion(s string) (Version, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("invalid version %q: want major.minor", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("invalid major in version %q", s)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Version{}, fmt.Errorf("invalid minor in version %q", s)
	}
	if major < 0 || minor < 0 {
		return Version{}, fmt.Errorf("invalid version %q: negative component", s)
	}
	return Version{Major: major, Minor: minor}, nil
}

// DataSet is a logical, publication-scoped named data source.
type DataSet struct {
	ID     string
	Title  string
	Status DataSetStatus

	// LatestDraftVersionID points to the single in-flight draft version, if
	// any. At most one version per data set may be Draft/Processing at once.
	LatestDraftVersionID string
	// LatestLiveVersionID points to the version currently served as latest.
	LatestLiveVersionID string

	Created time.Time
	Updated time.Time
}

// DataSetVersion is one immutable snapshot of a data set's schema and data.
type DataSetVersion struct {
	ID        string
	DataSetID string

	Version Version
	// Run counts re-processing attempts of the same draft version. It never
	// appears in the public version number.
	Run int

	Status VersionStatus
	Stage  ImportStage

	// ReplacesID is the version this one supersedes once published.
	ReplacesID string
	// MappedFromID is the immediate predecessor used for schema diffing.
	MappedFromID string

	Created   time.Time
	Published time.Time
}
