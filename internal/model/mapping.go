package model

// MappingState is the per-candidate-version state of the mapping workflow.
type MappingState string

const (
	MappingStateNotStarted MappingState = "NotStarted"
	MappingStatePending    MappingState = "PendingManualMapping"
	MappingStateResolved   MappingState = "Resolved"
)

// MappingKind names which metadata family a mapping candidate belongs to.
type MappingKind string

const (
	MappingKindLocation     MappingKind = "location"
	MappingKindFilterOption MappingKind = "filter_option"
)

// MappingType is the confidence classification of a mapping candidate.
type MappingType string

const (
	// MappingTypePending means no decision has been made yet.
	MappingTypePending MappingType = "Pending"
	// MappingTypeAutoMapped means the natural keys matched exactly; the
	// public id is carried forward without operator involvement.
	MappingTypeAutoMapped MappingType = "AutoMapped"
	// MappingTypeManualNone records an operator decision that an unused
	// predecessor option has no successor (non-breaking removal).
	MappingTypeManualNone MappingType = "ManualNone"
	// MappingTypeManualMinor records an operator-confirmed mapping to a
	// next-version option (non-breaking).
	MappingTypeManualMinor MappingType = "ManualMinor"
	// MappingTypeManualMajor records the removal of a predecessor option
	// that data rows reference (breaking).
	MappingTypeManualMajor MappingType = "ManualMajor"
)

// VersionImpact is the outcome of mapping resolution for version numbering.
type VersionImpact string

const (
	ImpactMinor VersionImpact = "Minor"
	ImpactMajor VersionImpact = "Major"
)

// MappingCandidate pairs a predecessor option with its prospective successor
// in the next version. Candidates exist only for the duration of the mapping
// workflow; once resolved they are baked into the version number and dropped.
type MappingCandidate struct {
	VersionID string      `json:"versionId"`
	Kind      MappingKind `json:"kind"`

	// SourceKey is the predecessor option's natural key.
	SourceKey      string `json:"sourceKey"`
	SourcePublicID string `json:"sourcePublicId"`
	SourceLabel    string `json:"sourceLabel"`

	// InUse is true when at least one predecessor data row references the
	// option. Removing an in-use option is a breaking change.
	InUse bool `json:"inUse"`

	// Ambiguous is true when multiple next-version options are equally
	// plausible targets. Ambiguous candidates are never auto-resolved.
	Ambiguous bool `json:"ambiguous"`

	// SuggestedKeys lists fuzzy-match targets in the next version, most
	// plausible first.
	SuggestedKeys []string `json:"suggestedKeys,omitempty"`

	Type MappingType `json:"type"`
	// TargetKey is the resolved next-version natural key, empty when the
	// option maps to nothing.
	TargetKey string `json:"targetKey,omitempty"`
}

// Resolved reports whether a decision exists for the candidate.
func (c MappingCandidate) Resolved() bool {
	return c.Type != MappingTypePending
}

// Breaking reports whether the resolved candidate forces a major version.
func (c MappingCandidate) Breaking() bool {
	return c.Type == MappingTypeManualMajor
}

// MappingDecision is one operator-submitted decision in a batch update.
type MappingDecision struct {
	Kind      MappingKind `json:"kind"`
	SourceKey string      `json:"sourceKey"`
	// TargetKey maps the option to a next-version option; empty means
	// "no mapping" (the option is removed).
	TargetKey string `json:"targetKey"`
}
