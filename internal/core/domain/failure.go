package domain

import "time"

type FailureCategory string

const (
	CategoryLinting        FailureCategory = "linting"
	CategoryFormatting     FailureCategory = "formatting"
	CategoryTesting        FailureCategory = "testing"
	CategoryBuild          FailureCategory = "build"
	CategoryDeployment     FailureCategory = "deployment"
	CategoryDependency     FailureCategory = "dependency"
	CategoryTimeout        FailureCategory = "timeout"
	CategoryInfrastructure FailureCategory = "infrastructure"
	CategoryUnknown        FailureCategory = "unknown"
)

type FailureSeverity string

const (
	SeverityLow      FailureSeverity = "low"
	SeverityMedium   FailureSeverity = "medium"
	SeverityHigh     FailureSeverity = "high"
	SeverityCritical FailureSeverity = "critical"
)

var severityRank = map[FailureSeverity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordering of a severity (low < medium < high < critical).
func (s FailureSeverity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is equal to or more severe than other.
func (s FailureSeverity) AtLeast(other FailureSeverity) bool {
	return s.Rank() >= other.Rank()
}

// Escalate returns the severity one level above s, capped at critical.
func (s FailureSeverity) Escalate() FailureSeverity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

type ResolutionStatus string

const (
	ResolutionOpen       ResolutionStatus = "open"
	ResolutionRecovering ResolutionStatus = "recovering"
	ResolutionResolved   ResolutionStatus = "resolved"
	ResolutionAbandoned  ResolutionStatus = "abandoned"
)

// PipelineFailure represents one failed job or step within a run.
// Failures are never deleted, only marked resolved or abandoned.
type PipelineFailure struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id"`
	Repository string           `json:"repository"`
	Branch     string           `json:"branch"`
	CommitSHA  string           `json:"commit_sha"`
	JobName    string           `json:"job_name"`
	StepName   string           `json:"step_name"`
	Message    string           `json:"message"`
	Category   FailureCategory  `json:"category"`
	Severity   FailureSeverity  `json:"severity"`
	RetryCount int              `json:"retry_count"`
	Resolution ResolutionStatus `json:"resolution"`
	DetectedAt time.Time        `json:"detected_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}
