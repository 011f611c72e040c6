package domain

import "time"

type RecoveryType string

const (
	RecoveryRetry    RecoveryType = "retry"
	RecoveryResume   RecoveryType = "resume"
	RecoveryRollback RecoveryType = "rollback"
	// RecoveryAuto asks the manager to pick a strategy.
	RecoveryAuto RecoveryType = "auto"
)

type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoverySucceeded  RecoveryStatus = "succeeded"
	RecoveryFailed     RecoveryStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s RecoveryStatus) Terminal() bool {
	return s == RecoverySucceeded || s == RecoveryFailed
}

type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ProgressStep is one entry in a recovery's ordered execution log.
type ProgressStep struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// ValidationResult is the outcome of validating a checkpoint.
type ValidationResult struct {
	IsValid   bool      `json:"is_valid"`
	Stage     string    `json:"stage,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// RecoveryState records one recovery attempt for a pipeline failure.
// At most one state per failure may be in_progress at a time; terminal
// states are immutable, a manual retry creates a new state.
type RecoveryState struct {
	ID                 string            `json:"id"`
	FailureID          string            `json:"failure_id"`
	RunID              string            `json:"run_id"`
	Repository         string            `json:"repository"`
	Type               RecoveryType      `json:"type"`
	Status             RecoveryStatus    `json:"status"`
	TargetCheckpointID string            `json:"target_checkpoint_id,omitempty"`
	ProgressSteps      []ProgressStep    `json:"progress_steps"`
	CorruptionDetected bool              `json:"corruption_detected"`
	Validation         *ValidationResult `json:"validation,omitempty"`
	Error              string            `json:"error,omitempty"`
	StartedAt          time.Time         `json:"started_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

// ExecutionResult is what the recovery executor reports back.
type ExecutionResult struct {
	Success   bool `json:"success"`
	Corrupted bool `json:"corrupted"`
}
