package domain

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailure   RunStatus = "failure"
	RunStatusCancelled RunStatus = "cancelled"
)

// PipelineRun represents one CI workflow execution.
// A run is immutable once FinishedAt is set.
type PipelineRun struct {
	ID           string     `json:"id"`
	Repository   string     `json:"repository"`
	WorkflowName string     `json:"workflow_name"`
	RunID        string     `json:"run_id"`
	Branch       string     `json:"branch"`
	CommitSHA    string     `json:"commit_sha"`
	Status       RunStatus  `json:"status"`
	LastSequence uint64     `json:"last_sequence"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the run has reached a terminal status.
func (r *PipelineRun) Finished() bool {
	return r.FinishedAt != nil
}
