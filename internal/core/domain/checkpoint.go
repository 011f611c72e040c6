package domain

import "time"

type CheckpointType string

const (
	CheckpointStep     CheckpointType = "step"
	CheckpointJob      CheckpointType = "job"
	CheckpointWorkflow CheckpointType = "workflow"
	// CheckpointFailurePoint captures the failure context snapshotted
	// right before a resume or rollback is attempted.
	CheckpointFailurePoint CheckpointType = "failure_point"
)

// WorkflowCheckpoint is an immutable snapshot of run state usable as a
// resume or rollback target. Checkpoints for a run are totally ordered by
// Seq, a per-run logical counter assigned by storage.
type WorkflowCheckpoint struct {
	ID           string            `json:"id"`
	Repository   string            `json:"repository"`
	WorkflowName string            `json:"workflow_name"`
	RunID        string            `json:"run_id"`
	CommitSHA    string            `json:"commit_sha"`
	Type         CheckpointType    `json:"type"`
	Name         string            `json:"name"`
	State        map[string]string `json:"state"`
	Environment  map[string]string `json:"environment"`
	Dependencies []string          `json:"dependencies"`
	Artifacts    []string          `json:"artifacts"`
	Seq          uint64            `json:"seq"`
	CreatedAt    time.Time         `json:"created_at"`
}
