package domain

import "time"

// JobFailure is one failed job/step carried by a workflow event.
type JobFailure struct {
	JobName  string `json:"job_name"`
	StepName string `json:"step_name"`
	Message  string `json:"message"`
}

// WorkflowEvent is a decoded, already-authenticated workflow-run event.
// The ingestion transport lives outside the engine; the engine only
// consumes these.
type WorkflowEvent struct {
	Repository   string       `json:"repository"`
	WorkflowName string       `json:"workflow_name"`
	RunID        string       `json:"run_id"`
	Branch       string       `json:"branch"`
	CommitSHA    string       `json:"commit_sha"`
	Status       RunStatus    `json:"status"`
	Sequence     uint64       `json:"sequence"`
	FailedJobs   []JobFailure `json:"failed_jobs,omitempty"`
	OccurredAt   time.Time    `json:"occurred_at"`
}

// Order returns the value used to detect out-of-order delivery. Sequence
// wins when present, otherwise the event timestamp is used.
func (e *WorkflowEvent) Order() uint64 {
	if e.Sequence > 0 {
		return e.Sequence
	}
	return uint64(e.OccurredAt.UnixNano())
}
