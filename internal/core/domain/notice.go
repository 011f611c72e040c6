package domain

import "time"

// FailureNotice is the human-facing summary handed to the notification
// port when a failure crosses the alerting threshold.
type FailureNotice struct {
	Repository string                  `json:"repository"`
	FailureID  string                  `json:"failure_id"`
	Category   FailureCategory         `json:"category"`
	Severity   FailureSeverity         `json:"severity"`
	Message    string                  `json:"message"`
	RetryCount int                     `json:"retry_count"`
	ByCategory map[FailureCategory]int `json:"by_category"`
	Suggestion string                  `json:"suggestion,omitempty"`
	Escalated  bool                    `json:"escalated"`
	EmittedAt  time.Time               `json:"emitted_at"`
}
