package domain

import "time"

// FailurePattern is a recurring group of failures sharing a category and a
// normalized message signature. Patterns are recomputed on demand from
// stored failures and are never authoritative state.
type FailurePattern struct {
	Category     FailureCategory `json:"category"`
	Signature    string          `json:"signature"`
	Count        int             `json:"count"`
	Repositories []string        `json:"repositories"`
	Suggestion   string          `json:"suggestion"`
	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
}
