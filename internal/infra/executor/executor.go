package executor

import (
	"context"

	"github.com/pipewatch/pipewatch/internal/core/domain"
)

// Request describes one executor invocation.
type Request struct {
	Type       domain.RecoveryType `json:"type"`
	Repository string              `json:"repository"`
	RunID      string              `json:"run_id"`
	JobName    string              `json:"job_name,omitempty"`
	// TargetCheckpoint carries the resume/rollback target, empty for retry.
	TargetCheckpoint string `json:"target_checkpoint,omitempty"`
	// Hints carries category-specific remediation requests, e.g.
	// {"cache": "bust"} for dependency failures.
	Hints map[string]string `json:"hints,omitempty"`
}

// RecoveryExecutor actually triggers the underlying CI retry, resumption
// or rollback. Implementations live outside the core engine.
type RecoveryExecutor interface {
	Execute(ctx context.Context, req Request) (domain.ExecutionResult, error)
}

// ArtifactChecker reports whether a declared artifact is still retrievable.
type ArtifactChecker interface {
	Exists(ctx context.Context, artifactRef string) (bool, error)
}

// DependencyChecker reports whether a declared dependency resolves.
type DependencyChecker interface {
	Resolvable(ctx context.Context, depRef string) (bool, error)
}
