package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
)

var (
	// ErrNotFound is returned when a requested record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers must surface it, never swallow it.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrConflict is returned when a compare-and-swap style update loses,
	// e.g. a second in-progress recovery for the same failure.
	ErrConflict = errors.New("storage conflict")
)

// RunRepository persists pipeline runs.
type RunRepository interface {
	// Get retrieves a run by engine id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*domain.PipelineRun, error)

	// GetByRunID retrieves a run by (repository, CI run identifier).
	GetByRunID(ctx context.Context, repository, runID string) (*domain.PipelineRun, error)

	// Save inserts or updates a run.
	Save(ctx context.Context, run *domain.PipelineRun) error

	// ListRecent returns runs for a repository (all when empty) started
	// after the cutoff, newest first.
	ListRecent(ctx context.Context, repository string, since time.Time) ([]*domain.PipelineRun, error)
}

// FailureRepository persists pipeline failures. Failures are append-only
// aside from retry count and resolution transitions.
type FailureRepository interface {
	Get(ctx context.Context, id string) (*domain.PipelineFailure, error)

	Save(ctx context.Context, failure *domain.PipelineFailure) error

	// FindOpen returns the open failure for the same run/job/step if one
	// exists, ErrNotFound otherwise. Used to count recurrences instead of
	// duplicating records.
	FindOpen(ctx context.Context, runID, jobName, stepName string) (*domain.PipelineFailure, error)

	// IncrementRetry bumps the retry counter and returns the new value.
	IncrementRetry(ctx context.Context, id string) (int, error)

	// SetResolution transitions the failure's resolution status.
	SetResolution(ctx context.Context, id string, resolution domain.ResolutionStatus, at time.Time) error

	// ListRecent returns failures detected after the cutoff, newest first.
	// Repository filters when non-empty.
	ListRecent(ctx context.Context, repository string, since time.Time) ([]*domain.PipelineFailure, error)

	// CountOpen returns the number of unresolved failures for a repository
	// (all repositories when empty).
	CountOpen(ctx context.Context, repository string) (int, error)
}

// CheckpointRepository persists workflow checkpoints. Checkpoints are
// append-only and totally ordered per run by Seq.
type CheckpointRepository interface {
	Get(ctx context.Context, id string) (*domain.WorkflowCheckpoint, error)

	// Save inserts a checkpoint, assigning the next per-run Seq. When a
	// checkpoint with the same (run, type, name) already exists the insert
	// is a no-op and the existing record is returned.
	Save(ctx context.Context, cp *domain.WorkflowCheckpoint) (*domain.WorkflowCheckpoint, error)

	// ListByRun returns all checkpoints for a run, newest first.
	ListByRun(ctx context.Context, runID string) ([]*domain.WorkflowCheckpoint, error)

	// DeleteOlderThan removes checkpoints created before the cutoff and
	// returns how many were removed. Retention housekeeping only.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecoveryRepository persists recovery states.
type RecoveryRepository interface {
	Get(ctx context.Context, id string) (*domain.RecoveryState, error)

	// Create inserts a new recovery state.
	Create(ctx context.Context, state *domain.RecoveryState) error

	// MarkInProgress transitions pending → in_progress. It must fail with
	// ErrConflict when another state for the same failure is already
	// in_progress, even across engine instances.
	MarkInProgress(ctx context.Context, state *domain.RecoveryState) error

	// Finish transitions a state to succeeded or failed and persists its
	// final progress log. Terminal states are immutable afterwards.
	Finish(ctx context.Context, state *domain.RecoveryState) error

	// FindInProgress returns the in_progress state for a failure, or
	// ErrNotFound.
	FindInProgress(ctx context.Context, failureID string) (*domain.RecoveryState, error)

	// ListRecent returns recovery states started after the cutoff, newest
	// first. Repository filters when non-empty.
	ListRecent(ctx context.Context, repository string, since time.Time) ([]*domain.RecoveryState, error)

	// CountActive returns the number of pending or in_progress states for
	// a repository (all when empty).
	CountActive(ctx context.Context, repository string) (int, error)
}
