package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
	"github.com/pipewatch/pipewatch/internal/metrics"
)

// Validator checks whether a checkpoint is usable as a resume or
// rollback target.
type Validator interface {
	Validate(ctx context.Context, cp *domain.WorkflowCheckpoint) domain.ValidationResult
}

// Store persists workflow checkpoints and answers resume-target queries.
type Store struct {
	repo storage.CheckpointRepository
	log  *slog.Logger
}

func NewStore(repo storage.CheckpointRepository) *Store {
	return &Store{
		repo: repo,
		log:  slog.With("component", "checkpoint_store"),
	}
}

// Save records a checkpoint. Saving the same (run, type, name) twice is
// idempotent: the stored record is returned unchanged and no new
// sequence number is consumed.
func (s *Store) Save(ctx context.Context, cp *domain.WorkflowCheckpoint) (*domain.WorkflowCheckpoint, error) {
	if cp.RunID == "" || cp.Name == "" {
		return nil, fmt.Errorf("checkpoint requires run_id and name")
	}
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	stored, err := s.repo.Save(ctx, cp)
	if err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	if stored.ID == cp.ID {
		metrics.CheckpointsSaved.WithLabelValues(stored.Repository).Inc()
		s.log.Debug("checkpoint saved",
			"run_id", stored.RunID,
			"type", stored.Type,
			"name", stored.Name,
			"seq", stored.Seq,
		)
	}
	return stored, nil
}

// Get returns one checkpoint by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.WorkflowCheckpoint, error) {
	return s.repo.Get(ctx, id)
}

// ListByRun returns a run's checkpoints newest first.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*domain.WorkflowCheckpoint, error) {
	return s.repo.ListByRun(ctx, runID)
}

// LatestValid walks a run's checkpoints newest first and returns the
// first one the validator accepts. Returns storage.ErrNotFound when no
// checkpoint passes.
func (s *Store) LatestValid(
	ctx context.Context,
	runID string,
	validator Validator,
) (*domain.WorkflowCheckpoint, error) {
	cps, err := s.repo.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	for _, cp := range cps {
		result := validator.Validate(ctx, cp)
		if result.IsValid {
			metrics.CheckpointValidations.WithLabelValues("valid").Inc()
			return cp, nil
		}
		metrics.CheckpointValidations.WithLabelValues("invalid").Inc()
		s.log.Debug("checkpoint rejected",
			"checkpoint_id", cp.ID,
			"stage", result.Stage,
			"errors", result.Errors,
		)
	}
	return nil, storage.ErrNotFound
}

// DeleteOlderThan prunes checkpoints created before the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.DeleteOlderThan(ctx, cutoff)
}
