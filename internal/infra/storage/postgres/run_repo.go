package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
)

// RunRepo implements storage.RunRepository using PostgreSQL.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new PostgreSQL run repository.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

type runRow struct {
	ID           string       `db:"id"`
	Repository   string       `db:"repository"`
	WorkflowName string       `db:"workflow_name"`
	RunID        string       `db:"run_id"`
	Branch       string       `db:"branch"`
	CommitSHA    string       `db:"commit_sha"`
	Status       string       `db:"status"`
	LastSequence int64        `db:"last_sequence"`
	StartedAt    time.Time    `db:"started_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
}

func (r runRow) toDomain() *domain.PipelineRun {
	run := &domain.PipelineRun{
		ID:           r.ID,
		Repository:   r.Repository,
		WorkflowName: r.WorkflowName,
		RunID:        r.RunID,
		Branch:       r.Branch,
		CommitSHA:    r.CommitSHA,
		Status:       domain.RunStatus(r.Status),
		LastSequence: uint64(r.LastSequence),
		StartedAt:    r.StartedAt,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		run.FinishedAt = &t
	}
	return run
}

const runColumns = `id, repository, workflow_name, run_id, branch, commit_sha,
	status, last_sequence, started_at, finished_at`

// Get retrieves a run by engine id.
func (r *RunRepo) Get(ctx context.Context, id string) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1`

	var row runRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toDomain(), nil
}

// GetByRunID retrieves a run by (repository, CI run identifier).
func (r *RunRepo) GetByRunID(
	ctx context.Context,
	repository, runID string,
) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE repository = $1 AND run_id = $2`

	var row runRow
	err := r.db.GetContext(ctx, &row, query, repository, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run by run_id: %w", err)
	}
	return row.toDomain(), nil
}

// Save inserts or updates a run.
func (r *RunRepo) Save(ctx context.Context, run *domain.PipelineRun) error {
	query := `
		INSERT INTO pipeline_runs (id, repository, workflow_name, run_id, branch, commit_sha,
			status, last_sequence, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (repository, run_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_sequence = EXCLUDED.last_sequence,
			finished_at = EXCLUDED.finished_at
	`

	var finishedAt sql.NullTime
	if run.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *run.FinishedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.Repository, run.WorkflowName, run.RunID, run.Branch, run.CommitSHA,
		string(run.Status), int64(run.LastSequence), run.StartedAt, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRecent returns runs started after the cutoff, newest first.
func (r *RunRepo) ListRecent(
	ctx context.Context,
	repository string,
	since time.Time,
) ([]*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs
		WHERE started_at >= $1 AND ($2 = '' OR repository = $2)
		ORDER BY started_at DESC`

	var rows []runRow
	if err := r.db.SelectContext(ctx, &rows, query, since, repository); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*domain.PipelineRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toDomain())
	}
	return runs, nil
}
