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

// FailureRepo implements storage.FailureRepository using PostgreSQL.
type FailureRepo struct {
	db *DB
}

// NewFailureRepo creates a new PostgreSQL failure repository.
func NewFailureRepo(db *DB) *FailureRepo {
	return &FailureRepo{db: db}
}

type failureRow struct {
	ID         string       `db:"id"`
	RunID      string       `db:"run_id"`
	Repository string       `db:"repository"`
	Branch     string       `db:"branch"`
	CommitSHA  string       `db:"commit_sha"`
	JobName    string       `db:"job_name"`
	StepName   string       `db:"step_name"`
	Message    string       `db:"message"`
	Category   string       `db:"category"`
	Severity   string       `db:"severity"`
	RetryCount int          `db:"retry_count"`
	Resolution string       `db:"resolution"`
	DetectedAt time.Time    `db:"detected_at"`
	ResolvedAt sql.NullTime `db:"resolved_at"`
}

func (r failureRow) toDomain() *domain.PipelineFailure {
	f := &domain.PipelineFailure{
		ID:         r.ID,
		RunID:      r.RunID,
		Repository: r.Repository,
		Branch:     r.Branch,
		CommitSHA:  r.CommitSHA,
		JobName:    r.JobName,
		StepName:   r.StepName,
		Message:    r.Message,
		Category:   domain.FailureCategory(r.Category),
		Severity:   domain.FailureSeverity(r.Severity),
		RetryCount: r.RetryCount,
		Resolution: domain.ResolutionStatus(r.Resolution),
		DetectedAt: r.DetectedAt,
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time
		f.ResolvedAt = &t
	}
	return f
}

const failureColumns = `id, run_id, repository, branch, commit_sha, job_name, step_name,
	message, category, severity, retry_count, resolution, detected_at, resolved_at`

// Get retrieves a failure by id.
func (r *FailureRepo) Get(ctx context.Context, id string) (*domain.PipelineFailure, error) {
	query := `SELECT ` + failureColumns + ` FROM pipeline_failures WHERE id = $1`

	var row failureRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failure: %w", err)
	}
	return row.toDomain(), nil
}

// Save inserts or updates a failure.
func (r *FailureRepo) Save(ctx context.Context, f *domain.PipelineFailure) error {
	query := `
		INSERT INTO pipeline_failures (id, run_id, repository, branch, commit_sha, job_name,
			step_name, message, category, severity, retry_count, resolution, detected_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			message = EXCLUDED.message,
			category = EXCLUDED.category,
			severity = EXCLUDED.severity,
			retry_count = EXCLUDED.retry_count,
			resolution = EXCLUDED.resolution,
			resolved_at = EXCLUDED.resolved_at
	`

	var resolvedAt sql.NullTime
	if f.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *f.ResolvedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		f.ID, f.RunID, f.Repository, f.Branch, f.CommitSHA, f.JobName,
		f.StepName, f.Message, string(f.Category), string(f.Severity),
		f.RetryCount, string(f.Resolution), f.DetectedAt, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save failure: %w", err)
	}
	return nil
}

// FindOpen returns the open failure for a run/job/step, if any.
func (r *FailureRepo) FindOpen(
	ctx context.Context,
	runID, jobName, stepName string,
) (*domain.PipelineFailure, error) {
	query := `SELECT ` + failureColumns + ` FROM pipeline_failures
		WHERE run_id = $1 AND job_name = $2 AND step_name = $3
			AND resolution IN ('open', 'recovering')
		ORDER BY detected_at DESC
		LIMIT 1`

	var row failureRow
	err := r.db.GetContext(ctx, &row, query, runID, jobName, stepName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open failure: %w", err)
	}
	return row.toDomain(), nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (r *FailureRepo) IncrementRetry(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE pipeline_failures
		SET retry_count = retry_count + 1
		WHERE id = $1
		RETURNING retry_count
	`
	var count int
	err := r.db.GetContext(ctx, &count, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry: %w", err)
	}
	return count, nil
}

// SetResolution transitions the failure's resolution status.
func (r *FailureRepo) SetResolution(
	ctx context.Context,
	id string,
	resolution domain.ResolutionStatus,
	at time.Time,
) error {
	query := `
		UPDATE pipeline_failures
		SET resolution = $2,
			resolved_at = CASE WHEN $2 IN ('resolved', 'abandoned') THEN $3 ELSE NULL END
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, string(resolution), at)
	if err != nil {
		return fmt.Errorf("failed to set resolution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRecent returns failures detected after the cutoff, newest first.
func (r *FailureRepo) ListRecent(
	ctx context.Context,
	repository string,
	since time.Time,
) ([]*domain.PipelineFailure, error) {
	query := `SELECT ` + failureColumns + ` FROM pipeline_failures
		WHERE detected_at >= $1 AND ($2 = '' OR repository = $2)
		ORDER BY detected_at DESC`

	var rows []failureRow
	if err := r.db.SelectContext(ctx, &rows, query, since, repository); err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}

	failures := make([]*domain.PipelineFailure, 0, len(rows))
	for _, row := range rows {
		failures = append(failures, row.toDomain())
	}
	return failures, nil
}

// CountOpen returns the number of unresolved failures.
func (r *FailureRepo) CountOpen(ctx context.Context, repository string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM pipeline_failures
		WHERE resolution IN ('open', 'recovering') AND ($1 = '' OR repository = $1)
	`
	var count int
	if err := r.db.GetContext(ctx, &count, query, repository); err != nil {
		return 0, fmt.Errorf("failed to count open failures: %w", err)
	}
	return count, nil
}
