package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
)

// RecoveryRepo implements storage.RecoveryRepository using PostgreSQL.
// The partial unique index on (failure_id) WHERE status = 'in_progress'
// is what enforces the single-recovery invariant across instances.
type RecoveryRepo struct {
	db *DB
}

// NewRecoveryRepo creates a new PostgreSQL recovery repository.
func NewRecoveryRepo(db *DB) *RecoveryRepo {
	return &RecoveryRepo{db: db}
}

type recoveryRow struct {
	ID                 string         `db:"id"`
	FailureID          string         `db:"failure_id"`
	RunID              string         `db:"run_id"`
	Repository         string         `db:"repository"`
	Type               string         `db:"recovery_type"`
	Status             string         `db:"status"`
	TargetCheckpointID sql.NullString `db:"target_checkpoint_id"`
	ProgressSteps      []byte         `db:"progress_steps"`
	CorruptionDetected bool           `db:"corruption_detected"`
	Validation         []byte         `db:"validation"`
	ErrorMsg           string         `db:"error_msg"`
	StartedAt          time.Time      `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func (r recoveryRow) toDomain() (*domain.RecoveryState, error) {
	state := &domain.RecoveryState{
		ID:                 r.ID,
		FailureID:          r.FailureID,
		RunID:              r.RunID,
		Repository:         r.Repository,
		Type:               domain.RecoveryType(r.Type),
		Status:             domain.RecoveryStatus(r.Status),
		TargetCheckpointID: r.TargetCheckpointID.String,
		CorruptionDetected: r.CorruptionDetected,
		Error:              r.ErrorMsg,
		StartedAt:          r.StartedAt,
	}
	if err := json.Unmarshal(r.ProgressSteps, &state.ProgressSteps); err != nil {
		return nil, fmt.Errorf("failed to decode progress steps: %w", err)
	}
	if len(r.Validation) > 0 {
		var v domain.ValidationResult
		if err := json.Unmarshal(r.Validation, &v); err != nil {
			return nil, fmt.Errorf("failed to decode validation result: %w", err)
		}
		state.Validation = &v
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		state.CompletedAt = &t
	}
	return state, nil
}

const recoveryColumns = `id, failure_id, run_id, repository, recovery_type, status,
	target_checkpoint_id, progress_steps, corruption_detected, validation, error_msg,
	started_at, completed_at`

func encodeRecovery(state *domain.RecoveryState) (steps, validation []byte, err error) {
	progress := state.ProgressSteps
	if progress == nil {
		progress = []domain.ProgressStep{}
	}
	steps, err = json.Marshal(progress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode progress steps: %w", err)
	}
	if state.Validation != nil {
		validation, err = json.Marshal(state.Validation)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode validation result: %w", err)
		}
	}
	return steps, validation, nil
}

// Get retrieves a recovery state by id.
func (r *RecoveryRepo) Get(ctx context.Context, id string) (*domain.RecoveryState, error) {
	query := `SELECT ` + recoveryColumns + ` FROM recovery_states WHERE id = $1`

	var row recoveryRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recovery state: %w", err)
	}
	return row.toDomain()
}

// Create inserts a new recovery state.
func (r *RecoveryRepo) Create(ctx context.Context, state *domain.RecoveryState) error {
	steps, validation, err := encodeRecovery(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO recovery_states (` + recoveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	var completedAt sql.NullTime
	if state.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *state.CompletedAt, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, query,
		state.ID, state.FailureID, state.RunID, state.Repository,
		string(state.Type), string(state.Status),
		nullString(state.TargetCheckpointID), steps, state.CorruptionDetected,
		validation, state.Error, state.StartedAt, completedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create recovery state: %w", err)
	}
	return nil
}

// MarkInProgress transitions pending → in_progress. The partial unique
// index rejects a second in_progress state for the same failure.
func (r *RecoveryRepo) MarkInProgress(ctx context.Context, state *domain.RecoveryState) error {
	query := `
		UPDATE recovery_states
		SET status = 'in_progress'
		WHERE id = $1 AND status = 'pending'
	`
	res, err := r.db.ExecContext(ctx, query, state.ID)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to mark recovery in progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrConflict
	}
	state.Status = domain.RecoveryInProgress
	return nil
}

// Finish transitions a state to its terminal status.
func (r *RecoveryRepo) Finish(ctx context.Context, state *domain.RecoveryState) error {
	if !state.Status.Terminal() {
		return fmt.Errorf("finish called with non-terminal status %s", state.Status)
	}

	steps, validation, err := encodeRecovery(state)
	if err != nil {
		return err
	}

	// Terminal states are immutable, so the guard excludes them.
	query := `
		UPDATE recovery_states
		SET status = $2,
			target_checkpoint_id = $3,
			progress_steps = $4,
			corruption_detected = $5,
			validation = $6,
			error_msg = $7,
			completed_at = $8
		WHERE id = $1 AND status IN ('pending', 'in_progress')
	`

	var completedAt sql.NullTime
	if state.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *state.CompletedAt, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query,
		state.ID, string(state.Status), nullString(state.TargetCheckpointID),
		steps, state.CorruptionDetected, validation, state.Error, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish recovery state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// FindInProgress returns the in_progress state for a failure.
func (r *RecoveryRepo) FindInProgress(
	ctx context.Context,
	failureID string,
) (*domain.RecoveryState, error) {
	query := `SELECT ` + recoveryColumns + ` FROM recovery_states
		WHERE failure_id = $1 AND status = 'in_progress'`

	var row recoveryRow
	err := r.db.GetContext(ctx, &row, query, failureID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find in-progress recovery: %w", err)
	}
	return row.toDomain()
}

// ListRecent returns recovery states started after the cutoff, newest first.
func (r *RecoveryRepo) ListRecent(
	ctx context.Context,
	repository string,
	since time.Time,
) ([]*domain.RecoveryState, error) {
	query := `SELECT ` + recoveryColumns + ` FROM recovery_states
		WHERE started_at >= $1 AND ($2 = '' OR repository = $2)
		ORDER BY started_at DESC`

	var rows []recoveryRow
	if err := r.db.SelectContext(ctx, &rows, query, since, repository); err != nil {
		return nil, fmt.Errorf("failed to list recovery states: %w", err)
	}

	states := make([]*domain.RecoveryState, 0, len(rows))
	for _, row := range rows {
		state, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// CountActive returns the number of pending or in_progress states.
func (r *RecoveryRepo) CountActive(ctx context.Context, repository string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM recovery_states
		WHERE status IN ('pending', 'in_progress') AND ($1 = '' OR repository = $1)
	`
	var count int
	if err := r.db.GetContext(ctx, &count, query, repository); err != nil {
		return 0, fmt.Errorf("failed to count active recoveries: %w", err)
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
