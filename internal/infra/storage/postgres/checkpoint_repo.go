package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
)

// CheckpointRepo implements storage.CheckpointRepository using PostgreSQL.
type CheckpointRepo struct {
	db *DB
}

// NewCheckpointRepo creates a new PostgreSQL checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

type checkpointRow struct {
	ID           string    `db:"id"`
	Repository   string    `db:"repository"`
	WorkflowName string    `db:"workflow_name"`
	RunID        string    `db:"run_id"`
	CommitSHA    string    `db:"commit_sha"`
	Type         string    `db:"checkpoint_type"`
	Name         string    `db:"checkpoint_name"`
	State        []byte    `db:"state"`
	Environment  []byte    `db:"environment"`
	Dependencies []byte    `db:"dependencies"`
	Artifacts    []byte    `db:"artifacts"`
	Seq          int64     `db:"seq"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r checkpointRow) toDomain() (*domain.WorkflowCheckpoint, error) {
	cp := &domain.WorkflowCheckpoint{
		ID:           r.ID,
		Repository:   r.Repository,
		WorkflowName: r.WorkflowName,
		RunID:        r.RunID,
		CommitSHA:    r.CommitSHA,
		Type:         domain.CheckpointType(r.Type),
		Name:         r.Name,
		Seq:          uint64(r.Seq),
		CreatedAt:    r.CreatedAt,
	}
	if err := json.Unmarshal(r.State, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	if err := json.Unmarshal(r.Environment, &cp.Environment); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint environment: %w", err)
	}
	if err := json.Unmarshal(r.Dependencies, &cp.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint dependencies: %w", err)
	}
	if err := json.Unmarshal(r.Artifacts, &cp.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint artifacts: %w", err)
	}
	return cp, nil
}

const checkpointColumns = `id, repository, workflow_name, run_id, commit_sha,
	checkpoint_type, checkpoint_name, state, environment, dependencies, artifacts,
	seq, created_at`

// Get retrieves a checkpoint by id.
func (r *CheckpointRepo) Get(ctx context.Context, id string) (*domain.WorkflowCheckpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM workflow_checkpoints WHERE id = $1`

	var row checkpointRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return row.toDomain()
}

// Save inserts a checkpoint, assigning the next per-run Seq. A duplicate
// (run, type, name) insert is a no-op that returns the existing record.
func (r *CheckpointRepo) Save(
	ctx context.Context,
	cp *domain.WorkflowCheckpoint,
) (*domain.WorkflowCheckpoint, error) {
	state, err := json.Marshal(orEmptyMap(cp.State))
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	env, err := json.Marshal(orEmptyMap(cp.Environment))
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint environment: %w", err)
	}
	deps, err := json.Marshal(orEmptySlice(cp.Dependencies))
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint dependencies: %w", err)
	}
	arts, err := json.Marshal(orEmptySlice(cp.Artifacts))
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint artifacts: %w", err)
	}

	// Seq is assigned inside the insert. Concurrent saves for the same
	// run serialize on a per-run advisory lock so two instances cannot
	// both read the same MAX(seq); the unique (run_id, seq) index backs
	// this up at the schema level.
	query := `
		INSERT INTO workflow_checkpoints (` + checkpointColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM workflow_checkpoints WHERE run_id = $4),
			$12)
		ON CONFLICT (run_id, checkpoint_type, checkpoint_name) DO NOTHING
	`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin checkpoint save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, cp.RunID); err != nil {
		return nil, fmt.Errorf("failed to lock run for checkpoint save: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query,
		cp.ID, cp.Repository, cp.WorkflowName, cp.RunID, cp.CommitSHA,
		string(cp.Type), cp.Name, state, env, deps, arts, cp.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit checkpoint save: %w", err)
	}

	// Read back the canonical record; on conflict this is the earlier save.
	existing := `SELECT ` + checkpointColumns + ` FROM workflow_checkpoints
		WHERE run_id = $1 AND checkpoint_type = $2 AND checkpoint_name = $3`

	var row checkpointRow
	if err := r.db.GetContext(ctx, &row, existing, cp.RunID, string(cp.Type), cp.Name); err != nil {
		return nil, fmt.Errorf("failed to read back checkpoint: %w", err)
	}
	return row.toDomain()
}

// ListByRun returns all checkpoints for a run, newest first.
func (r *CheckpointRepo) ListByRun(
	ctx context.Context,
	runID string,
) ([]*domain.WorkflowCheckpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM workflow_checkpoints
		WHERE run_id = $1
		ORDER BY seq DESC`

	var rows []checkpointRow
	if err := r.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	cps := make([]*domain.WorkflowCheckpoint, 0, len(rows))
	for _, row := range rows {
		cp, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

// DeleteOlderThan removes checkpoints created before the cutoff.
func (r *CheckpointRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
