package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/pipewatch/pipewatch/internal/checkpoint"
	"github.com/pipewatch/pipewatch/internal/core/config"
	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/executor"
	redisclient "github.com/pipewatch/pipewatch/internal/infra/redis"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
	"github.com/pipewatch/pipewatch/internal/metrics"
)

var (
	// ErrAlreadyRecovering is returned when a recovery for the failure is
	// already in progress, here or on another engine instance.
	ErrAlreadyRecovering = errors.New("recovery already in progress")

	// ErrRetryLimit is returned when automatic attempts for a failure are
	// exhausted. Explicitly requested recoveries are not limited.
	ErrRetryLimit = errors.New("automatic retry limit reached")

	// ErrFailureClosed is returned when the failure was already resolved
	// or abandoned.
	ErrFailureClosed = errors.New("failure already closed")

	// ErrNoRollbackTarget is returned when a rollback has no valid
	// checkpoint to land on.
	ErrNoRollbackTarget = errors.New("no valid rollback target")

	// ErrBackoffActive is returned when an automatic attempt arrives
	// before the failure's backoff delay has elapsed. The caller tries
	// again on a later event.
	ErrBackoffActive = errors.New("automatic attempt still backing off")
)

// corruptionLookback bounds how far back prior attempts are scanned when
// deciding whether corruption was seen before.
const corruptionLookback = 24 * time.Hour

// Request asks the manager to recover one failure.
type Request struct {
	FailureID string
	// Type of recovery. RecoveryAuto (or empty) lets the strategy table
	// decide.
	Type domain.RecoveryType
	// TargetCheckpointID pins a rollback to a specific checkpoint. The
	// target is re-validated before use.
	TargetCheckpointID string
	// Auto marks engine-initiated attempts, which are subject to the
	// automatic retry limit.
	Auto bool
}

// Manager drives recovery attempts through their state machine:
// pending, in_progress, then succeeded or failed. Terminal states are
// immutable; retrying a failure creates a new state.
type Manager struct {
	failures    storage.FailureRepository
	recoveries  storage.RecoveryRepository
	checkpoints *checkpoint.Store
	validator   *Validator
	exec        executor.RecoveryExecutor
	locks       *redisclient.Client
	cfg         config.RecoveryConfig
	log         *slog.Logger
}

// NewManager creates a recovery manager. locks may be nil when running
// single-instance; the storage layer still enforces the single
// in-progress recovery per failure.
func NewManager(
	failures storage.FailureRepository,
	recoveries storage.RecoveryRepository,
	checkpoints *checkpoint.Store,
	validator *Validator,
	exec executor.RecoveryExecutor,
	locks *redisclient.Client,
	cfg config.RecoveryConfig,
) *Manager {
	return &Manager{
		failures:    failures,
		recoveries:  recoveries,
		checkpoints: checkpoints,
		validator:   validator,
		exec:        exec,
		locks:       locks,
		cfg:         cfg,
		log:         slog.With("component", "recovery_manager"),
	}
}

// Initiate runs one recovery attempt for a failure and returns its final
// state. The call is synchronous; callers wanting concurrency dispatch
// it from their own workers.
func (m *Manager) Initiate(ctx context.Context, req Request) (*domain.RecoveryState, error) {
	failure, err := m.failures.Get(ctx, req.FailureID)
	if err != nil {
		return nil, fmt.Errorf("load failure: %w", err)
	}
	if failure.Resolution == domain.ResolutionResolved || failure.Resolution == domain.ResolutionAbandoned {
		return nil, ErrFailureClosed
	}

	if _, err := m.recoveries.FindInProgress(ctx, failure.ID); err == nil {
		return nil, ErrAlreadyRecovering
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check in-progress recovery: %w", err)
	}

	if req.Auto && failure.RetryCount >= m.cfg.MaxAutoAttempts {
		return nil, ErrRetryLimit
	}

	// Later automatic attempts back off so a flapping pipeline is not
	// hammered. The check never blocks: an attempt inside the backoff
	// window is rejected and retried on a later event. Manual requests
	// run immediately.
	if req.Auto && failure.RetryCount > 0 {
		delay := AttemptDelay(m.cfg.Backoff, failure.RetryCount)
		eligible, err := m.backoffElapsed(ctx, failure, delay)
		if err != nil {
			return nil, err
		}
		if !eligible {
			m.log.Info("automatic attempt deferred",
				"failure_id", failure.ID,
				"attempt", failure.RetryCount+1,
				"delay", delay,
			)
			return nil, ErrBackoffActive
		}
	}

	target, err := m.pickTarget(ctx, failure, req)
	if err != nil {
		return nil, err
	}

	priorCorruption, err := m.hadCorruption(ctx, failure)
	if err != nil {
		return nil, err
	}

	rtype := Determine(failure, req.Type, target != nil, priorCorruption)
	if rtype == domain.RecoveryRetry {
		// A retry re-runs from the start; it never lands on a checkpoint.
		target = nil
	}

	state := &domain.RecoveryState{
		ID:         uuid.New().String(),
		FailureID:  failure.ID,
		RunID:      failure.RunID,
		Repository: failure.Repository,
		Type:       rtype,
		Status:     domain.RecoveryPending,
		StartedAt:  time.Now(),
	}
	if target != nil {
		state.TargetCheckpointID = target.ID
	}

	if m.locks != nil {
		acquired, err := m.locks.AcquireRecoveryLock(ctx, failure.ID, m.lockTTL())
		if err != nil {
			return nil, fmt.Errorf("acquire recovery lock: %w", err)
		}
		if !acquired {
			return nil, ErrAlreadyRecovering
		}
		defer func() {
			if err := m.locks.ReleaseRecoveryLock(context.WithoutCancel(ctx), failure.ID); err != nil {
				m.log.Warn("failed to release recovery lock", "failure_id", failure.ID, "error", err)
			}
		}()
	}

	if err := m.recoveries.Create(ctx, state); err != nil {
		return nil, fmt.Errorf("create recovery state: %w", err)
	}

	// A rollback that cannot land anywhere fails without touching the
	// executor.
	if rtype == domain.RecoveryRollback && target == nil {
		state.Error = ErrNoRollbackTarget.Error()
		if err := m.finish(ctx, state, domain.RecoveryFailed); err != nil {
			return state, err
		}
		return state, ErrNoRollbackTarget
	}

	if err := m.recoveries.MarkInProgress(ctx, state); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			state.Error = "lost claim to a concurrent recovery"
			if ferr := m.finish(ctx, state, domain.RecoveryFailed); ferr != nil {
				m.log.Warn("failed to close losing recovery state", "recovery_id", state.ID, "error", ferr)
			}
			return nil, ErrAlreadyRecovering
		}
		return nil, fmt.Errorf("mark recovery in progress: %w", err)
	}

	if err := m.failures.SetResolution(ctx, failure.ID, domain.ResolutionRecovering, time.Now()); err != nil {
		m.log.Warn("failed to mark failure recovering", "failure_id", failure.ID, "error", err)
	}

	m.log.Info("recovery started",
		"recovery_id", state.ID,
		"failure_id", failure.ID,
		"repository", failure.Repository,
		"type", rtype,
		"target_checkpoint", state.TargetCheckpointID,
	)

	return m.execute(ctx, failure, state, target)
}

// pickTarget resolves the checkpoint the attempt would land on: the
// explicitly requested one, re-validated, or the newest valid checkpoint
// of the run. Nil when none qualifies.
func (m *Manager) pickTarget(
	ctx context.Context,
	failure *domain.PipelineFailure,
	req Request,
) (*domain.WorkflowCheckpoint, error) {
	if req.TargetCheckpointID != "" {
		cp, err := m.checkpoints.Get(ctx, req.TargetCheckpointID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrNoRollbackTarget
			}
			return nil, fmt.Errorf("load target checkpoint: %w", err)
		}
		if result := m.validator.Validate(ctx, cp); !result.IsValid {
			m.log.Warn("requested checkpoint failed validation",
				"checkpoint_id", cp.ID,
				"stage", result.Stage,
				"errors", result.Errors,
			)
			return nil, nil
		}
		return cp, nil
	}

	cp, err := m.checkpoints.LatestValid(ctx, failure.RunID, m.validator)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find valid checkpoint: %w", err)
	}
	return cp, nil
}

// hadCorruption reports whether a recent prior attempt anywhere in this
// run detected corrupted state. Corruption taints the whole run, not
// just the failure whose attempt surfaced it.
func (m *Manager) hadCorruption(ctx context.Context, failure *domain.PipelineFailure) (bool, error) {
	states, err := m.recoveries.ListRecent(ctx, failure.Repository, time.Now().Add(-corruptionLookback))
	if err != nil {
		return false, fmt.Errorf("list prior recoveries: %w", err)
	}
	for _, s := range states {
		if s.RunID == failure.RunID && s.CorruptionDetected {
			return true, nil
		}
	}
	return false, nil
}

// backoffElapsed reports whether the failure's last attempt lies outside
// the backoff window: any attempt started within the window defers the
// next automatic one.
func (m *Manager) backoffElapsed(
	ctx context.Context,
	failure *domain.PipelineFailure,
	delay time.Duration,
) (bool, error) {
	if delay <= 0 {
		return true, nil
	}
	states, err := m.recoveries.ListRecent(ctx, failure.Repository, time.Now().Add(-delay))
	if err != nil {
		return false, fmt.Errorf("list prior recoveries: %w", err)
	}
	for _, s := range states {
		if s.FailureID == failure.ID {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) execute(
	ctx context.Context,
	failure *domain.PipelineFailure,
	state *domain.RecoveryState,
	target *domain.WorkflowCheckpoint,
) (*domain.RecoveryState, error) {
	if target == nil {
		if state.Type == domain.RecoveryResume {
			// Requested resume with nothing to resume from degrades to a
			// plain retry, recorded in the progress log.
			addStep(state, "validate_state", domain.StepFailed, "no valid checkpoint, retrying from start")
		} else {
			addStep(state, "validate_state", domain.StepSkipped, "retry needs no checkpoint")
		}
	} else {
		addStep(state, "validate_state", domain.StepCompleted,
			fmt.Sprintf("checkpoint %s (%s) validated", target.Name, target.ID))
		state.Validation = &domain.ValidationResult{IsValid: true, CheckedAt: time.Now()}
	}

	m.restoreContext(ctx, failure, state, target)

	execType := state.Type
	if target == nil && execType != domain.RecoveryRetry {
		execType = domain.RecoveryRetry
	}
	execReq := executor.Request{
		Type:       execType,
		Repository: failure.Repository,
		RunID:      failure.RunID,
		JobName:    failure.JobName,
		Hints:      hintsFor(failure.Category),
	}
	if target != nil {
		execReq.TargetCheckpoint = target.ID
	}

	addStep(state, "invoke_executor", domain.StepRunning, string(execType))

	execCtx, cancel := context.WithTimeout(ctx, m.cfg.ExecutorTimeout)
	defer cancel()

	started := time.Now()
	result, err := m.exec.Execute(execCtx, execReq)
	metrics.RecoveryDuration.WithLabelValues(string(state.Type)).Observe(time.Since(started).Seconds())

	if err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			detail = "executor timeout"
		}
		setStepStatus(state, "invoke_executor", domain.StepFailed, detail)
		state.Error = detail
		return state, m.conclude(ctx, failure, state, domain.RecoveryFailed)
	}
	setStepStatus(state, "invoke_executor", domain.StepCompleted, "")

	if result.Corrupted {
		state.CorruptionDetected = true
		addStep(state, "await_result", domain.StepFailed, "corrupted state detected")
		state.Error = "corrupted state detected"
		return state, m.conclude(ctx, failure, state, domain.RecoveryFailed)
	}

	if !result.Success {
		addStep(state, "await_result", domain.StepFailed, "executor reported failure")
		state.Error = "executor reported failure"
		return state, m.conclude(ctx, failure, state, domain.RecoveryFailed)
	}

	addStep(state, "await_result", domain.StepCompleted, "")
	return state, m.conclude(ctx, failure, state, domain.RecoverySucceeded)
}

// restoreContext snapshots the failure point before resume/rollback so
// the pre-recovery context survives whatever the executor does.
func (m *Manager) restoreContext(
	ctx context.Context,
	failure *domain.PipelineFailure,
	state *domain.RecoveryState,
	target *domain.WorkflowCheckpoint,
) {
	if target == nil {
		addStep(state, "restore_context", domain.StepSkipped, "")
		return
	}

	snapshot := &domain.WorkflowCheckpoint{
		Repository: failure.Repository,
		RunID:      failure.RunID,
		CommitSHA:  failure.CommitSHA,
		Type:       domain.CheckpointFailurePoint,
		Name:       "failure-" + failure.ID,
		State: map[string]string{
			"job":     failure.JobName,
			"step":    failure.StepName,
			"message": failure.Message,
		},
	}
	if _, err := m.checkpoints.Save(ctx, snapshot); err != nil {
		// Not fatal: the snapshot is diagnostics, not a precondition.
		m.log.Warn("failed to snapshot failure point", "failure_id", failure.ID, "error", err)
		addStep(state, "restore_context", domain.StepFailed, err.Error())
		return
	}
	addStep(state, "restore_context", domain.StepCompleted,
		fmt.Sprintf("restoring from checkpoint %s", target.ID))
}

// conclude finishes the attempt and applies the outcome to the failure.
func (m *Manager) conclude(
	ctx context.Context,
	failure *domain.PipelineFailure,
	state *domain.RecoveryState,
	status domain.RecoveryStatus,
) error {
	if err := m.finish(ctx, state, status); err != nil {
		return err
	}

	switch status {
	case domain.RecoverySucceeded:
		if err := m.failures.SetResolution(ctx, failure.ID, domain.ResolutionResolved, time.Now()); err != nil {
			m.log.Warn("failed to resolve failure", "failure_id", failure.ID, "error", err)
		}
		m.log.Info("recovery succeeded", "recovery_id", state.ID, "failure_id", failure.ID)
	case domain.RecoveryFailed:
		count, err := m.failures.IncrementRetry(ctx, failure.ID)
		if err != nil {
			m.log.Warn("failed to bump retry count", "failure_id", failure.ID, "error", err)
		}
		if err := m.failures.SetResolution(ctx, failure.ID, domain.ResolutionOpen, time.Now()); err != nil {
			m.log.Warn("failed to reopen failure", "failure_id", failure.ID, "error", err)
		}
		m.log.Warn("recovery failed",
			"recovery_id", state.ID,
			"failure_id", failure.ID,
			"retry_count", count,
			"corruption", state.CorruptionDetected,
			"error", state.Error,
		)
	}
	return nil
}

// finish persists the terminal state, retrying transient storage
// failures so an attempt's outcome is not lost to a blip.
func (m *Manager) finish(ctx context.Context, state *domain.RecoveryState, status domain.RecoveryStatus) error {
	state.Status = status
	now := time.Now()
	state.CompletedAt = &now

	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.recoveries.Finish(ctx, state); err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish recovery state: %w", err)
	}

	outcome := "failed"
	if status == domain.RecoverySucceeded {
		outcome = "succeeded"
	}
	metrics.RecoveriesTotal.WithLabelValues(string(state.Type), outcome).Inc()
	return nil
}

func (m *Manager) lockTTL() time.Duration {
	return m.cfg.ExecutorTimeout + time.Minute
}

func hintsFor(category domain.FailureCategory) map[string]string {
	switch category {
	case domain.CategoryDependency:
		return map[string]string{"cache": "bust"}
	case domain.CategoryTimeout:
		return map[string]string{"timeout": "extend"}
	default:
		return nil
	}
}

func addStep(state *domain.RecoveryState, name string, status domain.StepStatus, detail string) {
	state.ProgressSteps = append(state.ProgressSteps, domain.ProgressStep{
		Name:       name,
		Status:     status,
		Detail:     detail,
		RecordedAt: time.Now(),
	})
}

func setStepStatus(state *domain.RecoveryState, name string, status domain.StepStatus, detail string) {
	for i := len(state.ProgressSteps) - 1; i >= 0; i-- {
		if state.ProgressSteps[i].Name == name {
			state.ProgressSteps[i].Status = status
			if detail != "" {
				state.ProgressSteps[i].Detail = detail
			}
			state.ProgressSteps[i].RecordedAt = time.Now()
			return
		}
	}
}
