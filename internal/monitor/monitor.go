package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/pipewatch/pipewatch/internal/checkpoint"
	"github.com/pipewatch/pipewatch/internal/classify"
	"github.com/pipewatch/pipewatch/internal/core/config"
	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/redis"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
	"github.com/pipewatch/pipewatch/internal/metrics"
	"github.com/pipewatch/pipewatch/internal/notify"
	"github.com/pipewatch/pipewatch/internal/pattern"
	"github.com/pipewatch/pipewatch/internal/recovery"
)

var (
	// ErrStaleEvent is returned when an event arrives at or behind the
	// run's already-applied position.
	ErrStaleEvent = errors.New("stale workflow event")

	// ErrRunFinished is returned when an event tries to move a run that
	// already reached a terminal status somewhere else.
	ErrRunFinished = errors.New("run already finished")
)

// Recoverer starts recovery attempts. Satisfied by recovery.Manager.
type Recoverer interface {
	Initiate(ctx context.Context, req recovery.Request) (*domain.RecoveryState, error)
}

// Monitor is the ingestion and query facade: it applies workflow
// events, records and classifies failures, emits notices and kicks off
// automatic recovery.
type Monitor struct {
	runs        storage.RunRepository
	failures    storage.FailureRepository
	recoveries  storage.RecoveryRepository
	checkpoints *checkpoint.Store
	classifier  *classify.Classifier
	analyzer    *pattern.Analyzer
	recoverer   Recoverer
	notifier    notify.Notifier
	cooldowns   *redis.Client
	cfg         *config.AppConfig
	log         *slog.Logger

	// Per-run locks serialize event application; events for different
	// runs proceed in parallel.
	runLocks sync.Map

	// In-process cooldown fallback when Redis is not configured.
	localCooldown   map[string]time.Time
	localCooldownMu sync.Mutex
}

func New(
	runs storage.RunRepository,
	failures storage.FailureRepository,
	recoveries storage.RecoveryRepository,
	checkpoints *checkpoint.Store,
	classifier *classify.Classifier,
	analyzer *pattern.Analyzer,
	recoverer Recoverer,
	notifier notify.Notifier,
	cooldowns *redis.Client,
	cfg *config.AppConfig,
) *Monitor {
	return &Monitor{
		runs:          runs,
		failures:      failures,
		recoveries:    recoveries,
		checkpoints:   checkpoints,
		classifier:    classifier,
		analyzer:      analyzer,
		recoverer:     recoverer,
		notifier:      notifier,
		cooldowns:     cooldowns,
		cfg:           cfg,
		log:           slog.With("component", "monitor"),
		localCooldown: make(map[string]time.Time),
	}
}

func (m *Monitor) lockRun(repository, runID string) func() {
	key := repository + "|" + runID
	v, _ := m.runLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// HandleEvent applies one workflow event. Events for a run must be
// applied in order: late or replayed events are rejected with
// ErrStaleEvent, except that redelivering a run's final event is an
// idempotent no-op.
func (m *Monitor) HandleEvent(ctx context.Context, event *domain.WorkflowEvent) error {
	if event.Repository == "" || event.RunID == "" {
		return fmt.Errorf("event requires repository and run_id")
	}

	unlock := m.lockRun(event.Repository, event.RunID)
	defer unlock()

	run, err := m.runs.GetByRunID(ctx, event.Repository, event.RunID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		run = &domain.PipelineRun{
			ID:           uuid.New().String(),
			Repository:   event.Repository,
			WorkflowName: event.WorkflowName,
			RunID:        event.RunID,
			Branch:       event.Branch,
			CommitSHA:    event.CommitSHA,
			Status:       domain.RunStatusRunning,
			StartedAt:    event.OccurredAt,
		}
	case err != nil:
		return fmt.Errorf("load run: %w", err)
	}

	order := event.Order()

	if run.Finished() {
		switch {
		case event.Status != run.Status:
			metrics.EventsRejected.WithLabelValues(event.Repository, "finished").Inc()
			return ErrRunFinished
		case order <= run.LastSequence:
			// Terminal redelivery.
			return nil
		}
		// A later event with the same terminal status is a re-run that
		// ended the same way; its failures count as recurrences.
	} else if order <= run.LastSequence {
		metrics.EventsRejected.WithLabelValues(event.Repository, "stale").Inc()
		return ErrStaleEvent
	}

	run.Status = event.Status
	run.LastSequence = order
	if run.FinishedAt == nil &&
		(event.Status == domain.RunStatusSuccess ||
			event.Status == domain.RunStatusFailure ||
			event.Status == domain.RunStatusCancelled) {
		t := event.OccurredAt
		run.FinishedAt = &t
	}

	if err := m.saveRun(ctx, run); err != nil {
		return err
	}
	metrics.EventsProcessed.WithLabelValues(event.Repository).Inc()

	if event.Status == domain.RunStatusFailure {
		for i := range event.FailedJobs {
			m.recordFailure(ctx, run, event, &event.FailedJobs[i])
		}
	}
	return nil
}

// saveRun persists the run, retrying transient storage failures so an
// applied event is not lost to a blip.
func (m *Monitor) saveRun(ctx context.Context, run *domain.PipelineRun) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.runs.Save(ctx, run); err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// recordFailure classifies and persists one failed job. Past the
// severity/recurrence threshold it emits a notice and starts automatic
// recovery when the repository opts in. Downstream errors are logged,
// never propagated: one bad job must not block the rest of the event.
func (m *Monitor) recordFailure(
	ctx context.Context,
	run *domain.PipelineRun,
	event *domain.WorkflowEvent,
	job *domain.JobFailure,
) {
	repoCfg := m.cfg.Repo(event.Repository)

	failure, err := m.failures.FindOpen(ctx, event.RunID, job.JobName, job.StepName)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		failure = &domain.PipelineFailure{
			ID:         uuid.New().String(),
			RunID:      event.RunID,
			Repository: event.Repository,
			Branch:     event.Branch,
			CommitSHA:  event.CommitSHA,
			JobName:    job.JobName,
			StepName:   job.StepName,
			Message:    job.Message,
			Resolution: domain.ResolutionOpen,
			DetectedAt: event.OccurredAt,
		}
	case err != nil:
		m.log.Error("failed to look up open failure",
			"repository", event.Repository,
			"job", job.JobName,
			"error", err,
		)
		return
	default:
		// Same job failing again in this run counts as a recurrence.
		count, err := m.failures.IncrementRetry(ctx, failure.ID)
		if err != nil {
			m.log.Error("failed to bump retry count", "failure_id", failure.ID, "error", err)
			return
		}
		failure.RetryCount = count
		failure.Message = job.Message
	}

	failure.Category, failure.Severity = m.classifier.Classify(classify.Input{
		JobName:       job.JobName,
		StepName:      job.StepName,
		Message:       job.Message,
		Branch:        event.Branch,
		PrimaryBranch: repoCfg.PrimaryBranch,
		RetryCount:    failure.RetryCount,
	})

	if err := m.failures.Save(ctx, failure); err != nil {
		m.log.Error("failed to save failure", "failure_id", failure.ID, "error", err)
		return
	}
	metrics.FailuresClassified.WithLabelValues(string(failure.Category), string(failure.Severity)).Inc()

	m.log.Warn("pipeline failure recorded",
		"repository", failure.Repository,
		"run_id", failure.RunID,
		"job", failure.JobName,
		"category", failure.Category,
		"severity", failure.Severity,
		"retry_count", failure.RetryCount,
	)

	// Below-threshold failures are recorded and nothing more: no notice,
	// no recovery. High or critical severity crosses the threshold, as
	// does a failure that kept recurring.
	if !failure.Severity.AtLeast(domain.SeverityHigh) &&
		failure.RetryCount < m.cfg.Monitor.SeverityRetryThreshold {
		return
	}

	m.emitNotice(ctx, failure)

	if repoCfg.AutoRecovery && m.recoverer != nil {
		m.autoRecover(ctx, failure)
	}
}

// emitNotice sends the failure notice, escalating when the failure's
// signature recurred past the threshold and no cooldown is active.
func (m *Monitor) emitNotice(ctx context.Context, failure *domain.PipelineFailure) {
	notice := &domain.FailureNotice{
		Repository: failure.Repository,
		FailureID:  failure.ID,
		Category:   failure.Category,
		Severity:   failure.Severity,
		Message:    failure.Message,
		RetryCount: failure.RetryCount,
		ByCategory: make(map[domain.FailureCategory]int),
		Suggestion: pattern.SuggestionFor(failure.Category),
		EmittedAt:  time.Now(),
	}

	signature := pattern.Signature(failure.Message)
	recent, err := m.failures.ListRecent(ctx, failure.Repository, time.Now().Add(-m.cfg.Monitor.Window))
	if err != nil {
		m.log.Warn("failed to list recent failures for notice", "error", err)
	} else {
		recurrences := 0
		for _, f := range recent {
			notice.ByCategory[f.Category]++
			if f.Category == failure.Category && pattern.Signature(f.Message) == signature {
				recurrences++
			}
		}
		if recurrences >= m.cfg.Monitor.EscalationThreshold {
			notice.Escalated = m.startCooldown(ctx, failure.Repository, signature)
		}
	}

	if err := m.notifier.Send(ctx, notice); err != nil {
		m.log.Warn("failed to deliver notice", "failure_id", failure.ID, "error", err)
		return
	}
	metrics.NoticesEmitted.WithLabelValues(failure.Repository, fmt.Sprintf("%t", notice.Escalated)).Inc()
}

// startCooldown begins the escalation cooldown for (repository,
// signature). Returns false when a previous escalation is still cooling
// down, so repeats stay quiet.
func (m *Monitor) startCooldown(ctx context.Context, repository, signature string) bool {
	if m.cooldowns != nil {
		ok, err := m.cooldowns.MarkCooldown(ctx, repository, signature, m.cfg.Monitor.Cooldown)
		if err != nil {
			m.log.Warn("cooldown check failed", "repository", repository, "error", err)
			return false
		}
		return ok
	}

	m.localCooldownMu.Lock()
	defer m.localCooldownMu.Unlock()
	key := repository + "|" + signature
	if until, ok := m.localCooldown[key]; ok && time.Now().Before(until) {
		return false
	}
	m.localCooldown[key] = time.Now().Add(m.cfg.Monitor.Cooldown)
	return true
}

func (m *Monitor) autoRecover(ctx context.Context, failure *domain.PipelineFailure) {
	state, err := m.recoverer.Initiate(ctx, recovery.Request{
		FailureID: failure.ID,
		Type:      domain.RecoveryAuto,
		Auto:      true,
	})
	switch {
	case errors.Is(err, recovery.ErrRetryLimit):
		m.log.Warn("automatic attempts exhausted, leaving failure for operators",
			"failure_id", failure.ID,
			"retry_count", failure.RetryCount,
		)
	case errors.Is(err, recovery.ErrAlreadyRecovering):
		m.log.Info("recovery already running", "failure_id", failure.ID)
	case errors.Is(err, recovery.ErrBackoffActive):
		m.log.Info("recovery deferred by backoff", "failure_id", failure.ID)
	case err != nil:
		m.log.Error("automatic recovery failed to start", "failure_id", failure.ID, "error", err)
	default:
		m.log.Info("automatic recovery finished",
			"failure_id", failure.ID,
			"recovery_id", state.ID,
			"status", state.Status,
		)
	}
}

// SaveCheckpoint records a workflow checkpoint.
func (m *Monitor) SaveCheckpoint(
	ctx context.Context,
	cp *domain.WorkflowCheckpoint,
) (*domain.WorkflowCheckpoint, error) {
	return m.checkpoints.Save(ctx, cp)
}

// ListCheckpoints returns a run's checkpoints, newest first.
func (m *Monitor) ListCheckpoints(ctx context.Context, runID string) ([]*domain.WorkflowCheckpoint, error) {
	return m.checkpoints.ListByRun(ctx, runID)
}

// TriggerRecovery starts a manually requested recovery.
func (m *Monitor) TriggerRecovery(
	ctx context.Context,
	failureID string,
	rtype domain.RecoveryType,
	targetCheckpointID string,
) (*domain.RecoveryState, error) {
	if m.recoverer == nil {
		return nil, fmt.Errorf("recovery is not configured")
	}
	return m.recoverer.Initiate(ctx, recovery.Request{
		FailureID:          failureID,
		Type:               rtype,
		TargetCheckpointID: targetCheckpointID,
	})
}

// Patterns returns recurring failure patterns for a repository (all
// repositories when empty).
func (m *Monitor) Patterns(ctx context.Context, repository string) ([]*domain.FailurePattern, error) {
	return m.analyzer.Analyze(ctx, repository)
}
