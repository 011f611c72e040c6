package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
)

// MemoryStorage backs all repositories with in-process maps. Used for
// tests and for running the engine without a database.
type MemoryStorage struct {
	runs        map[string]*domain.PipelineRun
	failures    map[string]*domain.PipelineFailure
	checkpoints map[string]*domain.WorkflowCheckpoint
	recoveries  map[string]*domain.RecoveryState
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:        make(map[string]*domain.PipelineRun),
		failures:    make(map[string]*domain.PipelineFailure),
		checkpoints: make(map[string]*domain.WorkflowCheckpoint),
		recoveries:  make(map[string]*domain.RecoveryState),
	}
}

// -----------------------------------------------------------------------------
// Run Repository
// -----------------------------------------------------------------------------

type RunRepo struct {
	store *MemoryStorage
}

func NewRunRepo(store *MemoryStorage) *RunRepo {
	return &RunRepo{store: store}
}

func (r *RunRepo) Get(ctx context.Context, id string) (*domain.PipelineRun, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	run, ok := r.store.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *RunRepo) GetByRunID(
	ctx context.Context,
	repository, runID string,
) (*domain.PipelineRun, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, run := range r.store.runs {
		if run.Repository == repository && run.RunID == runID {
			cp := *run
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *RunRepo) Save(ctx context.Context, run *domain.PipelineRun) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *run
	r.store.runs[run.ID] = &cp
	return nil
}

func (r *RunRepo) ListRecent(
	ctx context.Context,
	repository string,
	since time.Time,
) ([]*domain.PipelineRun, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var runs []*domain.PipelineRun
	for _, run := range r.store.runs {
		if run.StartedAt.Before(since) {
			continue
		}
		if repository != "" && run.Repository != repository {
			continue
		}
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// -----------------------------------------------------------------------------
// Failure Repository
// -----------------------------------------------------------------------------

type FailureRepo struct {
	store *MemoryStorage
}

func NewFailureRepo(store *MemoryStorage) *FailureRepo {
	return &FailureRepo{store: store}
}

func (r *FailureRepo) Get(ctx context.Context, id string) (*domain.PipelineFailure, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	f, ok := r.store.failures[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *FailureRepo) Save(ctx context.Context, f *domain.PipelineFailure) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *f
	r.store.failures[f.ID] = &cp
	return nil
}

func (r *FailureRepo) FindOpen(
	ctx context.Context,
	runID, jobName, stepName string,
) (*domain.PipelineFailure, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var latest *domain.PipelineFailure
	for _, f := range r.store.failures {
		if f.RunID != runID || f.JobName != jobName || f.StepName != stepName {
			continue
		}
		if f.Resolution != domain.ResolutionOpen && f.Resolution != domain.ResolutionRecovering {
			continue
		}
		if latest == nil || f.DetectedAt.After(latest.DetectedAt) {
			latest = f
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *FailureRepo) IncrementRetry(ctx context.Context, id string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failures[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	f.RetryCount++
	return f.RetryCount, nil
}

func (r *FailureRepo) SetResolution(
	ctx context.Context,
	id string,
	resolution domain.ResolutionStatus,
	at time.Time,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failures[id]
	if !ok {
		return storage.ErrNotFound
	}
	f.Resolution = resolution
	if resolution == domain.ResolutionResolved || resolution == domain.ResolutionAbandoned {
		t := at
		f.ResolvedAt = &t
	} else {
		f.ResolvedAt = nil
	}
	return nil
}

func (r *FailureRepo) ListRecent(
	ctx context.Context,
	repository string,
	since time.Time,
) ([]*domain.PipelineFailure, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var failures []*domain.PipelineFailure
	for _, f := range r.store.failures {
		if f.DetectedAt.Before(since) {
			continue
		}
		if repository != "" && f.Repository != repository {
			continue
		}
		cp := *f
		failures = append(failures, &cp)
	}
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].DetectedAt.After(failures[j].DetectedAt)
	})
	return failures, nil
}

func (r *FailureRepo) CountOpen(ctx context.Context, repository string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, f := range r.store.failures {
		if repository != "" && f.Repository != repository {
			continue
		}
		if f.Resolution == domain.ResolutionOpen || f.Resolution == domain.ResolutionRecovering {
			count++
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Checkpoint Repository
// -----------------------------------------------------------------------------

type CheckpointRepo struct {
	store *MemoryStorage
}

func NewCheckpointRepo(store *MemoryStorage) *CheckpointRepo {
	return &CheckpointRepo{store: store}
}

func (r *CheckpointRepo) Get(ctx context.Context, id string) (*domain.WorkflowCheckpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	cp, ok := r.store.checkpoints[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *cp
	return &out, nil
}

func (r *CheckpointRepo) Save(
	ctx context.Context,
	cp *domain.WorkflowCheckpoint,
) (*domain.WorkflowCheckpoint, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var maxSeq uint64
	for _, existing := range r.store.checkpoints {
		if existing.RunID == cp.RunID {
			if existing.Type == cp.Type && existing.Name == cp.Name {
				// Idempotent save: second insert is a no-op.
				out := *existing
				return &out, nil
			}
			if existing.Seq > maxSeq {
				maxSeq = existing.Seq
			}
		}
	}

	stored := *cp
	stored.Seq = maxSeq + 1
	r.store.checkpoints[cp.ID] = &stored
	out := stored
	return &out, nil
}

func (r *CheckpointRepo) ListByRun(
	ctx context.Context,
	runID string,
) ([]*domain.WorkflowCheckpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var cps []*domain.WorkflowCheckpoint
	for _, cp := range r.store.checkpoints {
		if cp.RunID == runID {
			out := *cp
			cps = append(cps, &out)
		}
	}
	sort.Slice(cps, func(i, j int) bool {
		return cps[i].Seq > cps[j].Seq
	})
	return cps, nil
}

func (r *CheckpointRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, cp := range r.store.checkpoints {
		if cp.CreatedAt.Before(cutoff) {
			delete(r.store.checkpoints, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Recovery Repository
// -----------------------------------------------------------------------------

type RecoveryRepo struct {
	store *MemoryStorage
}

func NewRecoveryRepo(store *MemoryStorage) *RecoveryRepo {
	return &RecoveryRepo{store: store}
}

func (r *RecoveryRepo) Get(ctx context.Context, id string) (*domain.RecoveryState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	state, ok := r.store.recoveries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *state
	return &out, nil
}

func (r *RecoveryRepo) Create(ctx context.Context, state *domain.RecoveryState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, exists := r.store.recoveries[state.ID]; exists {
		return storage.ErrConflict
	}
	cp := *state
	r.store.recoveries[state.ID] = &cp
	return nil
}

func (r *RecoveryRepo) MarkInProgress(ctx context.Context, state *domain.RecoveryState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, ok := r.store.recoveries[state.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Status != domain.RecoveryPending {
		return storage.ErrConflict
	}
	for _, other := range r.store.recoveries {
		if other.FailureID == state.FailureID && other.Status == domain.RecoveryInProgress {
			return storage.ErrConflict
		}
	}
	stored.Status = domain.RecoveryInProgress
	state.Status = domain.RecoveryInProgress
	return nil
}

func (r *RecoveryRepo) Finish(ctx context.Context, state *domain.RecoveryState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, ok := r.store.recoveries[state.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Status.Terminal() {
		return storage.ErrConflict
	}
	cp := *state
	r.store.recoveries[state.ID] = &cp
	return nil
}

func (r *RecoveryRepo) FindInProgress(
	ctx context.Context,
	failureID string,
) (*domain.RecoveryState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, state := range r.store.recoveries {
		if state.FailureID == failureID && state.Status == domain.RecoveryInProgress {
			out := *state
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *RecoveryRepo) ListRecent(
	ctx context.Context,
	repository string,
	since time.Time,
) ([]*domain.RecoveryState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var states []*domain.RecoveryState
	for _, state := range r.store.recoveries {
		if state.StartedAt.Before(since) {
			continue
		}
		if repository != "" && state.Repository != repository {
			continue
		}
		out := *state
		states = append(states, &out)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})
	return states, nil
}

func (r *RecoveryRepo) CountActive(ctx context.Context, repository string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, state := range r.store.recoveries {
		if repository != "" && state.Repository != repository {
			continue
		}
		if state.Status == domain.RecoveryPending || state.Status == domain.RecoveryInProgress {
			count++
		}
	}
	return count, nil
}
