package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pipewatch/pipewatch/internal/checkpoint"
	"github.com/pipewatch/pipewatch/internal/classify"
	"github.com/pipewatch/pipewatch/internal/core/config"
	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
	"github.com/pipewatch/pipewatch/internal/infra/storage/memory"
	"github.com/pipewatch/pipewatch/internal/pattern"
	"github.com/pipewatch/pipewatch/internal/recovery"
)

type captureNotifier struct {
	notices []*domain.FailureNotice
}

func (n *captureNotifier) Send(ctx context.Context, notice *domain.FailureNotice) error {
	n.notices = append(n.notices, notice)
	return nil
}

type stubRecoverer struct {
	requests []recovery.Request
	err      error
}

func (r *stubRecoverer) Initiate(ctx context.Context, req recovery.Request) (*domain.RecoveryState, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	return &domain.RecoveryState{ID: "rec-1", Status: domain.RecoverySucceeded}, nil
}

type monitorFixture struct {
	runs      *memory.RunRepo
	failures  *memory.FailureRepo
	notifier  *captureNotifier
	recoverer *stubRecoverer
	mon       *Monitor
}

func newMonitorFixture(t *testing.T, autoRecovery bool) *monitorFixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	failures := memory.NewFailureRepo(store)

	cfg := &config.AppConfig{
		Repositories: []config.RepoConfig{
			{Name: "acme/api", PrimaryBranch: "main", AutoRecovery: autoRecovery},
		},
		Monitor: config.MonitorConfig{
			Window:                 7 * 24 * time.Hour,
			EscalationThreshold:    2,
			Cooldown:               4 * time.Hour,
			SeverityRetryThreshold: 2,
		},
	}

	f := &monitorFixture{
		runs:      memory.NewRunRepo(store),
		failures:  failures,
		notifier:  &captureNotifier{},
		recoverer: &stubRecoverer{},
	}
	f.mon = New(
		f.runs,
		failures,
		memory.NewRecoveryRepo(store),
		checkpoint.NewStore(memory.NewCheckpointRepo(store)),
		classify.New(cfg.Monitor.SeverityRetryThreshold),
		pattern.NewAnalyzer(failures, cfg.Monitor.Window),
		f.recoverer,
		f.notifier,
		nil,
		cfg,
	)
	return f
}

func failureEvent(runID string, seq uint64, message string) *domain.WorkflowEvent {
	return &domain.WorkflowEvent{
		Repository:   "acme/api",
		WorkflowName: "ci",
		RunID:        runID,
		Branch:       "feature/x",
		CommitSHA:    "abc123",
		Status:       domain.RunStatusFailure,
		Sequence:     seq,
		FailedJobs: []domain.JobFailure{
			{JobName: "unit-tests", StepName: "pytest", Message: message},
		},
		OccurredAt: time.Now(),
	}
}

func TestHandleEvent_RecordsRunAndFailure(t *testing.T) {
	f := newMonitorFixture(t, false)
	ctx := context.Background()

	if err := f.mon.HandleEvent(ctx, failureEvent("run-1", 1, "pytest: 3 tests failed")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	run, err := f.runs.GetByRunID(ctx, "acme/api", "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusFailure {
		t.Errorf("run status = %s, want failure", run.Status)
	}
	if !run.Finished() {
		t.Error("expected finished run")
	}
	if run.LastSequence != 1 {
		t.Errorf("last sequence = %d, want 1", run.LastSequence)
	}

	failure, err := f.failures.FindOpen(ctx, "run-1", "unit-tests", "pytest")
	if err != nil {
		t.Fatalf("find failure: %v", err)
	}
	if failure.Category != domain.CategoryTesting {
		t.Errorf("category = %s, want testing", failure.Category)
	}
	if failure.Severity != domain.SeverityMedium {
		t.Errorf("severity = %s, want medium", failure.Severity)
	}
	if failure.Resolution != domain.ResolutionOpen {
		t.Errorf("resolution = %s, want open", failure.Resolution)
	}
}

func TestHandleEvent_BelowThresholdStaysQuiet(t *testing.T) {
	f := newMonitorFixture(t, true)
	ctx := context.Background()

	// Medium severity, first occurrence: recorded and nothing more.
	if err := f.mon.HandleEvent(ctx, failureEvent("run-1", 1, "pytest: 3 tests failed")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	if len(f.notifier.notices) != 0 {
		t.Errorf("notices = %d, want 0 below threshold", len(f.notifier.notices))
	}
	if len(f.recoverer.requests) != 0 {
		t.Errorf("recovery requests = %d, want 0 below threshold", len(f.recoverer.requests))
	}

	failure, err := f.failures.FindOpen(ctx, "run-1", "unit-tests", "pytest")
	if err != nil {
		t.Fatalf("find failure: %v", err)
	}
	if failure.Resolution != domain.ResolutionOpen {
		t.Errorf("resolution = %s, want open", failure.Resolution)
	}
}

func TestHandleEvent_RecurrenceCrossesThreshold(t *testing.T) {
	f := newMonitorFixture(t, true)
	ctx := context.Background()

	// Threshold is retry_count >= 2: the first two occurrences stay
	// quiet, the third escalates severity and notifies.
	for seq := uint64(1); seq <= 3; seq++ {
		if err := f.mon.HandleEvent(ctx, failureEvent("run-1", seq, "pytest: 3 tests failed")); err != nil {
			t.Fatalf("event %d: %v", seq, err)
		}
	}

	failure, err := f.failures.FindOpen(ctx, "run-1", "unit-tests", "pytest")
	if err != nil {
		t.Fatalf("find failure: %v", err)
	}
	if failure.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", failure.RetryCount)
	}
	if failure.Severity != domain.SeverityHigh {
		t.Errorf("severity = %s, want high after escalation", failure.Severity)
	}

	if len(f.notifier.notices) != 1 {
		t.Fatalf("notices = %d, want 1 at threshold", len(f.notifier.notices))
	}
	if f.notifier.notices[0].Suggestion == "" {
		t.Error("expected a suggestion on the notice")
	}
	if len(f.recoverer.requests) != 1 {
		t.Errorf("recovery requests = %d, want 1 at threshold", len(f.recoverer.requests))
	}
}

func TestHandleEvent_PrimaryBranchIsCritical(t *testing.T) {
	f := newMonitorFixture(t, false)
	ctx := context.Background()

	ev := failureEvent("run-1", 1, "pytest: 3 tests failed")
	ev.Branch = "main"
	if err := f.mon.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	failure, err := f.failures.FindOpen(ctx, "run-1", "unit-tests", "pytest")
	if err != nil {
		t.Fatalf("find failure: %v", err)
	}
	if failure.Severity != domain.SeverityCritical {
		t.Errorf("severity = %s, want critical on primary branch", failure.Severity)
	}
}

func TestHandleEvent_StaleRejected(t *testing.T) {
	f := newMonitorFixture(t, false)
	ctx := context.Background()

	running := &domain.WorkflowEvent{
		Repository: "acme/api",
		RunID:      "run-1",
		Status:     domain.RunStatusRunning,
		Sequence:   5,
		OccurredAt: time.Now(),
	}
	if err := f.mon.HandleEvent(ctx, running); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	late := &domain.WorkflowEvent{
		Repository: "acme/api",
		RunID:      "run-1",
		Status:     domain.RunStatusRunning,
		Sequence:   3,
		OccurredAt: time.Now(),
	}
	if err := f.mon.HandleEvent(ctx, late); !errors.Is(err, ErrStaleEvent) {
		t.Errorf("err = %v, want ErrStaleEvent", err)
	}
}

func TestHandleEvent_TerminalRedeliveryIdempotent(t *testing.T) {
	f := newMonitorFixture(t, false)
	ctx := context.Background()

	ev := failureEvent("run-1", 1, "pytest: 3 tests failed")
	if err := f.mon.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.mon.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("redelivery must be a no-op, got %v", err)
	}

	failure, err := f.failures.FindOpen(ctx, "run-1", "unit-tests", "pytest")
	if err != nil {
		t.Fatalf("find failure: %v", err)
	}
	if failure.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 after redelivery", failure.RetryCount)
	}
}

func TestHandleEvent_FinishedRunImmutable(t *testing.T) {
	f := newMonitorFixture(t, false)
	ctx := context.Background()

	if err := f.mon.HandleEvent(ctx, failureEvent("run-1", 1, "boom")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	success := &domain.WorkflowEvent{
		Repository: "acme/api",
		RunID:      "run-1",
		Status:     domain.RunStatusSuccess,
		Sequence:   2,
		OccurredAt: time.Now(),
	}
	if err := f.mon.HandleEvent(ctx, success); !errors.Is(err, ErrRunFinished) {
		t.Errorf("err = %v, want ErrRunFinished", err)
	}
}

func TestHandleEvent_RerunCountsRecurrence(t *testing.T) {
	f := newMonitorFixture(t, false)
	ctx := context.Background()

	if err := f.mon.HandleEvent(ctx, failureEvent("run-1", 1, "pytest: 3 tests failed")); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if err := f.mon.HandleEvent(ctx, failureEvent("run-1", 2, "pytest: 2 tests failed")); err != nil {
		t.Fatalf("re-run failure: %v", err)
	}

	failure, err := f.failures.FindOpen(ctx, "run-1", "unit-tests", "pytest")
	if err != nil {
		t.Fatalf("find failure: %v", err)
	}
	if failure.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", failure.RetryCount)
	}
	if failure.Message != "pytest: 2 tests failed" {
		t.Errorf("message not refreshed: %q", failure.Message)
	}

	all, err := f.failures.ListRecent(ctx, "acme/api", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("failure records = %d, want 1", len(all))
	}
}

func TestHandleEvent_EscalationWithCooldown(t *testing.T) {
	f := newMonitorFixture(t, false)
	ctx := context.Background()

	// Same signature across runs on the primary branch (critical, so
	// every failure notifies); escalation threshold is 2.
	for i, msg := range []string{
		"test failed at line 42",
		"test failed at line 99",
		"test failed at line 7",
	} {
		ev := failureEvent(fmt.Sprintf("run-%d", i+1), 1, msg)
		ev.Branch = "main"
		if err := f.mon.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("event %d: %v", i+1, err)
		}
	}

	if len(f.notifier.notices) != 3 {
		t.Fatalf("notices = %d, want 3", len(f.notifier.notices))
	}
	if f.notifier.notices[0].Escalated {
		t.Error("first notice must not escalate below threshold")
	}
	if !f.notifier.notices[1].Escalated {
		t.Error("second notice should escalate at threshold")
	}
	if f.notifier.notices[2].Escalated {
		t.Error("third notice must stay quiet during cooldown")
	}
}

func TestHandleEvent_AutoRecovery(t *testing.T) {
	f := newMonitorFixture(t, true)
	ctx := context.Background()

	ev := failureEvent("run-1", 1, "pytest: 3 tests failed")
	ev.Branch = "main"
	if err := f.mon.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(f.recoverer.requests) != 1 {
		t.Fatalf("recovery requests = %d, want 1", len(f.recoverer.requests))
	}
	req := f.recoverer.requests[0]
	if !req.Auto {
		t.Error("expected auto-flagged request")
	}
	if req.Type != domain.RecoveryAuto {
		t.Errorf("type = %s, want auto", req.Type)
	}
}

func TestHandleEvent_AutoRecoveryDisabled(t *testing.T) {
	f := newMonitorFixture(t, false)

	ev := failureEvent("run-1", 1, "boom")
	ev.Branch = "main"
	if err := f.mon.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(f.recoverer.requests) != 0 {
		t.Errorf("recovery requests = %d, want 0", len(f.recoverer.requests))
	}
}

func TestHandleEvent_RetryLimitLeavesFailureOpen(t *testing.T) {
	f := newMonitorFixture(t, true)
	f.recoverer.err = recovery.ErrRetryLimit
	ctx := context.Background()

	ev := failureEvent("run-1", 1, "pytest: 3 tests failed")
	ev.Branch = "main"
	if err := f.mon.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	failure, err := f.failures.FindOpen(ctx, "run-1", "unit-tests", "pytest")
	if err != nil {
		t.Fatalf("find failure: %v", err)
	}
	if failure.Resolution != domain.ResolutionOpen {
		t.Errorf("resolution = %s, want open for operators", failure.Resolution)
	}
}

func TestDashboard(t *testing.T) {
	f := newMonitorFixture(t, false)
	ctx := context.Background()

	if err := f.mon.HandleEvent(ctx, failureEvent("run-1", 1, "pytest: 3 tests failed")); err != nil {
		t.Fatalf("failure event: %v", err)
	}
	ok := &domain.WorkflowEvent{
		Repository: "acme/api",
		RunID:      "run-2",
		Status:     domain.RunStatusSuccess,
		Sequence:   1,
		OccurredAt: time.Now(),
	}
	if err := f.mon.HandleEvent(ctx, ok); err != nil {
		t.Fatalf("success event: %v", err)
	}

	summary, err := f.mon.Dashboard(ctx, "acme/api")
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if summary.TotalRuns != 2 {
		t.Errorf("total runs = %d, want 2", summary.TotalRuns)
	}
	if summary.FailedRuns != 1 {
		t.Errorf("failed runs = %d, want 1", summary.FailedRuns)
	}
	if summary.FailureRate != 0.5 {
		t.Errorf("failure rate = %f, want 0.5", summary.FailureRate)
	}
	if summary.OpenFailures != 1 {
		t.Errorf("open failures = %d, want 1", summary.OpenFailures)
	}
	if summary.ByCategory[domain.CategoryTesting] != 1 {
		t.Errorf("testing failures = %d, want 1", summary.ByCategory[domain.CategoryTesting])
	}
}

func TestHealth(t *testing.T) {
	f := newMonitorFixture(t, false)

	status := f.mon.Health(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %s, want ok", status.Status)
	}
}

func TestSaveCheckpoint_Passthrough(t *testing.T) {
	f := newMonitorFixture(t, false)

	cp, err := f.mon.SaveCheckpoint(context.Background(), &domain.WorkflowCheckpoint{
		Repository: "acme/api",
		RunID:      "run-1",
		Type:       domain.CheckpointStep,
		Name:       "build",
	})
	if err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if cp.Seq != 1 {
		t.Errorf("seq = %d, want 1", cp.Seq)
	}

	cps, err := f.mon.ListCheckpoints(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 1 {
		t.Errorf("checkpoints = %d, want 1", len(cps))
	}
}

var _ storage.FailureRepository = (*memory.FailureRepo)(nil)
