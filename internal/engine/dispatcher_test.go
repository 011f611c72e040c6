package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pipewatch/pipewatch/internal/checkpoint"
	"github.com/pipewatch/pipewatch/internal/classify"
	"github.com/pipewatch/pipewatch/internal/core/config"
	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage/memory"
	"github.com/pipewatch/pipewatch/internal/monitor"
	"github.com/pipewatch/pipewatch/internal/notify"
	"github.com/pipewatch/pipewatch/internal/pattern"
)

func newTestMonitor(store *memory.MemoryStorage) *monitor.Monitor {
	cfg := &config.AppConfig{
		Monitor: config.MonitorConfig{
			Window:                 7 * 24 * time.Hour,
			EscalationThreshold:    3,
			Cooldown:               time.Hour,
			SeverityRetryThreshold: 2,
		},
	}
	failures := memory.NewFailureRepo(store)
	return monitor.New(
		memory.NewRunRepo(store),
		failures,
		memory.NewRecoveryRepo(store),
		checkpoint.NewStore(memory.NewCheckpointRepo(store)),
		classify.New(2),
		pattern.NewAnalyzer(failures, cfg.Monitor.Window),
		nil,
		&notify.LogNotifier{},
		nil,
		cfg,
	)
}

func TestDispatcher_PreservesPerRunOrder(t *testing.T) {
	store := memory.NewMemoryStorage()
	mon := newTestMonitor(store)
	d := NewDispatcher(mon, 4)

	ctx := context.Background()
	d.Start(ctx)

	const runs = 5
	const eventsPerRun = 20
	for seq := 1; seq <= eventsPerRun; seq++ {
		for run := 0; run < runs; run++ {
			ev := &domain.WorkflowEvent{
				Repository: "acme/api",
				RunID:      fmt.Sprintf("run-%d", run),
				Status:     domain.RunStatusRunning,
				Sequence:   uint64(seq),
				OccurredAt: time.Now(),
			}
			if err := d.Submit(ctx, ev); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}
	d.Stop()

	runRepo := memory.NewRunRepo(store)
	for run := 0; run < runs; run++ {
		runID := fmt.Sprintf("run-%d", run)
		stored, err := runRepo.GetByRunID(ctx, "acme/api", runID)
		if err != nil {
			t.Fatalf("get %s: %v", runID, err)
		}
		// Every event applied in order means no rejections and the final
		// sequence is the highest submitted.
		if stored.LastSequence != eventsPerRun {
			t.Errorf("%s last sequence = %d, want %d", runID, stored.LastSequence, eventsPerRun)
		}
	}
}

func TestDispatcher_SubmitAfterStop(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := NewDispatcher(newTestMonitor(store), 2)

	ctx := context.Background()
	d.Start(ctx)
	d.Stop()

	ev := &domain.WorkflowEvent{Repository: "acme/api", RunID: "run-1", Status: domain.RunStatusRunning, Sequence: 1, OccurredAt: time.Now()}
	if err := d.Submit(ctx, ev); err == nil {
		t.Error("expected error submitting after stop")
	}

	// Stopping twice is a no-op.
	d.Stop()
}

func TestDispatcher_SubmitAfterCancel(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := NewDispatcher(newTestMonitor(store), 1)

	// Fill the only shard without starting workers, then cancel.
	ctx, cancel := context.WithCancel(context.Background())
	ev := &domain.WorkflowEvent{Repository: "acme/api", RunID: "run-1", Status: domain.RunStatusRunning, Sequence: 1, OccurredAt: time.Now()}
	for i := 0; i < defaultQueueSize; i++ {
		if err := d.Submit(ctx, ev); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	cancel()

	if err := d.Submit(ctx, ev); err == nil {
		t.Error("expected error submitting to a full shard with cancelled context")
	}
}
