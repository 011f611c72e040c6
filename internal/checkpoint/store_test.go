package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
	"github.com/pipewatch/pipewatch/internal/infra/storage/memory"
)

type stubValidator struct {
	valid map[string]bool
}

func (v *stubValidator) Validate(ctx context.Context, cp *domain.WorkflowCheckpoint) domain.ValidationResult {
	return domain.ValidationResult{
		IsValid:   v.valid[cp.Name],
		Stage:     "state",
		CheckedAt: time.Now(),
	}
}

func newTestStore() *Store {
	return NewStore(memory.NewCheckpointRepo(memory.NewMemoryStorage()))
}

func TestSave_AssignsIDAndSeq(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	first, err := store.Save(ctx, &domain.WorkflowCheckpoint{
		Repository: "acme/api",
		RunID:      "run-1",
		Type:       domain.CheckpointStep,
		Name:       "unit-tests",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.ID == "" {
		t.Error("expected assigned checkpoint id")
	}
	if first.Seq != 1 {
		t.Errorf("seq = %d, want 1", first.Seq)
	}

	second, err := store.Save(ctx, &domain.WorkflowCheckpoint{
		Repository: "acme/api",
		RunID:      "run-1",
		Type:       domain.CheckpointStep,
		Name:       "integration-tests",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("seq = %d, want 2", second.Seq)
	}
}

func TestSave_Idempotent(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	cp := &domain.WorkflowCheckpoint{
		Repository: "acme/api",
		RunID:      "run-1",
		Type:       domain.CheckpointJob,
		Name:       "build",
		State:      map[string]string{"artifact": "app.tar.gz"},
	}
	first, err := store.Save(ctx, cp)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	dup, err := store.Save(ctx, &domain.WorkflowCheckpoint{
		Repository: "acme/api",
		RunID:      "run-1",
		Type:       domain.CheckpointJob,
		Name:       "build",
		State:      map[string]string{"artifact": "other.tar.gz"},
	})
	if err != nil {
		t.Fatalf("duplicate save: %v", err)
	}
	if dup.ID != first.ID {
		t.Errorf("duplicate save returned id %s, want original %s", dup.ID, first.ID)
	}
	if dup.Seq != first.Seq {
		t.Errorf("duplicate save returned seq %d, want %d", dup.Seq, first.Seq)
	}
	if dup.State["artifact"] != "app.tar.gz" {
		t.Error("duplicate save must return the originally stored state")
	}

	all, err := store.ListByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("stored checkpoints = %d, want 1", len(all))
	}
}

func TestSave_RejectsIncomplete(t *testing.T) {
	store := newTestStore()
	if _, err := store.Save(context.Background(), &domain.WorkflowCheckpoint{RunID: "run-1"}); err == nil {
		t.Error("expected error for checkpoint without name")
	}
}

func TestLatestValid_SkipsInvalid(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	for _, name := range []string{"checkout", "build", "deploy"} {
		if _, err := store.Save(ctx, &domain.WorkflowCheckpoint{
			Repository: "acme/api",
			RunID:      "run-1",
			Type:       domain.CheckpointStep,
			Name:       name,
		}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	// Newest (deploy) is invalid; build should be chosen over checkout.
	validator := &stubValidator{valid: map[string]bool{"checkout": true, "build": true}}
	got, err := store.LatestValid(ctx, "run-1", validator)
	if err != nil {
		t.Fatalf("latest valid: %v", err)
	}
	if got.Name != "build" {
		t.Errorf("latest valid = %s, want build", got.Name)
	}
}

func TestLatestValid_NoneValid(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.Save(ctx, &domain.WorkflowCheckpoint{
		Repository: "acme/api",
		RunID:      "run-1",
		Type:       domain.CheckpointStep,
		Name:       "build",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err := store.LatestValid(ctx, "run-1", &stubValidator{valid: map[string]bool{}})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
