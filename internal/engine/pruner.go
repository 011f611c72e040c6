package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipewatch/pipewatch/internal/checkpoint"
)

// Pruner deletes checkpoints past the retention period in the
// background.
type Pruner struct {
	checkpoints *checkpoint.Store
	retention   time.Duration
	interval    time.Duration
	log         *slog.Logger
}

func NewPruner(checkpoints *checkpoint.Store, retention time.Duration) *Pruner {
	return &Pruner{
		checkpoints: checkpoints,
		retention:   retention,
		interval:    time.Hour,
		log:         slog.With("component", "pruner"),
	}
}

// Start runs the retention loop until the context is cancelled. One
// pass runs immediately so restarts don't postpone overdue cleanup.
func (p *Pruner) Start(ctx context.Context) {
	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := time.Now().Add(-p.retention)
	deleted, err := p.checkpoints.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.log.Warn("checkpoint pruning failed", "error", err)
		return
	}
	if deleted > 0 {
		p.log.Info("pruned checkpoints", "deleted", deleted, "cutoff", cutoff)
	}
}
