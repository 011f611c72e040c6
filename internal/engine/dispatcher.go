package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/monitor"
)

// Dispatcher fans events out to a fixed worker pool. Events are sharded
// by (repository, run) so one run's events apply in submission order
// while different runs proceed in parallel.
type Dispatcher struct {
	mon    *monitor.Monitor
	queues []chan *domain.WorkflowEvent
	wg     sync.WaitGroup
	log    *slog.Logger

	// mu fences Submit against Stop closing the queues: submitters hold
	// the read side, Stop flips stopped under the write side before
	// closing.
	mu      sync.RWMutex
	stopped bool
}

const defaultQueueSize = 256

func NewDispatcher(mon *monitor.Monitor, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan *domain.WorkflowEvent, workers)
	for i := range queues {
		queues[i] = make(chan *domain.WorkflowEvent, defaultQueueSize)
	}
	return &Dispatcher{
		mon:    mon,
		queues: queues,
		log:    slog.With("component", "dispatcher"),
	}
}

// Start launches the workers. They drain their queues until Stop closes
// them.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, queue := range d.queues {
		d.wg.Add(1)
		go func(worker int, queue chan *domain.WorkflowEvent) {
			defer d.wg.Done()
			for event := range queue {
				if err := d.mon.HandleEvent(ctx, event); err != nil {
					switch {
					case errors.Is(err, monitor.ErrStaleEvent),
						errors.Is(err, monitor.ErrRunFinished):
						d.log.Debug("event rejected",
							"worker", worker,
							"repository", event.Repository,
							"run_id", event.RunID,
							"error", err,
						)
					default:
						d.log.Error("event failed",
							"worker", worker,
							"repository", event.Repository,
							"run_id", event.RunID,
							"error", err,
						)
					}
				}
			}
		}(i, queue)
	}
}

// Submit queues one event. Blocks when the target shard is full so
// backpressure reaches the producer; ctx cancellation aborts the wait.
// Submitting after Stop returns an error.
func (d *Dispatcher) Submit(ctx context.Context, event *domain.WorkflowEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return fmt.Errorf("submit event: dispatcher stopped")
	}

	h := fnv.New32a()
	h.Write([]byte(event.Repository))
	h.Write([]byte("|"))
	h.Write([]byte(event.RunID))
	queue := d.queues[h.Sum32()%uint32(len(d.queues))]

	select {
	case queue <- event:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit event: %w", ctx.Err())
	}
}

// Stop closes the queues and waits for in-flight events to finish.
// In-flight Submit calls complete first; later ones are rejected.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	for _, queue := range d.queues {
		close(queue)
	}
	d.wg.Wait()
}
