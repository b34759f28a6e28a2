package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// TaskHandler drives one claimed run.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *core.Task) error
}

// ErrPoolFull is returned by Dispatch when the queue has no room.
var ErrPoolFull = errors.New("worker pool queue full")

// ErrPoolClosed is returned by Dispatch after Close.
var ErrPoolClosed = errors.New("worker pool closed")

const queuePerWorker = 64

// WorkerPool runs at most size tasks at once, not counting tasks that gave
// back their slot with core.ReleaseSlot. Workers start on the first
// Dispatch.
type WorkerPool struct {
	handler TaskHandler
	size    int
	queue   chan *core.Task
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started sync.Once
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewWorkerPool creates a pool of size workers.
func NewWorkerPool(handler TaskHandler, size int) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		handler: handler,
		size:    size,
		queue:   make(chan *core.Task, size*queuePerWorker),
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Name identifies the dispatcher in metrics.
func (p *WorkerPool) Name() string { return "pool" }

// Dispatch queues task without blocking.
func (p *WorkerPool) Dispatch(_ context.Context, task *core.Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.started.Do(p.startWorkers)

	select {
	case p.queue <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

func (p *WorkerPool) startWorkers() {
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.work()
	}
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

// run handles task on its own goroutine and returns once the task finishes
// or gives back its slot, whichever comes first. A released task keeps
// running outside the pool's bound until it is done.
func (p *WorkerPool) run(task *core.Task) {
	ctx, released := core.WithSlot(p.ctx)
	done := make(chan struct{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		p.handle(ctx, task)
	}()

	select {
	case <-done:
	case <-released:
		p.logger.Debug("campaign task released its worker", "key", task.Key, "run_id", task.RunID)
	}
}

func (p *WorkerPool) handle(ctx context.Context, task *core.Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("campaign task panicked",
				"key", task.Key, "run_id", task.RunID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := p.handler.HandleTask(ctx, task); err != nil {
		p.logger.Error("campaign task failed", "key", task.Key, "run_id", task.RunID, "error", err)
	}
}

// Close cancels running tasks, released ones included, and waits for them
// to exit. Queued tasks are dropped; their claims expire and are promoted
// again.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
