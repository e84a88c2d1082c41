package crawler

import (
	"context"
	"errors"
	"sync"
)

type task func(ctx context.Context)

// WorkerPool runs crawl tasks on a fixed set of goroutines fed by a bounded
// queue. Every accepted task runs exactly once: cancellation does not strand
// queued tasks, it only means they run with an already-cancelled context and
// are expected to return early.
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task

	workers   sync.WaitGroup
	closeOnce sync.Once
}

// NewWorkerPool starts a pool with the given concurrency and queue size.
func NewWorkerPool(parent context.Context, concurrency, queueSize int) (*WorkerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan task, queueSize),
	}
	for i := 0; i < concurrency; i++ {
		pool.workers.Add(1)
		go pool.work()
	}
	return pool, nil
}

// work consumes tasks until the queue is closed. The closed queue is the only
// exit condition, so tasks accepted before shutdown always have their
// completion callbacks invoked.
func (p *WorkerPool) work() {
	defer p.workers.Done()
	for fn := range p.tasks {
		fn(p.ctx)
	}
}

// Submit queues a task, blocking while the queue is full. It rejects new
// work once the pool's or the caller's context is cancelled. Submit must not
// be called after Close.
func (p *WorkerPool) Submit(ctx context.Context, fn task) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- fn:
		return nil
	}
}

// Close cancels the pool context, lets the workers drain whatever is still
// queued, and waits for them to exit. Safe to call more than once.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.tasks)
	})
	p.workers.Wait()
}
