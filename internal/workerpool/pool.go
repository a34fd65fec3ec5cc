// Package workerpool implements a bounded, long-lived background worker
// pool for fire-and-forget tasks (e.g. page summarization) whose submitters
// must never block on the work itself, only on queue capacity.
package workerpool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"asky/internal/observability"
)

// Pool runs submitted functions on a fixed number of workers. Submit blocks
// only while the queue is full, never for the duration of the task itself.
type Pool struct {
	mu     sync.RWMutex
	closed bool

	tasks chan func(context.Context)
	group *errgroup.Group
	ctx   context.Context
	stop  context.CancelFunc
}

// New starts a pool with the given worker count and queue capacity. Both
// are clamped to at least 1.
func New(workers, queueCapacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		tasks: make(chan func(context.Context), queueCapacity),
		group: g,
		ctx:   ctx,
		stop:  cancel,
	}

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			p.runWorker(gctx)
			return nil
		})
	}
	return p
}

func (p *Pool) runWorker(ctx context.Context) {
	log := observability.LoggerWithTrace(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("workerpool task panicked")
					}
				}()
				task(ctx)
			}()
		}
	}
}

// Submit enqueues fn for background execution. It blocks until there is
// queue capacity, the pool is shut down, or ctx is cancelled, whichever
// happens first. Returns false if the task could not be enqueued.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- fn:
		return true
	case <-p.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Shutdown stops accepting new work and waits for in-flight and queued tasks
// to drain, or for ctx to be cancelled, whichever happens first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.stop()
		return ctx.Err()
	}
}
