package engine

import (
	"context"
	"sync"
)

// workerPool is a fixed-size goroutine pool with a bounded input queue.
// With a single worker, items are processed strictly in submission order.
type workerPool[T any] struct {
	queue   chan T
	process func(t T)
	wg      sync.WaitGroup
	once    sync.Once
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
func newWorkerPool[T any](n, cap int, fn func(T)) *workerPool[T] {
	p := &workerPool[T]{
		queue:   make(chan T, cap),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	return p
}

// run drains the queue until it is closed; queued items are always
// processed, even during shutdown.
func (p *workerPool[T]) run() {
	for t := range p.queue {
		p.process(t)
	}
}

// Submit enqueues t, blocking while the queue is full. It returns ctx.Err()
// if ctx ends first.
func (p *workerPool[T]) Submit(ctx context.Context, t T) error {
	select {
	case p.queue <- t:
		return nil
	default:
	}
	select {
	case p.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain closes the queue and waits for all workers to finish. Submit must not
// be called afterwards.
func (p *workerPool[T]) Drain() {
	p.once.Do(func() { close(p.queue) })
	p.wg.Wait()
}

// QueueLen returns how many items are currently queued.
func (p *workerPool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *workerPool[T]) QueueCap() int {
	return cap(p.queue)
}
