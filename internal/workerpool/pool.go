// Package workerpool runs background tasks, such as archive uploads, on a
// bounded set of goroutines so the frame path never waits on them.
package workerpool

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Task is a unit of work submitted to the pool
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue
type Pool struct {
	name       string
	maxWorkers int
	queue      chan Task
	logger     *slog.Logger

	wg        sync.WaitGroup
	mu        sync.RWMutex // guards sends against closing the queue
	accepting atomic.Bool
	closed    bool

	submitted atomic.Uint64
	rejected  atomic.Uint64
	panicked  atomic.Uint64
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	QueueSize int    `json:"queue_size"`
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Panicked  uint64 `json:"panicked"`
	Accepting bool   `json:"accepting"`
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize
func New(name string, maxWorkers, queueSize int, logger *slog.Logger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		name:       name,
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		logger:     logger.With(slog.String("pool", name)),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	p.logger.Info("Worker pool started",
		slog.Int("workers", maxWorkers),
		slog.Int("queue_size", queueSize),
	)
	return p
}

// Submit enqueues a task without blocking. It returns false if the pool is
// stopped or the queue is full.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		p.rejected.Add(1)
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return false
	}

	// wg.Add happens before the send so Drain cannot miss the task
	p.wg.Add(1)
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return true
	default:
		p.wg.Done()
		p.rejected.Add(1)
		p.logger.Warn("Worker pool queue full, task rejected")
		return false
	}
}

// StopAccepting prevents new tasks from being submitted
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain stops accepting tasks and waits for queued and in-flight tasks until
// ctx is done. The workers exit once the queue is empty.
func (p *Pool) Drain(ctx context.Context) error {
	p.StopAccepting()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool drain timed out", slog.Int("queued", len(p.queue)))
		return ctx.Err()
	}
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.maxWorkers,
		Queued:    len(p.queue),
		QueueSize: cap(p.queue),
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
		Accepting: p.accepting.Load(),
	}
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery. wg.Done matches the
// wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("Task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	task()
}
