package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work. ctx is cancelled once the pool has shut down.
type Task func(ctx context.Context)

// Stats counts what happened to submitted tasks.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
	Panicked  uint64 `json:"panicked"`
}

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
// Submit never blocks: a full queue rejects the task.
type Pool struct {
	name      string
	queue     chan Task
	wg        sync.WaitGroup
	mu        sync.RWMutex // held for reading while a task is enqueued
	accepting bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	submitted atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// New starts a pool called name with workers goroutines and room for
// queueSize pending tasks.
func New(name string, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.accepting = true

	for i := 0; i < workers; i++ {
		go p.worker()
	}
	log.Debug("worker pool started", "pool", name, "workers", workers, "queueSize", queueSize)
	return p
}

// Context is cancelled when Shutdown completes.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit enqueues task and reports whether it was accepted.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.accepting {
		p.rejected.Add(1)
		return false
	}

	// Add before enqueueing so Shutdown cannot miss the task.
	p.wg.Add(1)
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return true
	default:
		p.wg.Done()
		p.rejected.Add(1)
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued ones until ctx
// expires. Workers exit afterwards and the pool context is cancelled.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name)
	}

	p.closeOnce.Do(func() {
		p.cancel()
		close(p.queue)
	})
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
	p.completed.Add(1)
}
