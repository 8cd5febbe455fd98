// Package pool provides the shared worker pool for controlled concurrency.
//
// A single pool executes both whole-batch driver tasks and individual
// per-request tasks. A batch driver occupies one worker for its lifetime and
// feeds additional short-lived request tasks into the same pool, so the pool
// must be sized larger than the batch admission limit.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
)

// Task represents a unit of work.
type Task func(ctx context.Context)

// WorkerPool manages a fixed set of worker goroutines draining a shared
// task queue. Submit blocks while the queue is full instead of rejecting,
// so callers that fan out many tasks apply natural backpressure.
type WorkerPool struct {
	maxWorkers  int
	taskQueue   chan taskWrapper
	activeCount atomic.Int32
	wg          sync.WaitGroup

	// closeMu 串行化关闭与入队：Submit 持读锁跨越 channel 发送，
	// Close 持写锁后才关闭 channel，不存在 send-on-closed 窗口
	closeMu sync.RWMutex
	closed  bool

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64

	panicHandler func(any)
}

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// Config configures the pool.
type Config struct {
	MaxWorkers   int       `json:"max_workers"`
	QueueSize    int       `json:"queue_size"`
	PanicHandler func(any) `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers: 64,
		QueueSize:  1024,
	}
}

// New creates a worker pool and starts its workers immediately. Unlike a
// lazily-spawning pool, a fixed worker set keeps the concurrency bound exact:
// at no point do more than MaxWorkers tasks run.
func New(config Config) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxWorkers * 16
	}

	p := &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		taskQueue:    make(chan taskWrapper, config.QueueSize),
		panicHandler: config.PanicHandler,
	}

	for i := 0; i < config.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit enqueues a task, blocking while the queue is full. The task runs
// with the provided context; if ctx is cancelled before the task could be
// enqueued, Submit returns ctx.Err() and the task never runs.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskQueue <- taskWrapper{task: task, ctx: ctx}:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues a task without blocking. Returns false if the queue is
// full or the pool is closed.
func (p *WorkerPool) TrySubmit(ctx context.Context, task Task) bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- taskWrapper{task: task, ctx: ctx}:
		p.submitted.Add(1)
		return true
	default:
		return false
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for wrapper := range p.taskQueue {
		// Skip tasks whose context was cancelled while queued. The
		// producer decides whether skipped work needs accounting.
		if wrapper.ctx != nil && wrapper.ctx.Err() != nil {
			continue
		}

		p.activeCount.Add(1)
		p.executeTask(wrapper)
		p.activeCount.Add(-1)
		p.completed.Add(1)
	}
}

func (p *WorkerPool) executeTask(wrapper taskWrapper) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
		}
	}()

	wrapper.task(wrapper.ctx)
}

// Close closes the pool and waits for queued and in-flight tasks to finish.
// A Submit already blocked on a full queue holds the read lock, so Close
// waits behind it; workers keep draining, so neither side can stall forever.
func (p *WorkerPool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.closeMu.Unlock()
	p.wg.Wait()
}

// Stats returns point-in-time pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		MaxWorkers: p.maxWorkers,
		Active:     int(p.activeCount.Load()),
		Queued:     len(p.taskQueue),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Panicked:   p.panicked.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	MaxWorkers int   `json:"max_workers"`
	Active     int   `json:"active"`
	Queued     int   `json:"queued"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Panicked   int64 `json:"panicked"`
}
