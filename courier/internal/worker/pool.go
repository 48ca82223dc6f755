// Package worker runs the pipeline's background work on a small fixed pool of
// goroutines. Queued tasks are taken highest priority first.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/telhawk-systems/courier/courier/internal/metrics"
)

// Priority orders queued tasks. Higher runs first.
type Priority int

const (
	PriorityReplay Priority = iota
	PriorityDelivery
	PriorityWrite
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityWrite:
		return "write"
	case PriorityDelivery:
		return "delivery"
	case PriorityReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// Task is a unit of background work. ctx is cancelled when the pool is
// stopped past its deadline.
type Task func(ctx context.Context)

var (
	ErrPoolClosed = errors.New("worker pool closed")
	ErrQueueFull  = errors.New("worker queue full")
)

// Config holds worker pool configuration.
type Config struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// Pool is a fixed set of workers fed by one bounded queue per priority.
type Pool struct {
	queues  [numPriorities]chan Task
	workers int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// guards closing the queues against concurrent Submit
	mu     sync.RWMutex
	closed bool

	started   atomic.Bool
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// New creates a pool. Workers do not run until Start.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: cfg.Workers,
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, cfg.QueueSize)
	}
	return p
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.logger.Debug("starting worker pool", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues task without blocking.
func (p *Pool) Submit(prio Priority, task Task) error {
	if prio < 0 || prio >= numPriorities {
		prio = PriorityReplay
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queues[prio] <- task:
		return nil
	default:
		metrics.WorkerTasks.WithLabelValues(prio.String(), "rejected").Inc()
		return ErrQueueFull
	}
}

// Stop stops accepting tasks and waits for queued ones to finish. If ctx ends
// first, running tasks are cancelled and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()

	// tasks queued before Start still need someone to drain them
	p.Start()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Stats returns counters for the stats endpoint.
func (p *Pool) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"workers":   p.workers,
		"completed": p.completed.Load(),
		"panicked":  p.panicked.Load(),
	}
	for i, q := range p.queues {
		stats["queued_"+Priority(i).String()] = len(q)
	}
	return stats
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	queues := p.queues
	for {
		prio, task, ok := next(&queues)
		if !ok {
			return
		}
		p.run(id, prio, task)
	}
}

// next returns the highest-priority queued task, blocking until one is
// available or every queue is closed and drained.
func next(queues *[numPriorities]chan Task) (Priority, Task, bool) {
	for {
		open := false
		for i := numPriorities - 1; i >= 0; i-- {
			if queues[i] == nil {
				continue
			}
			open = true
			select {
			case task, ok := <-queues[i]:
				if !ok {
					queues[i] = nil
					continue
				}
				return i, task, true
			default:
			}
		}
		if !open {
			return 0, nil, false
		}

		select {
		case task, ok := <-queues[PriorityWrite]:
			if !ok {
				queues[PriorityWrite] = nil
				continue
			}
			return PriorityWrite, task, true
		case task, ok := <-queues[PriorityDelivery]:
			if !ok {
				queues[PriorityDelivery] = nil
				continue
			}
			return PriorityDelivery, task, true
		case task, ok := <-queues[PriorityReplay]:
			if !ok {
				queues[PriorityReplay] = nil
				continue
			}
			return PriorityReplay, task, true
		}
	}
}

func (p *Pool) run(id int, prio Priority, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			metrics.WorkerTasks.WithLabelValues(prio.String(), "panic").Inc()
			p.logger.Error("worker panic recovered",
				"worker_id", id,
				"priority", prio.String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	task(p.ctx)
	p.completed.Add(1)
	metrics.WorkerTasks.WithLabelValues(prio.String(), "done").Inc()
}
