// SPDX-License-Identifier: MIT

// Package workerpool implements a bounded-concurrency, priority-ordered
// task dispatcher. Tasks carry their own deadline; workers recover panics
// and report every outcome through the task's OnDone hook.
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deepdoc-ai/deepdoc/internal/log"
	"github.com/deepdoc-ai/deepdoc/internal/metrics"
	"github.com/deepdoc-ai/deepdoc/internal/taskbus"
)

// ErrQueueFull is returned by Submit when the queue is at capacity. The
// transport layer maps it to 503.
var ErrQueueFull = errors.New("worker queue full")

// ErrShuttingDown is returned by Submit after Shutdown has begun.
var ErrShuttingDown = errors.New("worker pool shutting down")

// Outcome classifies how a task left the pool.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Task is the pool's dispatch record, distinct from the taskbus Task.
type Task struct {
	ID       string
	Type     taskbus.TaskType
	Priority taskbus.Priority
	Timeout  time.Duration
	Run      func(ctx context.Context) error
	// OnDone is invoked exactly once when the slot is freed, including
	// after a timeout whose body never yielded. Optional.
	OnDone func(outcome Outcome, err error)
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Queued     int  `json:"queued"`
	InFlight   int  `json:"in_flight"`
	Succeeded  int  `json:"succeeded"`
	Failed     int  `json:"failed"`
	TimedOut   int  `json:"timed_out"`
	MaxWorkers int  `json:"max_workers"`
	MaxQueue   int  `json:"max_queue"`
	Running    bool `json:"running"`
}

// Options tunes a Pool.
type Options struct {
	Workers        int           // number of worker loops (default 3)
	QueueSize      int           // bounded queue capacity (default 100)
	DefaultTimeout time.Duration // applied when Task.Timeout is zero (default 1h)
	GraceWindow    time.Duration // wait after deadline before abandoning the body (default 2s)
	Name           string        // component tag for logs ("pool" when empty)
}

// Pool dispatches tasks to a fixed set of worker goroutines. The queue is
// ordered by descending priority, FIFO within a priority.
type Pool struct {
	opts Options

	mu       sync.Mutex
	queue    taskHeap
	seq      uint64
	running  bool
	draining bool

	signal chan struct{}
	wg     sync.WaitGroup

	inFlight  int
	succeeded int
	failed    int
	timedOut  int
}

// New creates a pool. Start must be called before tasks execute.
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Hour
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 2 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "pool"
	}
	return &Pool{
		opts:   opts,
		signal: make(chan struct{}, opts.QueueSize),
	}
}

// Start launches the worker loops. Workers stop when ctx is cancelled and
// their current task has returned (or been abandoned).
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit enqueues a task. It returns ErrQueueFull synchronously when the
// queue is at capacity so the caller can reject the request immediately.
func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %s has no body", t.ID)
	}
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrShuttingDown
	}
	if p.queue.Len() >= p.opts.QueueSize {
		p.mu.Unlock()
		metrics.PoolTasksTotal.WithLabelValues("rejected").Inc()
		return ErrQueueFull
	}
	p.seq++
	heap.Push(&p.queue, &queued{task: t, seq: p.seq})
	depth := p.queue.Len()
	p.mu.Unlock()

	metrics.PoolQueueDepth.Set(float64(depth))
	select {
	case p.signal <- struct{}{}:
	default:
		// Capacity of signal matches the queue, so this cannot drop a
		// wakeup for a queued task.
	}
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Queued:     p.queue.Len(),
		InFlight:   p.inFlight,
		Succeeded:  p.succeeded,
		Failed:     p.failed,
		TimedOut:   p.timedOut,
		MaxWorkers: p.opts.Workers,
		MaxQueue:   p.opts.QueueSize,
		Running:    p.running && !p.draining,
	}
}

// Shutdown stops intake and waits for in-flight tasks up to the context
// deadline. Queued tasks that never started are discarded.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) worker(ctx context.Context, idx int) {
	defer p.wg.Done()
	logger := log.WithComponent(p.opts.Name).With().Int("worker", idx).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
		}
		t, ok := p.pop()
		if !ok {
			continue
		}
		p.execute(ctx, logger, t)
	}
}

func (p *Pool) pop() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() == 0 {
		return Task{}, false
	}
	q := heap.Pop(&p.queue).(*queued)
	p.inFlight++
	metrics.PoolQueueDepth.Set(float64(p.queue.Len()))
	metrics.PoolInFlight.Set(float64(p.inFlight))
	return q.task, true
}

func (p *Pool) finish(outcome Outcome) {
	p.mu.Lock()
	p.inFlight--
	switch outcome {
	case OutcomeSucceeded:
		p.succeeded++
	case OutcomeFailed:
		p.failed++
	case OutcomeTimedOut:
		p.timedOut++
	}
	metrics.PoolInFlight.Set(float64(p.inFlight))
	p.mu.Unlock()
	metrics.PoolTasksTotal.WithLabelValues(string(outcome)).Inc()
}

// execute runs one task body under its deadline. The body runs in its own
// goroutine so a deadline overrun cannot wedge the worker: after the grace
// window the body is abandoned and the slot freed.
func (p *Pool) execute(ctx context.Context, logger zerolog.Logger, t Task) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = p.opts.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug().
		Str(log.FieldTaskID, t.ID).
		Str(log.FieldTaskType, string(t.Type)).
		Str(log.FieldPriority, t.Priority.String()).
		Msg("task dequeued")

	bodyErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				bodyErr <- fmt.Errorf("task body panic: %v", r)
			}
		}()
		bodyErr <- t.Run(runCtx)
	}()

	var outcome Outcome
	var err error
	select {
	case err = <-bodyErr:
		outcome = classify(runCtx, err)
	case <-runCtx.Done():
		// Deadline or pool shutdown. Give the body a grace window to
		// yield cooperatively before abandoning it.
		select {
		case err = <-bodyErr:
			outcome = classify(runCtx, err)
		case <-time.After(p.opts.GraceWindow):
			outcome = OutcomeTimedOut
			err = context.DeadlineExceeded
			logger.Warn().
				Str(log.FieldTaskID, t.ID).
				Dur("timeout", timeout).
				Msg("task body abandoned after deadline")
		}
	}

	p.finish(outcome)
	if t.OnDone != nil {
		t.OnDone(outcome, err)
	}
}

// classify maps a body error to an outcome, distinguishing a deadline
// overrun from an ordinary failure.
func classify(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeTimedOut
	default:
		return OutcomeFailed
	}
}
