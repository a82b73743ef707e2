// Package queue implements the task queue and admission controller: a
// single FIFO plus a processing counter, bounded admission for
// non-streaming requests, unbounded admission for streaming, and the
// dispatch loop that enforces the worker-count concurrency cap. The
// per-Task SSE keep-alive ticker lives in heartbeat.go.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrServerBusy is returned by Submit when a non-streaming task is
// rejected for lack of queue room.
var ErrServerBusy = errors.New("server busy: queue is full, retry with stream=true")

// Task is one request in flight or queued. The queue does not
// interpret Payload; it is opaque context the configured ProcessFunc uses
// (prompt, image refs, model key, response sink).
type Task struct {
	ID        string
	Streaming bool
	Payload   interface{}

	// Done is closed once ProcessFunc returns, for callers awaiting
	// completion (the HTTP handler blocks on this after Submit).
	Done chan struct{}
}

// ProcessFunc executes one admitted Task. It must close nothing on Task —
// the queue closes Done once ProcessFunc returns.
type ProcessFunc func(ctx context.Context, t *Task)

// Config holds the queue's admission knobs. MaxConcurrent is the worker
// count, set by whoever wires the queue to the pool.
type Config struct {
	MaxConcurrent int
	QueueBuffer   int // 0 means "no additional buffer — reject when full"
}

func (c Config) effectiveQueueSize() int {
	return c.MaxConcurrent + c.QueueBuffer
}

// Queue is the single FIFO plus processing counter.
type Queue struct {
	mu              sync.Mutex
	tasks           []*Task
	processingCount int

	cfg     Config
	process ProcessFunc
	onIdle  func()
}

// New builds a Queue that invokes process for every admitted Task and, on
// every drain to empty (no queued tasks, nothing processing), best-effort
// invokes onIdle (wired to pool.NavigateToMonitor by the composition
// root). onIdle may be nil.
func New(cfg Config, process ProcessFunc, onIdle func()) *Queue {
	return &Queue{cfg: cfg, process: process, onIdle: onIdle}
}

// Submit applies the admission rule and, if admitted, enqueues
// t and kicks the dispatch loop. Streaming tasks are always admitted;
// non-streaming tasks are admitted only while
// processingCount + queueLen < effectiveQueueSize.
func (q *Queue) Submit(ctx context.Context, t *Task) error {
	t.Done = make(chan struct{})

	q.mu.Lock()
	if !t.Streaming {
		if q.processingCount+len(q.tasks) >= q.cfg.effectiveQueueSize() {
			q.mu.Unlock()
			return ErrServerBusy
		}
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	q.dispatch(ctx)
	return nil
}

// dispatch pops admitted tasks while processingCount < MaxConcurrent,
// running each asynchronously. On the queue+processing set going empty it
// fires onIdle, best-effort.
func (q *Queue) dispatch(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.processingCount >= q.cfg.MaxConcurrent || len(q.tasks) == 0 {
			idle := q.processingCount == 0 && len(q.tasks) == 0
			q.mu.Unlock()
			if idle && q.onIdle != nil {
				q.onIdle()
			}
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.processingCount++
		q.mu.Unlock()

		go q.run(ctx, task)
	}
}

func (q *Queue) run(ctx context.Context, t *Task) {
	defer func() {
		q.mu.Lock()
		q.processingCount--
		q.mu.Unlock()
		close(t.Done)
		q.dispatch(ctx)
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task", t.ID).Msg("queue: process func panicked")
		}
	}()

	q.process(ctx, t)
}

// ProcessingCount returns the number of tasks currently running; it
// never exceeds MaxConcurrent.
func (q *Queue) ProcessingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processingCount
}

// QueueLen returns the number of tasks waiting (not yet dispatched).
func (q *Queue) QueueLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
