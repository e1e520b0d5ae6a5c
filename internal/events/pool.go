// Package events publishes room and session lifecycle events to an
// external sink without ever blocking the game path. Publishing goes
// through a fixed worker pool with a bounded queue; when the queue is
// full new events are dropped and counted.
package events

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of work executed by the pool.
type Task func()

// WorkerPool runs a fixed set of workers over a bounded task queue.
// A full queue drops the new task instead of blocking the caller, so
// a slow sink can never stall a session goroutine.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewWorkerPool creates a pool with the given worker count and queue
// capacity.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the workers. Must be called before Submit.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.taskQueue:
			if task != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							wp.logger.Error().
								Interface("panic_value", r).
								Str("stack_trace", string(debug.Stack())).
								Msg("Worker panic recovered")
						}
					}()
					task()
				}()
			}
		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit enqueues a task, dropping it if the queue is full.
func (wp *WorkerPool) Submit(task Task) bool {
	select {
	case wp.taskQueue <- task:
		return true
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
		return false
	}
}

// Stop waits for in-flight tasks to finish. Pending queued tasks are
// abandoned once the context given to Start is cancelled.
func (wp *WorkerPool) Stop() {
	wp.wg.Wait()
}

// DroppedTasks returns how many tasks were dropped due to a full queue.
func (wp *WorkerPool) DroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// QueueDepth returns the number of tasks currently waiting.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}
