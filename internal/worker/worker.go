// ============================================================================
// smart-tier Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks, each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait, or exit on stopCh)
//   2. Derive the task Context (parent + optional timeout)
//   3. Run the task, converting a panic into a failed Result
//   4. Send result to resultCh
//
// Timeout and cancellation:
//   - Task.Ctx lets the submitter cancel a single running task
//   - Task.Timeout bounds execution with context.WithTimeout
//   - Run is expected to watch ctx.Done() and return ctx.Err()
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker. It returns once stopCh is closed and the
// current task, if any, has finished.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			start := time.Now()
			err := w.execute(task)

			// resultCh is drained by the pool owner until the pool closes it
			w.resultCh <- Result{
				TaskID:   task.ID,
				Success:  err == nil,
				Error:    err,
				Duration: time.Since(start),
			}
		}
	}
}

// execute runs one task with its context and recovers a panicking task
func (w *Worker) execute(task Task) (err error) {
	parent := task.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: task %s panicked: %v", w.id, task.ID, r)
		}
	}()

	if task.Run == nil {
		return fmt.Errorf("worker %d: task %s has nothing to run", w.id, task.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return task.Run(ctx)
}
