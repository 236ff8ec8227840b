package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/procvm/vm"
)

// ErrWorkerStopped is returned by Do once the worker was stopped.
var ErrWorkerStopped = errors.New("server: inspection worker stopped")

// workerRequest represents a unit of work to be executed on the worker
// goroutine.
type workerRequest struct {
	fn   func(*vm.Scheduler) interface{}
	done chan workerResult
}

// workerResult holds the return value from a scheduler operation.
type workerResult struct {
	value interface{}
	err   error
}

// Worker serializes the operations that stop, collect or kill programs
// through a single goroutine, so that two requests never stop the same
// program at once. Read-only queries do not need it.
type Worker struct {
	scheduler *vm.Scheduler
	requests  chan workerRequest
	quit      chan struct{}
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker(s *vm.Scheduler) *Worker {
	w := &Worker{
		scheduler: s,
		requests:  make(chan workerRequest, 64),
		quit:      make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			result := w.execute(req.fn)
			req.done <- result
		case <-w.quit:
			return
		}
	}
}

// execute runs a function against the scheduler, recovering from panics.
func (w *Worker) execute(fn func(*vm.Scheduler) interface{}) workerResult {
	var result workerResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("inspection request panicked: %v", r)
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn(w.scheduler)
	}()
	return result
}

// Do submits a function for execution on the worker goroutine and blocks
// until it completes. Returns the result and any error (including panics).
// A request still queued when ctx ends is abandoned.
func (w *Worker) Do(ctx context.Context, fn func(*vm.Scheduler) interface{}) (interface{}, error) {
	select {
	case <-w.quit:
		return nil, ErrWorkerStopped
	default:
	}
	req := workerRequest{
		fn:   fn,
		done: make(chan workerResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *Worker) Stop() {
	close(w.quit)
}

// Scheduler returns the underlying scheduler.
func (w *Worker) Scheduler() *vm.Scheduler {
	return w.scheduler
}
