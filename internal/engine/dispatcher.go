package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/pkg/schema"
)

// DispatcherMetrics tracks dispatched runs.
type DispatcherMetrics struct {
	Active    int64 `json:"active"`
	Finished  int64 `json:"finished"`
	Suspended int64 `json:"suspended"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrDispatcherShutdown is returned when a job is submitted after Shutdown.
var ErrDispatcherShutdown = errors.New("dispatcher is shut down")

// Job is one run to execute.
type Job struct {
	Definition *schema.WorkflowDefinition
	Handlers   Handlers
	Run        *schema.RunRecord
	// Done, if set, receives the outcome on the worker goroutine.
	Done func(*Result, error)
}

// Dispatcher runs many runs concurrently on a bounded set of goroutines.
// Each run's steps stay strictly sequential; two jobs for the same run are
// serialized by the runtime.
type Dispatcher struct {
	runtime *Runtime
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics DispatcherMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewDispatcher creates a dispatcher running at most size runs at once.
func NewDispatcher(rt *Runtime, size int) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		runtime: rt,
		sem:     make(chan struct{}, size),
		done:    make(chan struct{}),
	}
}

// Submit starts job on a free worker. It blocks while all workers are busy
// and returns early if ctx ends or the dispatcher shuts down. The run uses
// ctx, so cancelling it also interrupts retry waits.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	if job.Run == nil || job.Definition == nil {
		return schema.NewError(schema.ErrCodeValidation, "job requires a definition and a run")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherShutdown
	}
	d.mu.Unlock()

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDispatcherShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot miss it.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.sem
		return ErrDispatcherShutdown
	}
	d.wg.Add(1)
	atomic.AddInt64(&d.metrics.Active, 1)
	d.mu.Unlock()

	go d.execute(ctx, job)
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, job Job) {
	var (
		res *Result
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&d.metrics.Panics, 1)
			err = fmt.Errorf("run %s panicked: %v", job.Run.RunID, r)
			logging.LogWith(ctx, d.runtime.logger).ErrorContext(ctx, "dispatched run panicked",
				slog.String("run_id", job.Run.RunID),
				slog.Any("panic", r),
			)
		}
		switch {
		case err != nil:
			atomic.AddInt64(&d.metrics.Failed, 1)
		case res.Status == schema.WorkflowStatusWaitingHitl:
			atomic.AddInt64(&d.metrics.Suspended, 1)
		default:
			atomic.AddInt64(&d.metrics.Finished, 1)
		}
		atomic.AddInt64(&d.metrics.Active, -1)
		<-d.sem
		if job.Done != nil {
			job.Done(res, err)
		}
		d.wg.Done()
	}()

	res, err = d.runtime.Run(ctx, job.Definition, job.Handlers, job.Run)
}

// Wait blocks until every submitted run returns.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown rejects new jobs and waits for active runs to return.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
}

// Metrics returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Metrics() DispatcherMetrics {
	return DispatcherMetrics{
		Active:    atomic.LoadInt64(&d.metrics.Active),
		Finished:  atomic.LoadInt64(&d.metrics.Finished),
		Suspended: atomic.LoadInt64(&d.metrics.Suspended),
		Failed:    atomic.LoadInt64(&d.metrics.Failed),
		Panics:    atomic.LoadInt64(&d.metrics.Panics),
	}
}
