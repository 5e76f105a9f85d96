package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashfox/meshgate/internal/logger"
)

// Executor runs one job attempt. Implementations must honor ctx
// cancellation; the worker cancels it when the lease is lost.
type Executor interface {
	ExecuteJob(ctx context.Context, job *Job) (json.RawMessage, error)
}

// DefaultIdleDelay is how long a worker sleeps when the queue is empty.
const DefaultIdleDelay = 250 * time.Millisecond

// Pool drains the queue with a fixed set of workers.
type Pool struct {
	queue     *Queue
	exec      Executor
	count     int
	idleDelay time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. count defaults to 1, idleDelay to
// DefaultIdleDelay.
func NewPool(queue *Queue, exec Executor, count int, idleDelay time.Duration) *Pool {
	if count < 1 {
		count = 1
	}
	if idleDelay <= 0 {
		idleDelay = DefaultIdleDelay
	}
	return &Pool{queue: queue, exec: exec, count: count, idleDelay: idleDelay}
}

// Start launches the workers. Call Stop to drain them.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.count; i++ {
		w := &worker{
			id:        fmt.Sprintf("worker-%d", i+1),
			queue:     p.queue,
			exec:      p.exec,
			idleDelay: p.idleDelay,
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
	logger.Info("job pool started with %d worker(s)", p.count)
}

// Stop cancels the workers and waits for in-flight attempts to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

type worker struct {
	id        string
	queue     *Queue
	exec      Executor
	idleDelay time.Duration
}

func (w *worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job := w.queue.ClaimNext(w.id)
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.idleDelay):
			}
			continue
		}
		w.execute(ctx, job)
	}
}

// execute runs one attempt under a heartbeat. The heartbeat fires at a
// third of the lease so it always lands well inside the lease window; if
// the queue stops honoring it the attempt is aborted locally, because
// another worker may already hold the job.
func (w *worker) execute(ctx context.Context, job *Job) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go w.heartbeat(attemptCtx, cancel, job, done)

	result, err := w.exec.ExecuteJob(attemptCtx, job)

	if attemptCtx.Err() != nil && ctx.Err() == nil {
		logger.Warn("worker %s lost lease on job %s, aborting attempt %d", w.id, job.ID, job.AttemptCount)
		return
	}
	if err != nil {
		if failErr := w.queue.Fail(job.ID, err.Error()); failErr != nil {
			logger.Warn("worker %s could not fail job %s: %v", w.id, job.ID, failErr)
		}
		return
	}
	if completeErr := w.queue.Complete(job.ID, result); completeErr != nil {
		logger.Warn("worker %s could not complete job %s: %v", w.id, job.ID, completeErr)
	}
}

func (w *worker) heartbeat(ctx context.Context, abort context.CancelFunc, job *Job, done <-chan struct{}) {
	interval := time.Duration(job.LeaseMs/3) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.queue.Heartbeat(job.ID, w.id) {
				abort()
				return
			}
		}
	}
}
