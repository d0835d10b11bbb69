package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/runnerd/internal/domain"
	"github.com/dontdude/runnerd/internal/frontend"
	"github.com/dontdude/runnerd/internal/platform/retry"
)

// Executor runs one submission on a runner.
type Executor interface {
	Run(ctx context.Context, sub frontend.Submission) (frontend.Reply, error)
}

// Pool implements a fixed-size worker pool draining queued jobs.
// Each job is executed once, its result broadcast, and then acknowledged.
type Pool struct {
	// workerCount bounds how many queued jobs are in flight at once.
	workerCount int
	// tasksCh is the hand-off between the queue consumer and the workers.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup

	exec    Executor
	queue   domain.JobQueue
	timeout time.Duration
	// backoff paces dispatch attempts while the runner pool is empty.
	backoff retry.Config
}

// NewPool initializes the worker pool with a fixed concurrency limit. timeout
// bounds a single job, including the wait for a runner.
func NewPool(concurrency int, exec Executor, queue domain.JobQueue, timeout time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh: make(chan domain.Job, concurrency),
		exec:    exec,
		queue:   queue,
		timeout: timeout,
		backoff: retry.Config{
			InitialDelay:    100 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			Multiplier:      2,
			RandomizeFactor: 0.2,
		},
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start() {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop closes the job channel and blocks until every worker has finished its
// current job.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Submit adds a job to the pool.
// It blocks if the workers are fully saturated.
func (p *Pool) Submit(job domain.Job) {
	p.tasksCh <- job
}

// Consume submits every job read from jobs until the channel closes or ctx is done.
func (p *Pool) Consume(ctx context.Context, jobs <-chan domain.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			p.Submit(job)
		}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	slog.Debug("Worker started", "workerID", id)

	for job := range p.tasksCh {
		p.handle(id, job)
	}

	slog.Debug("Worker stopped", "workerID", id)
}

// handle runs one job. The broadcast and the ack use a fresh context so a job
// that finished during shutdown is still reported.
func (p *Pool) handle(workerID int, job domain.Job) {
	log := slog.With("workerID", workerID, "jobID", job.ID)
	log.Debug("Processing job")

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	reply, err := p.dispatch(ctx, frontend.Submission{Language: job.Language, Code: job.Code})
	cancel()

	result := ToResult(job.ID, reply, err)
	if err != nil {
		log.Warn("Job failed", "error", err)
	}

	reportCtx, cancelReport := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelReport()
	if err := p.queue.Broadcast(reportCtx, result); err != nil {
		log.Error("Failed to broadcast result", "error", err)
	}
	if err := p.queue.Acknowledge(reportCtx, job.RawID); err != nil {
		log.Error("Failed to acknowledge job", "rawID", job.RawID, "error", err)
	}
}

// dispatch runs sub, waiting for a runner to join while the pool is empty.
// Nothing has executed when the pool is empty, so only that error is retried.
// If ctx ends first, the last ErrNoRunners is returned.
func (p *Pool) dispatch(ctx context.Context, sub frontend.Submission) (frontend.Reply, error) {
	var (
		reply  frontend.Reply
		runErr error
	)
	_ = retry.Do(ctx, p.backoff, "dispatch job", func(ctx context.Context) error {
		reply, runErr = p.exec.Run(ctx, sub)
		if errors.Is(runErr, domain.ErrNoRunners) {
			return runErr
		}
		return nil
	})
	return reply, runErr
}

// Result statuses for jobs that never produced an ExecuteResponse.
const (
	StatusNoRunners   = "no_runners"
	StatusUnreachable = "unreachable"
	StatusFailed      = "failed"
)

// ToResult converts the outcome of one execution into a broadcast result.
func ToResult(jobID string, reply frontend.Reply, err error) domain.JobResult {
	result := domain.JobResult{
		JobID:    jobID,
		NodeID:   reply.NodeID,
		Status:   reply.State,
		Retcode:  reply.Retcode,
		Stdout:   reply.Stdout,
		Stderr:   reply.Stderr,
		Duration: reply.Duration,
		Reply:    reply.Render(),
	}
	switch {
	case err == nil:
		return result
	case errors.Is(err, domain.ErrNoRunners):
		result.NodeID = -1
		result.Status = StatusNoRunners
	case errors.Is(err, domain.ErrTransport):
		result.Status = StatusUnreachable
		result.Reply = frontend.NotRunMessage
	default:
		result.Status = StatusFailed
	}
	result.Error = err.Error()
	return result
}
