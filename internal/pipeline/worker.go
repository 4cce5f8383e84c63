// Package pipeline provides the worker pool that runs anonymization jobs.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/pkg/logger"
)

// Outcome is the result of processing one job.
type Outcome struct {
	JobID  string
	Result *models.Result
	Err    error
}

// Handler processes one job.
type Handler func(ctx context.Context, job *models.Job) (*models.Result, error)

// task pairs a job with the channel its outcome is delivered to.
type task struct {
	job   *models.Job
	index int
	reply chan<- indexed
}

type indexed struct {
	index   int
	outcome *Outcome
}

// WorkerPool manages a pool of workers for parallel processing.
type WorkerPool struct {
	tasks      chan *task
	workers    int
	handler    Handler
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
	metrics    *PoolMetrics
	bufferSize int
	jobTimeout time.Duration
	stopOnce   sync.Once
}

// PoolMetrics tracks worker pool statistics.
type PoolMetrics struct {
	mu             sync.Mutex
	Processed      int64
	Errors         int64
	Dropped        int64
	AvgProcessTime time.Duration
	totalTime      time.Duration
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Workers    int           `yaml:"workers"`
	BufferSize int           `yaml:"buffer_size"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	Logger     *zap.Logger   `yaml:"-"`
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:    8,
		BufferSize: 1000,
		JobTimeout: 30 * time.Second,
	}
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(ctx context.Context, config PoolConfig, handler Handler) *WorkerPool {
	defaults := DefaultPoolConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}

	ctx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		tasks:      make(chan *task, config.BufferSize),
		workers:    config.Workers,
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.OrNop(config.Logger),
		metrics:    &PoolMetrics{},
		bufferSize: config.BufferSize,
		jobTimeout: config.JobTimeout,
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.logger.Info("Worker pool started", zap.Int("workers", wp.workers))
}

// worker is the main worker goroutine.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case t := <-wp.tasks:
			out := wp.run(id, t.job)
			if t.reply != nil {
				t.reply <- indexed{index: t.index, outcome: out}
			}

		case <-wp.ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) run(id int, job *models.Job) *Outcome {
	start := time.Now()

	ctx := wp.ctx
	if wp.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.jobTimeout)
		defer cancel()
	}

	result, err := wp.handler(ctx, job)
	if err != nil {
		wp.metrics.mu.Lock()
		wp.metrics.Errors++
		wp.metrics.mu.Unlock()

		wp.logger.Error("Worker error",
			zap.Int("worker_id", id),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return &Outcome{JobID: job.ID, Err: err}
	}

	wp.metrics.mu.Lock()
	wp.metrics.Processed++
	wp.metrics.totalTime += time.Since(start)
	wp.metrics.AvgProcessTime = wp.metrics.totalTime / time.Duration(wp.metrics.Processed)
	wp.metrics.mu.Unlock()

	return &Outcome{JobID: job.ID, Result: result}
}

// Submit queues a job whose outcome is only logged and counted. It returns
// false when the buffer is full or the pool is stopped.
func (wp *WorkerPool) Submit(job *models.Job) bool {
	select {
	case wp.tasks <- &task{job: job}:
		return true
	case <-wp.ctx.Done():
		return false
	default:
		wp.metrics.mu.Lock()
		wp.metrics.Dropped++
		wp.metrics.mu.Unlock()

		wp.logger.Warn("Job dropped - buffer full", zap.String("job_id", job.ID))
		return false
	}
}

// Process runs one job on the pool and waits for its outcome.
func (wp *WorkerPool) Process(ctx context.Context, job *models.Job) *Outcome {
	return wp.Batch(ctx, []*models.Job{job})[0]
}

// Batch runs jobs on the pool and returns their outcomes in input order. Jobs
// not finished when ctx ends get ctx's error as outcome.
func (wp *WorkerPool) Batch(ctx context.Context, jobs []*models.Job) []*Outcome {
	outcomes := make([]*Outcome, len(jobs))
	// Buffered so that workers never block on an abandoned batch.
	reply := make(chan indexed, len(jobs))

	submitted := 0
submit:
	for i, job := range jobs {
		select {
		case wp.tasks <- &task{job: job, index: i, reply: reply}:
			submitted++
		case <-ctx.Done():
			break submit
		case <-wp.ctx.Done():
			break submit
		}
	}

	for received := 0; received < submitted; received++ {
		select {
		case r := <-reply:
			outcomes[r.index] = r.outcome
		case <-ctx.Done():
			return fill(outcomes, jobs, ctx.Err())
		case <-wp.ctx.Done():
			return fill(outcomes, jobs, context.Canceled)
		}
	}

	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return fill(outcomes, jobs, err)
}

func fill(outcomes []*Outcome, jobs []*models.Job, err error) []*Outcome {
	for i := range outcomes {
		if outcomes[i] == nil {
			outcomes[i] = &Outcome{JobID: jobs[i].ID, Err: err}
		}
	}
	return outcomes
}

// Stop gracefully shuts down the worker pool. Queued jobs that were not
// picked up are discarded.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.cancel()
		wp.wg.Wait()

		m := wp.GetMetrics()
		wp.logger.Info("Worker pool stopped",
			zap.Int64("processed", m.Processed),
			zap.Int64("errors", m.Errors),
			zap.Int64("dropped", m.Dropped),
		)
	})
}

// GetMetrics returns current pool metrics.
func (wp *WorkerPool) GetMetrics() PoolMetrics {
	wp.metrics.mu.Lock()
	defer wp.metrics.mu.Unlock()

	return PoolMetrics{
		Processed:      wp.metrics.Processed,
		Errors:         wp.metrics.Errors,
		Dropped:        wp.metrics.Dropped,
		AvgProcessTime: wp.metrics.AvgProcessTime,
	}
}

// QueueSize returns the current number of pending tasks.
func (wp *WorkerPool) QueueSize() int {
	return len(wp.tasks)
}

// IsHealthy checks if the worker pool is functioning properly.
func (wp *WorkerPool) IsHealthy() bool {
	select {
	case <-wp.ctx.Done():
		return false
	default:
		// Check if queue is not critically full (>90%)
		return len(wp.tasks) < int(float64(wp.bufferSize)*0.9)
	}
}
