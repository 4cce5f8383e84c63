package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/pkg/logger"
)

// JobSource yields queued jobs. DequeueJob returns nil, nil when no job
// arrived within timeout. RequeueJob returns a job to the head of the queue.
type JobSource interface {
	DequeueJob(ctx context.Context, timeout time.Duration) (*models.Job, error)
	RequeueJob(ctx context.Context, job *models.Job) error
}

// ResultSink stores job outcomes.
type ResultSink interface {
	StoreJobResult(ctx context.Context, result *models.JobResult, ttl time.Duration) error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Concurrency is the number of jobs in flight. Defaults to 1.
	Concurrency int
	PollTimeout time.Duration
	ResultTTL   time.Duration
	// RetryDelay is the pause after a failed dequeue.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Consumer moves jobs from a queue through a pool and stores the outcomes.
type Consumer struct {
	source JobSource
	sink   ResultSink
	pool   *WorkerPool
	config ConsumerConfig
	logger *zap.Logger
}

// NewConsumer creates a consumer. The pool must be started.
func NewConsumer(source JobSource, sink ResultSink, pool *WorkerPool, config ConsumerConfig) *Consumer {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 5 * time.Second
	}
	if config.ResultTTL <= 0 {
		config.ResultTTL = 24 * time.Hour
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	return &Consumer{
		source: source,
		sink:   sink,
		pool:   pool,
		config: config,
		logger: logger.OrNop(config.Logger),
	}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.config.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (c *Consumer) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		job, err := c.source.DequeueJob(ctx, c.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Dequeue failed", zap.Int("consumer_id", id), zap.Error(err))
			select {
			case <-time.After(c.config.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		c.handle(ctx, job)
	}
}

func (c *Consumer) handle(ctx context.Context, job *models.Job) {
	out := c.pool.Process(ctx, job)

	// Outlives ctx so that a finished or interrupted job is not lost.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if out.Err != nil && (ctx.Err() != nil || errors.Is(out.Err, context.Canceled)) {
		// Interrupted by shutdown; another worker picks it up.
		if err := c.source.RequeueJob(storeCtx, job); err != nil {
			c.logger.Error("Failed to requeue interrupted job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			return
		}
		c.logger.Info("Requeued interrupted job", zap.String("job_id", job.ID))
		return
	}

	result := &models.JobResult{
		JobID:       job.ID,
		Status:      models.JobCompleted,
		Result:      out.Result,
		CompletedAt: time.Now().UTC(),
	}
	if out.Err != nil {
		result.Status = models.JobFailed
		result.Result = nil
		result.Error = out.Err.Error()
	}

	if err := c.sink.StoreJobResult(storeCtx, result, c.config.ResultTTL); err != nil {
		c.logger.Error("Failed to store job result",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return
	}

	c.logger.Debug("Job processed",
		zap.String("job_id", job.ID),
		zap.String("status", result.Status),
	)
}
