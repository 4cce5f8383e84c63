// Package redis provides rate limiting, the audit event stream and the
// anonymization job queue on top of Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/pkg/logger"
)

// Config holds Redis connection configuration.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Host: "localhost",
		Port: 6379,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client wraps a Redis connection.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

// NewClient connects and pings Redis.
func NewClient(config Config, log *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Addr(),
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		client: rdb,
		logger: logger.OrNop(log),
	}, nil
}

const keyPrefix = "anonymizer:"

// Rate limiting
const rateLimitKeyPrefix = keyPrefix + "ratelimit:"

// CheckRateLimit counts a request for key in a fixed window and reports
// whether it is within limit.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := rateLimitKeyPrefix + key

	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return incr.Val() <= int64(limit), nil
}

// Audit stream
const auditChannel = keyPrefix + "audit"

// Record publishes ev to audit subscribers.
func (c *Client) Record(ctx context.Context, ev *models.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	return c.client.Publish(ctx, auditChannel, data).Err()
}

// Subscription is an open audit subscription.
type Subscription struct {
	pubsub *redis.PubSub
}

// Messages returns the raw JSON audit events.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// SubscribeAudit subscribes to audit events.
func (c *Client) SubscribeAudit(ctx context.Context) (*Subscription, error) {
	pubsub := c.client.Subscribe(ctx, auditChannel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return &Subscription{pubsub: pubsub}, nil
}

// Job queue
const (
	jobQueueKey     = keyPrefix + "jobs"
	jobResultPrefix = keyPrefix + "job:"
)

// EnqueueJob adds a job to the queue.
func (c *Client) EnqueueJob(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return c.client.LPush(ctx, jobQueueKey, data).Err()
}

// RequeueJob puts a job back at the head of the queue so it is dequeued
// next.
func (c *Client) RequeueJob(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return c.client.RPush(ctx, jobQueueKey, data).Err()
}

// DequeueJob blocks up to timeout for the oldest job. It returns nil, nil
// when the queue stayed empty.
func (c *Client) DequeueJob(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	result, err := c.client.BRPop(ctx, timeout, jobQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job models.Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// QueueLength returns the number of pending jobs.
func (c *Client) QueueLength(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, jobQueueKey).Result()
}

// StoreJobResult saves a job outcome for ttl.
func (c *Client) StoreJobResult(ctx context.Context, result *models.JobResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	return c.client.Set(ctx, jobResultPrefix+result.JobID, data, ttl).Err()
}

// GetJobResult returns the stored outcome, or nil, nil when absent.
func (c *Client) GetJobResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	data, err := c.client.Get(ctx, jobResultPrefix+jobID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job result: %w", err)
	}

	var result models.JobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job result: %w", err)
	}
	return &result, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
