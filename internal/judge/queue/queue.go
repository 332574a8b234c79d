// Package queue provides the durable FIFO handoff between submission
// intake and the judge workers, backed by a single Redis list.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"judgebox/internal/common/cache"
	"judgebox/internal/judge/model"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"
)

const (
	// DefaultKey is the Redis list every judge worker consumes from.
	DefaultKey = "judge:queue:jobs"

	defaultPopTimeout = 5 * time.Second
)

// JobQueue enqueues and dequeues judge jobs in FIFO order. Dequeue
// blocks up to the pop timeout and returns (nil, nil) when the window
// elapses with nothing to do, so consumers can interleave shutdown
// checks.
type JobQueue interface {
	Enqueue(ctx context.Context, job *model.Job) error
	Dequeue(ctx context.Context) (*model.Job, error)
	Depth(ctx context.Context) (int64, error)
}

// Config tunes the queue key and the blocking pop window.
type Config struct {
	Key        string        `yaml:"key"`
	PopTimeout time.Duration `yaml:"popTimeout"`
}

// RedisQueue implements JobQueue on a Redis list. Jobs are pushed to
// the head and popped from the tail, which preserves arrival order
// across any number of producers and consumers.
type RedisQueue struct {
	cache      cache.Cache
	key        string
	popTimeout time.Duration
}

// NewRedisQueue builds a queue on an existing cache connection.
func NewRedisQueue(c cache.Cache, cfg Config) (*RedisQueue, error) {
	if c == nil {
		return nil, appErr.ValidationError("cache", "required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	return &RedisQueue{cache: c, key: cfg.Key, popTimeout: cfg.PopTimeout}, nil
}

// Enqueue serializes the job and appends it to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job *model.Job) error {
	if job == nil {
		return appErr.ValidationError("job", "required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return appErr.Wrapf(err, appErr.QueuePushFailed, "encode job failed").
			WithDetail("job_id", job.JobID)
	}
	if err := q.cache.LPush(ctx, q.key, string(payload)); err != nil {
		return appErr.Wrapf(err, appErr.QueuePushFailed, "push job failed").
			WithDetail("job_id", job.JobID).
			WithDetail("queue", q.key)
	}
	logger.Debug(ctx, "job enqueued",
		zap.String("job_id", job.JobID),
		zap.String("queue", q.key))
	return nil
}

// Dequeue pops the oldest job, blocking up to the pop timeout. A
// payload that fails to decode has already left the queue; it is
// reported as a QueueError so the caller can log and keep consuming.
func (q *RedisQueue) Dequeue(ctx context.Context) (*model.Job, error) {
	payload, err := q.cache.BRPop(ctx, q.popTimeout, q.key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueError, "pop job failed").
			WithDetail("queue", q.key)
	}
	if payload == "" {
		return nil, nil
	}
	var job model.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		logger.Warn(ctx, "discarding malformed job payload",
			zap.String("queue", q.key),
			zap.String("payload", truncatePayload(payload)),
			zap.Error(err))
		return nil, appErr.Wrapf(err, appErr.QueueError, "decode job failed").
			WithDetail("queue", q.key)
	}
	return &job, nil
}

// Depth reports how many jobs are waiting.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.cache.LLen(ctx, q.key)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.QueueError, "queue length failed").
			WithDetail("queue", q.key)
	}
	return n, nil
}

func truncatePayload(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

var _ JobQueue = (*RedisQueue)(nil)
