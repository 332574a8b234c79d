// Package worker runs the consumer side of the judge queue: a fixed
// pool of loops that pop jobs and drive each one to a terminal
// verdict. The pool never crashes on a bad job and never re-enqueues;
// per-job failure handling lives in the processor.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"judgebox/internal/judge/model"
	"judgebox/internal/judge/queue"
	"judgebox/pkg/utils/contextkey"
	"judgebox/pkg/utils/logger"
)

const (
	// DefaultPoolSize is the number of consumer loops when the config
	// leaves it unset. Admission control bounds actual sandbox
	// concurrency separately, so extra loops only cost idle waits.
	DefaultPoolSize = 3

	defaultErrorBackoff = time.Second
)

// JobProcessor judges one dequeued job to completion. Implementations
// resolve every failure to a terminal verdict internally; the pool
// has nothing useful to do with a per-job error.
type JobProcessor interface {
	ProcessJob(ctx context.Context, job *model.Job)
}

// Pool drains the job queue with a fixed number of consumer loops.
type Pool struct {
	queue     queue.JobQueue
	processor JobProcessor
	size      int
	backoff   time.Duration
}

// NewPool wires a pool over the queue and processor. Size defaults to
// DefaultPoolSize when non-positive.
func NewPool(q queue.JobQueue, p JobProcessor, size int) (*Pool, error) {
	if q == nil {
		return nil, fmt.Errorf("worker: queue is required")
	}
	if p == nil {
		return nil, fmt.Errorf("worker: processor is required")
	}
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		queue:     q,
		processor: p,
		size:      size,
		backoff:   defaultErrorBackoff,
	}, nil
}

// Size reports how many consumer loops the pool runs.
func (p *Pool) Size() int {
	return p.size
}

// Run starts the consumer loops and blocks until ctx is cancelled and
// every loop has finished its current job. It always returns nil: the
// loops swallow queue errors with a backoff instead of dying.
func (p *Pool) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		grp.Go(func() error {
			p.consume(ctx, id)
			return nil
		})
	}
	return grp.Wait()
}

// consume is one worker loop: pop with a bounded wait, judge, repeat.
// An empty pop window falls through to the top so shutdown is noticed
// within one queue timeout.
func (p *Pool) consume(ctx context.Context, id int) {
	logger.Info(ctx, "judge worker started", zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			logger.Info(ctx, "judge worker stopped", zap.Int("worker", id))
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Warn(ctx, "dequeue failed",
				zap.Int("worker", id),
				zap.Error(err))
			p.pause(ctx)
			continue
		}
		if job == nil {
			continue
		}

		jobCtx := context.WithValue(ctx, contextkey.JobID, job.JobID)
		logger.Debug(jobCtx, "job dequeued", zap.Int("worker", id))
		p.processor.ProcessJob(jobCtx, job)
	}
}

// pause sleeps off a queue error without blocking shutdown.
func (p *Pool) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
