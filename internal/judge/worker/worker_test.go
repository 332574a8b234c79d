package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"judgebox/internal/judge/model"
	"judgebox/internal/judge/queue"
	"judgebox/internal/judge/worker"
	appErr "judgebox/pkg/errors"
)

type queueResponse struct {
	job *model.Job
	err error
}

// scriptedQueue pops canned responses in order, then behaves like an
// idle queue: short empty windows until the context is cancelled.
type scriptedQueue struct {
	mu     sync.Mutex
	script []queueResponse
	pops   int
}

func (q *scriptedQueue) Enqueue(ctx context.Context, job *model.Job) error {
	return nil
}

func (q *scriptedQueue) Dequeue(ctx context.Context) (*model.Job, error) {
	q.mu.Lock()
	q.pops++
	if len(q.script) > 0 {
		next := q.script[0]
		q.script = q.script[1:]
		q.mu.Unlock()
		return next.job, next.err
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (q *scriptedQueue) Depth(ctx context.Context) (int64, error) {
	return 0, nil
}

var _ queue.JobQueue = (*scriptedQueue)(nil)

// recordingProcessor records job IDs and signals each completion so
// tests can wait without polling.
type recordingProcessor struct {
	mu   sync.Mutex
	jobs []string
	done chan string
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{done: make(chan string, 16)}
}

func (p *recordingProcessor) ProcessJob(ctx context.Context, job *model.Job) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job.JobID)
	p.mu.Unlock()
	p.done <- job.JobID
}

func (p *recordingProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.jobs))
	copy(out, p.jobs)
	return out
}

func waitForJobs(t *testing.T, ch <-chan string, want int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for i := 0; i < want; i++ {
		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("timed out waiting for job %d of %d", i+1, want)
		}
	}
}

func stopPool(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestPoolProcessesJobsInOrder(t *testing.T) {
	t.Parallel()

	q := &scriptedQueue{script: []queueResponse{
		{job: &model.Job{JobID: "job-1"}},
		{}, // empty pop window between jobs
		{job: &model.Job{JobID: "job-2"}},
	}}
	proc := newRecordingProcessor()
	pool, err := worker.NewPool(q, proc, 1)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	waitForJobs(t, proc.done, 2)
	stopPool(t, cancel, runDone)

	got := proc.processed()
	if len(got) != 2 || got[0] != "job-1" || got[1] != "job-2" {
		t.Fatalf("processed %v, want [job-1 job-2]", got)
	}
}

func TestPoolKeepsConsumingAfterDequeueError(t *testing.T) {
	t.Parallel()

	q := &scriptedQueue{script: []queueResponse{
		{err: appErr.Newf(appErr.QueueError, "redis gone")},
		{job: &model.Job{JobID: "job-after-error"}},
	}}
	proc := newRecordingProcessor()
	pool, err := worker.NewPool(q, proc, 1)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	// The loop backs off ~1s after the error before popping again.
	waitForJobs(t, proc.done, 1)
	stopPool(t, cancel, runDone)

	got := proc.processed()
	if len(got) != 1 || got[0] != "job-after-error" {
		t.Fatalf("processed %v, want [job-after-error]", got)
	}
}

func TestPoolSharesQueueAcrossLoops(t *testing.T) {
	t.Parallel()

	q := &scriptedQueue{script: []queueResponse{
		{job: &model.Job{JobID: "job-a"}},
		{job: &model.Job{JobID: "job-b"}},
		{job: &model.Job{JobID: "job-c"}},
	}}
	proc := newRecordingProcessor()
	pool, err := worker.NewPool(q, proc, 3)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if pool.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", pool.Size())
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	waitForJobs(t, proc.done, 3)
	stopPool(t, cancel, runDone)

	seen := make(map[string]bool)
	for _, id := range proc.processed() {
		seen[id] = true
	}
	if len(seen) != 3 || !seen["job-a"] || !seen["job-b"] || !seen["job-c"] {
		t.Fatalf("processed %v, want all of job-a job-b job-c", proc.processed())
	}
}

func TestPoolStopsPromptlyWhenIdle(t *testing.T) {
	t.Parallel()

	q := &scriptedQueue{}
	proc := newRecordingProcessor()
	pool, err := worker.NewPool(q, proc, 2)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	stopPool(t, cancel, runDone)

	if got := proc.processed(); len(got) != 0 {
		t.Fatalf("idle pool processed %v, want none", got)
	}
}

func TestNewPoolValidatesArguments(t *testing.T) {
	t.Parallel()

	proc := newRecordingProcessor()
	if _, err := worker.NewPool(nil, proc, 1); err == nil {
		t.Fatal("expected error for nil queue")
	}
	if _, err := worker.NewPool(&scriptedQueue{}, nil, 1); err == nil {
		t.Fatal("expected error for nil processor")
	}

	pool, err := worker.NewPool(&scriptedQueue{}, proc, 0)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if pool.Size() != worker.DefaultPoolSize {
		t.Fatalf("Size() = %d, want default %d", pool.Size(), worker.DefaultPoolSize)
	}
}
