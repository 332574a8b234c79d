package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"judgebox/internal/common/cache"
	"judgebox/internal/common/storage"
	"judgebox/internal/judge/model"
	"judgebox/internal/judge/queue"
	"judgebox/internal/judge/repository"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"
)

const (
	idempotencyKeyPrefix = "judge:idempotency:"
	rateUserKeyPrefix    = "judge:rate:user:"
	processingMarker     = "processing"

	defaultSourcePrefix   = "sources"
	defaultIdempotencyTTL = 10 * time.Minute
	defaultMaxCodeBytes   = 64 << 10

	// Applied when a problem row carries no limits of its own.
	defaultTimeLimitMs = 3000
	defaultMemoryLimit = "256m"
)

// RateLimitConfig bounds how often one user may submit.
type RateLimitConfig struct {
	MaxPerWindow int           `yaml:"maxPerWindow"`
	Window       time.Duration `yaml:"window"`
}

// IntakeConfig holds intake dependencies and limits. Storage is
// optional; when set, submitted sources are archived to the bucket.
type IntakeConfig struct {
	Problems    repository.ProblemStore
	Submissions repository.SubmissionStore
	Status      repository.StatusStore
	Queue       queue.JobQueue
	Cache       cache.Cache

	Storage      storage.ObjectStorage
	SourceBucket string
	SourcePrefix string

	MaxCodeBytes   int
	IdempotencyTTL time.Duration
	RateLimit      RateLimitConfig
}

// SubmitInput describes one submission request.
type SubmitInput struct {
	UserID         string
	ProblemID      int64
	SourceCode     string
	Language       string
	IdempotencyKey string
}

// SubmitReceipt is what intake hands back: the accepted submission and
// a rough sense of the wait ahead of it.
type SubmitReceipt struct {
	SubmissionID string
	Status       model.Verdict
	QueueDepth   int64
	ReceivedAt   int64
}

// IntakeService accepts submissions: validate, throttle, persist a
// PENDING record, enqueue the judge job. A failed enqueue is logged and
// the record stays PENDING; the caller still gets a receipt.
type IntakeService struct {
	problems    repository.ProblemStore
	submissions repository.SubmissionStore
	status      repository.StatusStore
	queue       queue.JobQueue
	cache       cache.Cache

	storage      storage.ObjectStorage
	sourceBucket string
	sourcePrefix string

	maxCodeBytes   int
	idempotencyTTL time.Duration
	rateLimit      RateLimitConfig
}

// NewIntakeService wires the intake pipeline.
func NewIntakeService(cfg IntakeConfig) (*IntakeService, error) {
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem store is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Storage != nil && cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required when storage is set")
	}
	if cfg.SourcePrefix == "" {
		cfg.SourcePrefix = defaultSourcePrefix
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	return &IntakeService{
		problems:       cfg.Problems,
		submissions:    cfg.Submissions,
		status:         cfg.Status,
		queue:          cfg.Queue,
		cache:          cfg.Cache,
		storage:        cfg.Storage,
		sourceBucket:   cfg.SourceBucket,
		sourcePrefix:   cfg.SourcePrefix,
		maxCodeBytes:   cfg.MaxCodeBytes,
		idempotencyTTL: cfg.IdempotencyTTL,
		rateLimit:      cfg.RateLimit,
	}, nil
}

// Submit validates and records a submission, then queues it for
// judging.
func (s *IntakeService) Submit(ctx context.Context, input SubmitInput) (SubmitReceipt, error) {
	if err := s.validateInput(input); err != nil {
		return SubmitReceipt{}, err
	}
	if err := s.checkRateLimit(ctx, input.UserID); err != nil {
		return SubmitReceipt{}, err
	}

	acquired, existingID, err := s.acquireIdempotency(ctx, input.IdempotencyKey)
	if err != nil {
		return SubmitReceipt{}, err
	}
	if !acquired && existingID != "" {
		return s.receiptFor(ctx, existingID)
	}

	problem, err := s.problems.GetProblem(ctx, input.ProblemID)
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey, acquired)
		if errors.Is(err, repository.ErrProblemNotFound) {
			return SubmitReceipt{}, appErr.New(appErr.ProblemNotFound).
				WithDetail("problem_id", input.ProblemID)
		}
		return SubmitReceipt{}, appErr.Wrapf(err, appErr.DatabaseError, "load problem failed")
	}
	if len(problem.Testcases) == 0 {
		s.releaseIdempotency(ctx, input.IdempotencyKey, acquired)
		return SubmitReceipt{}, appErr.Newf(appErr.TestcaseInvalid, "problem %d has no testcases", input.ProblemID)
	}

	submissionID := uuid.NewString()
	sourceHash := hashSource(input.SourceCode)
	sourceKey := s.buildSourceKey(sourceHash)
	createdAt := time.Now()

	s.archiveSource(ctx, sourceKey, input.SourceCode)

	submission := &repository.Submission{
		SubmissionID: submissionID,
		UserID:       input.UserID,
		ProblemID:    input.ProblemID,
		Language:     input.Language,
		SourceKey:    sourceKey,
		SourceHash:   sourceHash,
		Status:       model.VerdictPending,
		CreatedAt:    createdAt,
	}
	if err := s.submissions.Create(ctx, nil, submission); err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey, acquired)
		return SubmitReceipt{}, appErr.Wrapf(err, appErr.SubmissionFailed, "create submission failed")
	}

	s.savePendingSnapshot(ctx, submissionID, len(problem.Testcases), createdAt)

	job := &model.Job{
		JobID:       submissionID,
		UserID:      input.UserID,
		ProblemID:   input.ProblemID,
		SourceCode:  input.SourceCode,
		Language:    input.Language,
		Testcases:   problem.Testcases,
		TimeLimitMs: problem.TimeLimitMs,
		MemoryLimit: problem.MemoryLimit,
		CreatedAt:   createdAt.Unix(),
		JobType:     model.JobTypeSubmission,
	}
	if job.TimeLimitMs <= 0 {
		job.TimeLimitMs = defaultTimeLimitMs
	}
	if job.MemoryLimit == "" {
		job.MemoryLimit = defaultMemoryLimit
	}

	// A dead queue must not lose the submission: the PENDING record is
	// already durable and can be re-enqueued out of band.
	if err := s.queue.Enqueue(ctx, job); err != nil {
		logger.Error(ctx, "enqueue failed, submission stays pending",
			zap.String("submission_id", submissionID),
			zap.Error(err))
	}

	s.finalizeIdempotency(ctx, input.IdempotencyKey, submissionID, acquired)

	return SubmitReceipt{
		SubmissionID: submissionID,
		Status:       model.VerdictPending,
		QueueDepth:   s.queueDepth(ctx),
		ReceivedAt:   createdAt.Unix(),
	}, nil
}

// Status returns the live snapshot for one submission.
func (s *IntakeService) Status(ctx context.Context, submissionID string) (model.StatusSnapshot, error) {
	if strings.TrimSpace(submissionID) == "" {
		return model.StatusSnapshot{}, appErr.ValidationError("submissionId", "required")
	}
	return s.status.Get(ctx, submissionID)
}

func (s *IntakeService) validateInput(input SubmitInput) error {
	if strings.TrimSpace(input.UserID) == "" {
		return appErr.ValidationError("userId", "required")
	}
	if input.ProblemID <= 0 {
		return appErr.ValidationError("problemId", "required")
	}
	if strings.TrimSpace(input.Language) == "" {
		return appErr.ValidationError("language", "required")
	}
	if strings.TrimSpace(input.SourceCode) == "" {
		return appErr.ValidationError("code", "required")
	}
	if len(input.SourceCode) > s.maxCodeBytes {
		return appErr.Newf(appErr.CodeTooLarge, "source exceeds %d bytes", s.maxCodeBytes)
	}
	return nil
}

func (s *IntakeService) checkRateLimit(ctx context.Context, userID string) error {
	if s.rateLimit.Window <= 0 || s.rateLimit.MaxPerWindow <= 0 {
		return nil
	}
	key := rateUserKeyPrefix + userID
	count, err := s.cache.Incr(ctx, key)
	if err != nil {
		// A broken cache throttles nobody.
		logger.Warn(ctx, "rate limit check failed", zap.Error(err))
		return nil
	}
	if count == 1 {
		_ = s.cache.Expire(ctx, key, s.rateLimit.Window)
	}
	if int(count) > s.rateLimit.MaxPerWindow {
		return appErr.New(appErr.SubmitTooFrequently).
			WithDetail("window", s.rateLimit.Window.String())
	}
	return nil
}

// acquireIdempotency reserves the key for this request. A repeat of a
// finished request returns its submission id instead of reserving.
func (s *IntakeService) acquireIdempotency(ctx context.Context, key string) (bool, string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return true, "", nil
	}
	cacheKey := idempotencyKeyPrefix + key

	existing, err := s.cache.Get(ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}

	ok, err := s.cache.SetNX(ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, "", nil
	}
	existing, err = s.cache.Get(ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	return false, "", appErr.New(appErr.DuplicateSubmission).WithMessage("request is still processing")
}

func (s *IntakeService) finalizeIdempotency(ctx context.Context, key, submissionID string, acquired bool) {
	if !acquired || strings.TrimSpace(key) == "" {
		return
	}
	cacheKey := idempotencyKeyPrefix + strings.TrimSpace(key)
	if err := s.cache.Set(ctx, cacheKey, submissionID, s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *IntakeService) releaseIdempotency(ctx context.Context, key string, acquired bool) {
	if !acquired || strings.TrimSpace(key) == "" {
		return
	}
	cacheKey := idempotencyKeyPrefix + strings.TrimSpace(key)
	if err := s.cache.Del(ctx, cacheKey); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

// receiptFor rebuilds a receipt for an idempotent repeat.
func (s *IntakeService) receiptFor(ctx context.Context, submissionID string) (SubmitReceipt, error) {
	snap, err := s.status.Get(ctx, submissionID)
	if err != nil {
		return SubmitReceipt{}, err
	}
	return SubmitReceipt{
		SubmissionID: submissionID,
		Status:       snap.Status,
		QueueDepth:   s.queueDepth(ctx),
		ReceivedAt:   snap.ReceivedAt,
	}, nil
}

// archiveSource uploads the raw source, best effort.
func (s *IntakeService) archiveSource(ctx context.Context, objectKey, source string) {
	if s.storage == nil {
		return
	}
	reader := io.NopCloser(strings.NewReader(source))
	defer reader.Close()
	err := s.storage.PutObject(ctx, s.sourceBucket, objectKey, reader, int64(len(source)), "text/plain; charset=utf-8")
	if err != nil {
		logger.Warn(ctx, "archive source failed",
			zap.String("object_key", objectKey),
			zap.Error(err))
	}
}

func (s *IntakeService) savePendingSnapshot(ctx context.Context, submissionID string, totalTests int, createdAt time.Time) {
	snap := model.StatusSnapshot{
		SubmissionID: submissionID,
		Status:       model.VerdictPending,
		TotalTests:   totalTests,
		ReceivedAt:   createdAt.Unix(),
	}
	if err := s.status.Save(ctx, snap); err != nil {
		// Status reads fall back to the submission row.
		logger.Warn(ctx, "save pending snapshot failed",
			zap.String("submission_id", submissionID),
			zap.Error(err))
	}
}

func (s *IntakeService) queueDepth(ctx context.Context) int64 {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		logger.Debug(ctx, "queue depth unavailable", zap.Error(err))
		return 0
	}
	return depth
}

func (s *IntakeService) buildSourceKey(sourceHash string) string {
	return fmt.Sprintf("%s/%s", s.sourcePrefix, sourceHash)
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
