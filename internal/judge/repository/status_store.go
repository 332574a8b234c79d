package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"judgebox/internal/common/cache"
	"judgebox/internal/judge/model"
	appErr "judgebox/pkg/errors"
)

const (
	statusKeyPrefix         = "judge:status:"
	defaultStatusTTL        = 30 * time.Minute
	defaultStatusMissingTTL = 5 * time.Minute
)

// StatusStore keeps live judging progress for status queries. Snapshots
// live in Redis while a job runs; once the submission row carries a
// terminal verdict, reads fall back to the database.
type StatusStore interface {
	Save(ctx context.Context, snapshot model.StatusSnapshot) error
	Get(ctx context.Context, submissionID string) (model.StatusSnapshot, error)
}

// RedisStatusStore implements StatusStore on Redis with a SubmissionStore
// fallback for submissions whose snapshot has already expired.
type RedisStatusStore struct {
	cache       cache.BasicOps
	submissions SubmissionStore
	ttl         time.Duration
	missingTTL  time.Duration
}

// NewStatusStore creates a status store with default TTLs.
func NewStatusStore(cacheClient cache.BasicOps, submissions SubmissionStore) *RedisStatusStore {
	return NewStatusStoreWithTTL(cacheClient, submissions, defaultStatusTTL, defaultStatusMissingTTL)
}

// NewStatusStoreWithTTL creates a status store with custom TTLs.
func NewStatusStoreWithTTL(cacheClient cache.BasicOps, submissions SubmissionStore, ttl, missingTTL time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	if missingTTL <= 0 {
		missingTTL = defaultStatusMissingTTL
	}
	return &RedisStatusStore{
		cache:       cacheClient,
		submissions: submissions,
		ttl:         ttl,
		missingTTL:  missingTTL,
	}
}

// Save stores the snapshot under the submission's status key.
func (r *RedisStatusStore) Save(ctx context.Context, snapshot model.StatusSnapshot) error {
	if snapshot.SubmissionID == "" {
		return appErr.ValidationError("submissionId", "required")
	}
	if r.cache == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "marshal status snapshot failed")
	}
	if err := r.cache.Set(ctx, statusKey(snapshot.SubmissionID), string(data), cache.JitterTTL(r.ttl)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status snapshot failed")
	}
	return nil
}

// Get returns the snapshot for a submission. A cache miss falls back to
// the submission row and synthesizes a snapshot from it.
func (r *RedisStatusStore) Get(ctx context.Context, submissionID string) (model.StatusSnapshot, error) {
	if submissionID == "" {
		return model.StatusSnapshot{}, appErr.ValidationError("submissionId", "required")
	}

	if r.cache != nil {
		raw, err := r.cache.Get(ctx, statusKey(submissionID))
		if err != nil {
			return model.StatusSnapshot{}, appErr.Wrapf(err, appErr.CacheError, "get status snapshot failed")
		}
		switch raw {
		case "":
		case cache.NullCacheValue:
			return model.StatusSnapshot{}, appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
		default:
			var snapshot model.StatusSnapshot
			if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
				return model.StatusSnapshot{}, appErr.Wrapf(err, appErr.CacheError, "decode status snapshot failed")
			}
			return snapshot, nil
		}
	}

	return r.getFromSubmission(ctx, submissionID)
}

func (r *RedisStatusStore) getFromSubmission(ctx context.Context, submissionID string) (model.StatusSnapshot, error) {
	if r.submissions == nil {
		return model.StatusSnapshot{}, appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
	}
	submission, err := r.submissions.GetByID(ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, ErrSubmissionNotFound) {
			if r.cache != nil {
				_ = r.cache.Set(ctx, statusKey(submissionID), cache.NullCacheValue, cache.JitterTTL(r.missingTTL))
			}
			return model.StatusSnapshot{}, appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
		}
		return model.StatusSnapshot{}, err
	}

	snapshot := snapshotFromSubmission(submission)
	if r.cache != nil {
		if data, err := json.Marshal(snapshot); err == nil {
			_ = r.cache.Set(ctx, statusKey(submissionID), string(data), cache.JitterTTL(r.ttl))
		}
	}
	return snapshot, nil
}

func snapshotFromSubmission(submission *Submission) model.StatusSnapshot {
	snapshot := model.StatusSnapshot{
		SubmissionID: submission.SubmissionID,
		Status:       submission.Status,
		TotalTests:   len(submission.Results),
		Score:        submission.Score,
		ReceivedAt:   submission.CreatedAt.Unix(),
	}
	if submission.Status.Terminal() {
		snapshot.DoneTests = len(submission.Results)
	}
	if submission.FinishedAt != nil {
		snapshot.FinishedAt = submission.FinishedAt.Unix()
	}
	return snapshot
}

func statusKey(submissionID string) string {
	return statusKeyPrefix + submissionID
}

var _ StatusStore = (*RedisStatusStore)(nil)
