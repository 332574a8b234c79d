package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"judgebox/internal/common/cache"
	"judgebox/internal/common/db"
	"judgebox/internal/judge/model"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = 5 * time.Minute
	submissionCacheKeyPrefix       = "judge:submission:"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
)

// Submission is the persisted record of one submission. The source code
// itself lives in object storage under SourceKey; the row keeps only the
// key and the hash used for duplicate detection.
type Submission struct {
	SubmissionID  string
	UserID        string
	ProblemID     int64
	Language      string
	SourceKey     string
	SourceHash    string
	Status        model.Verdict
	Score         int
	Results       []model.TestcaseVerdict
	CompileOutput string
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

// SubmissionStore persists submissions across their lifecycle:
// PENDING on create, RUNNING while judged, terminal verdict afterwards.
type SubmissionStore interface {
	Create(ctx context.Context, tx db.Transaction, submission *Submission) error
	GetByID(ctx context.Context, tx db.Transaction, submissionID string) (*Submission, error)
	UpdateStatus(ctx context.Context, submissionID string, status model.Verdict) error
	UpdateResult(ctx context.Context, submissionID string, outcome *model.JudgeOutcome) error
}

// MySQLSubmissionStore implements SubmissionStore with MySQL plus a
// Redis cache-aside layer for reads.
type MySQLSubmissionStore struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewSubmissionStore creates a submission store with default cache TTLs.
func NewSubmissionStore(database db.Database, cacheClient cache.Cache) *MySQLSubmissionStore {
	return NewSubmissionStoreWithTTL(database, cacheClient, defaultSubmissionCacheTTL, defaultSubmissionCacheEmptyTTL)
}

// NewSubmissionStoreWithTTL creates a submission store with custom cache TTLs.
func NewSubmissionStoreWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLSubmissionStore {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &MySQLSubmissionStore{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

const submissionColumns = "submission_id, user_id, problem_id, language, source_key, source_hash, status, score, results, compile_output, created_at, finished_at"

// Create inserts a submission in PENDING state.
func (r *MySQLSubmissionStore) Create(ctx context.Context, tx db.Transaction, submission *Submission) error {
	if submission == nil {
		return errors.New("submission is nil")
	}
	if submission.SubmissionID == "" {
		return errors.New("submissionID is required")
	}
	if submission.UserID == "" {
		return errors.New("userID is required")
	}
	if submission.ProblemID <= 0 {
		return errors.New("problemID is required")
	}
	if submission.Language == "" {
		return errors.New("language is required")
	}
	if submission.Status == "" {
		submission.Status = model.VerdictPending
	}

	query := `
		INSERT INTO submissions
		(submission_id, user_id, problem_id, language, source_key, source_hash, status, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		submission.SubmissionID,
		submission.UserID,
		submission.ProblemID,
		submission.Language,
		submission.SourceKey,
		submission.SourceHash,
		string(submission.Status),
		submission.Score,
	)
	return err
}

// GetByID retrieves a submission by id.
func (r *MySQLSubmissionStore) GetByID(ctx context.Context, tx db.Transaction, submissionID string) (*Submission, error) {
	if submissionID == "" {
		return nil, errors.New("submissionID is required")
	}
	if r.cache != nil && tx == nil {
		submission, err := cache.GetWithCached[*Submission](
			ctx,
			r.cache,
			submissionCacheKey(submissionID),
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(s *Submission) bool { return s == nil },
			marshalSubmission,
			unmarshalSubmission,
			func(ctx context.Context) (*Submission, error) {
				s, err := r.getByIDFromDB(ctx, nil, submissionID)
				if err != nil {
					if errors.Is(err, ErrSubmissionNotFound) {
						return nil, nil
					}
					return nil, err
				}
				return s, nil
			},
		)
		if err != nil {
			return nil, err
		}
		if submission == nil {
			return nil, ErrSubmissionNotFound
		}
		return submission, nil
	}
	return r.getByIDFromDB(ctx, tx, submissionID)
}

// UpdateStatus moves a submission to a new lifecycle state without
// touching results.
func (r *MySQLSubmissionStore) UpdateStatus(ctx context.Context, submissionID string, status model.Verdict) error {
	if submissionID == "" {
		return errors.New("submissionID is required")
	}
	return r.invalidating(ctx, submissionID, func(ctx context.Context) error {
		query := "UPDATE submissions SET status = ? WHERE submission_id = ?"
		res, err := r.db.Exec(ctx, query, string(status), submissionID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// UpdateResult records the terminal outcome of a judged submission.
func (r *MySQLSubmissionStore) UpdateResult(ctx context.Context, submissionID string, outcome *model.JudgeOutcome) error {
	if submissionID == "" {
		return errors.New("submissionID is required")
	}
	if outcome == nil {
		return errors.New("outcome is nil")
	}
	resultsJSON, err := json.Marshal(outcome.Results)
	if err != nil {
		return err
	}
	return r.invalidating(ctx, submissionID, func(ctx context.Context) error {
		query := `
			UPDATE submissions
			SET status = ?, score = ?, results = ?, compile_output = ?, finished_at = NOW()
			WHERE submission_id = ?
		`
		res, err := r.db.Exec(
			ctx,
			query,
			string(outcome.Verdict),
			outcome.Score,
			string(resultsJSON),
			outcome.CompileOutput,
			submissionID,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (r *MySQLSubmissionStore) invalidating(ctx context.Context, submissionID string, fn func(context.Context) error) error {
	if r.cache == nil {
		return fn(ctx)
	}
	return cache.UpdateCached(ctx, r.cache, submissionCacheKey(submissionID), fn)
}

func (r *MySQLSubmissionStore) getByIDFromDB(ctx context.Context, tx db.Transaction, submissionID string) (*Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE submission_id = ? LIMIT 1"
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, submissionID)
	submission := &Submission{}
	var status string
	var resultsJSON, compileOutput *string
	var finishedAt *time.Time
	if err := row.Scan(
		&submission.SubmissionID,
		&submission.UserID,
		&submission.ProblemID,
		&submission.Language,
		&submission.SourceKey,
		&submission.SourceHash,
		&status,
		&submission.Score,
		&resultsJSON,
		&compileOutput,
		&submission.CreatedAt,
		&finishedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	submission.Status = model.Verdict(status)
	if resultsJSON != nil && *resultsJSON != "" {
		if err := json.Unmarshal([]byte(*resultsJSON), &submission.Results); err != nil {
			return nil, err
		}
	}
	if compileOutput != nil {
		submission.CompileOutput = *compileOutput
	}
	submission.FinishedAt = finishedAt
	return submission, nil
}

func requireRow(res db.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

func submissionCacheKey(submissionID string) string {
	return submissionCacheKeyPrefix + submissionID
}

func marshalSubmission(s *Submission) string {
	if s == nil {
		return ""
	}
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalSubmission(data string) (*Submission, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var s Submission
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

var _ SubmissionStore = (*MySQLSubmissionStore)(nil)
