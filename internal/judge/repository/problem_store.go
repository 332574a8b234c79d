// Package repository persists problems, submissions, ranking awards and
// in-flight judge status. MySQL is the source of truth; Redis carries the
// cache-aside copies and the live status snapshots.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/zeromicro/go-zero/core/syncx"

	"judgebox/internal/common/cache"
	"judgebox/internal/common/db"
	"judgebox/internal/judge/model"
)

const (
	defaultProblemCacheTTL      = 30 * time.Minute
	defaultProblemCacheEmptyTTL = 5 * time.Minute
	problemCacheKeyPrefix       = "judge:problem:"
)

var (
	ErrProblemNotFound = errors.New("problem not found")
)

// ProblemStore loads judge-facing problem data: limits and testcases.
type ProblemStore interface {
	GetProblem(ctx context.Context, problemID int64) (*model.Problem, error)
}

// MySQLProblemStore implements ProblemStore with a Redis cache-aside
// layer. Concurrent cache misses for the same problem are collapsed into
// one database read, since a popular problem's cache expiry would
// otherwise let every running worker hit MySQL at once.
type MySQLProblemStore struct {
	db       db.Database
	cache    cache.Cache
	flight   syncx.SingleFlight
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewProblemStore creates a problem store with default cache TTLs.
func NewProblemStore(database db.Database, cacheClient cache.Cache) *MySQLProblemStore {
	return NewProblemStoreWithTTL(database, cacheClient, defaultProblemCacheTTL, defaultProblemCacheEmptyTTL)
}

// NewProblemStoreWithTTL creates a problem store with custom cache TTLs.
func NewProblemStoreWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLProblemStore {
	if ttl <= 0 {
		ttl = defaultProblemCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemCacheEmptyTTL
	}
	return &MySQLProblemStore{
		db:       database,
		cache:    cacheClient,
		flight:   syncx.NewSingleFlight(),
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

// GetProblem returns the problem with its testcases.
func (r *MySQLProblemStore) GetProblem(ctx context.Context, problemID int64) (*model.Problem, error) {
	if problemID <= 0 {
		return nil, errors.New("problemID is required")
	}
	val, err := r.flight.Do(strconv.FormatInt(problemID, 10), func() (interface{}, error) {
		return r.lookup(ctx, problemID)
	})
	if err != nil {
		return nil, err
	}
	problem, ok := val.(*model.Problem)
	if !ok || problem == nil {
		return nil, ErrProblemNotFound
	}
	return problem, nil
}

func (r *MySQLProblemStore) lookup(ctx context.Context, problemID int64) (*model.Problem, error) {
	if r.cache == nil {
		return r.getFromDB(ctx, problemID)
	}
	problem, err := cache.GetWithCached[*model.Problem](
		ctx,
		r.cache,
		problemCacheKey(problemID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(p *model.Problem) bool { return p == nil },
		marshalProblem,
		unmarshalProblem,
		func(ctx context.Context) (*model.Problem, error) {
			p, err := r.getFromDB(ctx, problemID)
			if err != nil {
				if errors.Is(err, ErrProblemNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return p, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if problem == nil {
		return nil, ErrProblemNotFound
	}
	return problem, nil
}

func (r *MySQLProblemStore) getFromDB(ctx context.Context, problemID int64) (*model.Problem, error) {
	query := "SELECT id, title, time_limit_ms, memory_limit, testcases FROM problems WHERE id = ? LIMIT 1"
	row := r.db.QueryRow(ctx, query, problemID)
	problem := &model.Problem{}
	var testcasesJSON string
	if err := row.Scan(
		&problem.ID,
		&problem.Title,
		&problem.TimeLimitMs,
		&problem.MemoryLimit,
		&testcasesJSON,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProblemNotFound
		}
		return nil, err
	}
	if testcasesJSON != "" {
		if err := json.Unmarshal([]byte(testcasesJSON), &problem.Testcases); err != nil {
			return nil, err
		}
	}
	return problem, nil
}

func problemCacheKey(problemID int64) string {
	return problemCacheKeyPrefix + strconv.FormatInt(problemID, 10)
}

func marshalProblem(p *model.Problem) string {
	if p == nil {
		return ""
	}
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalProblem(data string) (*model.Problem, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var p model.Problem
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

var _ ProblemStore = (*MySQLProblemStore)(nil)
