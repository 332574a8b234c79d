package repository

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"judgebox/internal/common/db"
	"judgebox/pkg/utils/logger"
)

var (
	ErrUserNotFound = errors.New("user not found")

	// errAlreadyAwarded aborts the award transaction when the unique key on
	// ranking_awards shows these points were granted before. The caller maps
	// it to (false, nil); it never escapes this package.
	errAlreadyAwarded = errors.New("ranking points already awarded")
)

// UserStore grants ranking points for solved problems.
type UserStore interface {
	// AwardRankingPoints credits points to the user for solving the problem.
	// It is idempotent per (user, problem): the first call awards and returns
	// true, every later call is a no-op returning false.
	AwardRankingPoints(ctx context.Context, userID string, problemID int64, points int) (bool, error)
}

// MySQLUserStore implements UserStore on MySQL. Idempotency rides on the
// unique key over (user_id, problem_id) in ranking_awards: the insert and
// the points update share one transaction, so a duplicate award can never
// bump the counter twice.
type MySQLUserStore struct {
	db db.Database
}

// NewUserStore creates a user store.
func NewUserStore(database db.Database) *MySQLUserStore {
	return &MySQLUserStore{db: database}
}

func (r *MySQLUserStore) AwardRankingPoints(ctx context.Context, userID string, problemID int64, points int) (bool, error) {
	if userID == "" {
		return false, errors.New("userID is required")
	}
	if problemID <= 0 {
		return false, errors.New("problemID is required")
	}
	if points <= 0 {
		return false, nil
	}

	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		insert := "INSERT INTO ranking_awards (user_id, problem_id, points) VALUES (?, ?, ?)"
		if _, err := tx.Exec(ctx, insert, userID, problemID, points); err != nil {
			if _, ok := db.UniqueViolation(err); ok {
				return errAlreadyAwarded
			}
			return err
		}

		update := "UPDATE users SET ranking_points = ranking_points + ? WHERE user_id = ?"
		res, err := tx.Exec(ctx, update, points, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrUserNotFound
		}
		return nil
	})
	if errors.Is(err, errAlreadyAwarded) {
		logger.Debug(ctx, "ranking points already awarded",
			zap.String("user_id", userID),
			zap.Int64("problem_id", problemID))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger.Info(ctx, "ranking points awarded",
		zap.String("user_id", userID),
		zap.Int64("problem_id", problemID),
		zap.Int("points", points))
	return true, nil
}

var _ UserStore = (*MySQLUserStore)(nil)
