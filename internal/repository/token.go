package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"restaurant-rewards/internal/model"
)

// TokenRepository handles eligibility token persistence.
type TokenRepository struct {
	pool *pgxpool.Pool
}

// NewTokenRepository creates a new TokenRepository instance.
func NewTokenRepository(pool *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{pool: pool}
}

// CreateTokens inserts all tokens in one transaction.
// Tokens without an ID are assigned a random UUID. A token with an unknown
// rule rejects the whole batch with ErrInvalidRule.
func (r *TokenRepository) CreateTokens(ctx context.Context, tokens []*model.EligibilityToken) error {
	if len(tokens) == 0 {
		return nil
	}
	for _, t := range tokens {
		if !t.Rule.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRule, t.Rule)
		}
	}

	const query = `
		INSERT INTO eligibility_tokens (id, user_id, rule, created_at)
		VALUES ($1, $2, $3, $4)
	`

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, t := range tokens {
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			if _, err := tx.Exec(ctx, query, t.ID, t.UserID, string(t.Rule), t.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create tokens: %w", err)
	}
	return nil
}

// CountUnconsumed returns the number of tokens the user can still spend.
func (r *TokenRepository) CountUnconsumed(ctx context.Context, userID string) (int, error) {
	const query = `
		SELECT COUNT(*) FROM eligibility_tokens
		WHERE user_id = $1 AND consumed_at IS NULL
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tokens: %w", err)
	}
	return count, nil
}

// ListTokens retrieves a user's tokens, newest first.
func (r *TokenRepository) ListTokens(ctx context.Context, userID string, limit int) ([]*model.EligibilityToken, error) {
	const query = `
		SELECT ` + tokenColumns + `
		FROM eligibility_tokens
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokens: %w", err)
	}
	return scanTokens(rows)
}

// ListUnsettled returns up to limit consumed tokens whose spin has not been
// credited and that were consumed before the given time, oldest first.
func (r *TokenRepository) ListUnsettled(ctx context.Context, before time.Time, limit int) ([]*model.EligibilityToken, error) {
	const query = `
		SELECT ` + tokenColumns + `
		FROM eligibility_tokens
		WHERE consumed_at IS NOT NULL AND settled_at IS NULL AND consumed_at < $1
		ORDER BY consumed_at ASC, id ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get unsettled tokens: %w", err)
	}
	return scanTokens(rows)
}

// MarkSettled records that the spin of a consumed token has been credited.
// Marking an already settled token is a no-op.
func (r *TokenRepository) MarkSettled(ctx context.Context, tokenID string, now time.Time) error {
	const query = `
		UPDATE eligibility_tokens
		SET settled_at = $2
		WHERE id = $1 AND consumed_at IS NOT NULL AND settled_at IS NULL
	`

	if _, err := r.pool.Exec(ctx, query, tokenID, now); err != nil {
		return fmt.Errorf("failed to mark token settled: %w", err)
	}
	return nil
}

const tokenColumns = `id, user_id, rule, created_at, consumed_at, COALESCE(prize_key, ''), prize_points, settled_at`

func scanTokens(rows pgx.Rows) ([]*model.EligibilityToken, error) {
	defer rows.Close()

	var tokens []*model.EligibilityToken
	for rows.Next() {
		var t model.EligibilityToken
		var rule string
		if err := rows.Scan(&t.ID, &t.UserID, &rule, &t.CreatedAt, &t.ConsumedAt, &t.PrizeKey, &t.PrizePoints, &t.SettledAt); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		t.Rule = model.TokenRule(rule)
		tokens = append(tokens, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}

	return tokens, nil
}

// ConsumeOldest atomically spends the user's oldest unconsumed token on the
// given prize.
//
// Within one transaction it checks that no token was consumed in day, locks
// the oldest unconsumed row with NOWAIT and stamps consumed_at together with
// the prize, which stays on the row until the spin is settled. A competing
// transaction holding the row lock makes this one fail fast with ErrConflict;
// the partial unique index on (user_id, consumed_day) turns a second
// consumption on the same day into ErrDailyLimitReached.
func (r *TokenRepository) ConsumeOldest(ctx context.Context, userID string, day model.DayWindow, now time.Time, won model.Prize) (*model.EligibilityToken, error) {
	const countToday = `
		SELECT COUNT(*) FROM eligibility_tokens
		WHERE user_id = $1 AND consumed_day = $2
	`
	const selectOldest = `
		SELECT id, user_id, rule, created_at
		FROM eligibility_tokens
		WHERE user_id = $1 AND consumed_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE NOWAIT
	`
	const consume = `
		UPDATE eligibility_tokens
		SET consumed_at = $2, consumed_day = $3, prize_key = $4, prize_points = $5
		WHERE id = $1 AND consumed_at IS NULL
	`

	var token model.EligibilityToken
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var consumedToday int
		if err := tx.QueryRow(ctx, countToday, userID, day.Date()).Scan(&consumedToday); err != nil {
			return err
		}
		if consumedToday > 0 {
			return ErrDailyLimitReached
		}

		var rule string
		err := tx.QueryRow(ctx, selectOldest, userID).Scan(&token.ID, &token.UserID, &rule, &token.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoEligibleToken
			}
			return err
		}
		token.Rule = model.TokenRule(rule)

		tag, err := tx.Exec(ctx, consume, token.ID, now, day.Date(), won.Key, won.Points())
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}
		consumedAt := now
		token.ConsumedAt = &consumedAt
		token.PrizeKey = won.Key
		token.PrizePoints = won.Points()
		return nil
	})

	switch {
	case err == nil:
		return &token, nil
	case errors.Is(err, ErrDailyLimitReached), errors.Is(err, ErrNoEligibleToken), errors.Is(err, ErrConflict):
		return nil, err
	case isUniqueViolation(err, "uq_tokens_one_per_day"):
		return nil, ErrDailyLimitReached
	case isConflict(err):
		return nil, ErrConflict
	default:
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
}
