package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"restaurant-rewards/internal/model"
)

// SpinRepository handles spin record persistence.
type SpinRepository struct {
	pool *pgxpool.Pool
}

// NewSpinRepository creates a new SpinRepository instance.
func NewSpinRepository(pool *pgxpool.Pool) *SpinRepository {
	return &SpinRepository{pool: pool}
}

// CreateSpin inserts a spin record. It is idempotent per token: if a record for
// rec.TokenID already exists nothing is written and created is false.
func (r *SpinRepository) CreateSpin(ctx context.Context, rec *model.SpinRecord) (bool, error) {
	const query = `
		INSERT INTO spin_records (id, user_id, token_id, prize_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token_id) DO NOTHING
	`

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	tag, err := r.pool.Exec(ctx, query, rec.ID, rec.UserID, rec.TokenID, rec.PrizeKey, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create spin record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountSpinsBetween counts the user's spins with start <= created_at < end.
func (r *SpinRepository) CountSpinsBetween(ctx context.Context, userID string, start, end time.Time) (int, error) {
	const query = `
		SELECT COUNT(*) FROM spin_records
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, start, end).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count spins: %w", err)
	}
	return count, nil
}

// ListSpins retrieves a user's spins, newest first.
func (r *SpinRepository) ListSpins(ctx context.Context, userID string, limit int) ([]*model.SpinRecord, error) {
	const query = `
		SELECT id, user_id, token_id, prize_key, created_at
		FROM spin_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get spins: %w", err)
	}
	defer rows.Close()

	var spins []*model.SpinRecord
	for rows.Next() {
		var s model.SpinRecord
		if err := rows.Scan(&s.ID, &s.UserID, &s.TokenID, &s.PrizeKey, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan spin: %w", err)
		}
		spins = append(spins, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spins: %w", err)
	}

	return spins, nil
}
