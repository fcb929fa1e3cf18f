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

// LedgerRepository handles point ledger persistence.
// Rows are append-only; swept_at is the single column ever updated.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

const ledgerColumns = `id, user_id, delta, reason, source_key, created_at, expires_at, swept_at`

func scanLedger(row pgx.Row) (*model.LedgerTransaction, error) {
	var tx model.LedgerTransaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.Delta,
		&tx.Reason,
		&tx.SourceKey,
		&tx.CreatedAt,
		&tx.ExpiresAt,
		&tx.SweptAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// Append inserts a ledger entry. When tx.SourceKey is set and an entry with
// the same key already exists, nothing is written: the existing entry is
// returned and created is false.
func (r *LedgerRepository) Append(ctx context.Context, tx *model.LedgerTransaction) (*model.LedgerTransaction, bool, error) {
	const insert = `
		INSERT INTO ledger_transactions (id, user_id, delta, reason, source_key, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_key) DO NOTHING
		RETURNING ` + ledgerColumns

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	saved, err := scanLedger(r.pool.QueryRow(ctx, insert,
		tx.ID, tx.UserID, tx.Delta, tx.Reason, tx.SourceKey, tx.CreatedAt, tx.ExpiresAt))
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || tx.SourceKey == nil {
		return nil, false, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	existing, err := r.getBySourceKey(ctx, *tx.SourceKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *LedgerRepository) getBySourceKey(ctx context.Context, key string) (*model.LedgerTransaction, error) {
	const query = `SELECT ` + ledgerColumns + ` FROM ledger_transactions WHERE source_key = $1`

	tx, err := scanLedger(r.pool.QueryRow(ctx, query, key))
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry by source key: %w", err)
	}
	return tx, nil
}

// Debit appends a negative entry only if the user's balance covers it.
// The check and the insert run under a per-user advisory lock so two
// concurrent debits cannot both pass the check.
func (r *LedgerRepository) Debit(ctx context.Context, tx *model.LedgerTransaction) (*model.LedgerTransaction, error) {
	const lockUser = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	const sum = `SELECT COALESCE(SUM(delta), 0) FROM ledger_transactions WHERE user_id = $1`
	const insert = `
		INSERT INTO ledger_transactions (id, user_id, delta, reason, source_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + ledgerColumns

	if tx.Delta >= 0 {
		return nil, fmt.Errorf("debit delta must be negative, got %d", tx.Delta)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	var saved *model.LedgerTransaction
	err := pgx.BeginFunc(ctx, r.pool, func(dbTx pgx.Tx) error {
		if _, err := dbTx.Exec(ctx, lockUser, tx.UserID); err != nil {
			return err
		}

		var balance int64
		if err := dbTx.QueryRow(ctx, sum, tx.UserID).Scan(&balance); err != nil {
			return err
		}
		if balance+tx.Delta < 0 {
			return ErrInsufficientPoints
		}

		var err error
		saved, err = scanLedger(dbTx.QueryRow(ctx, insert,
			tx.ID, tx.UserID, tx.Delta, tx.Reason, tx.SourceKey, tx.CreatedAt))
		return err
	})

	switch {
	case err == nil:
		return saved, nil
	case errors.Is(err, ErrInsufficientPoints):
		return nil, err
	case isUniqueViolation(err, ""):
		return nil, ErrConflict
	default:
		return nil, fmt.Errorf("failed to debit ledger: %w", err)
	}
}

// Sum returns the signed sum of all of the user's entries.
func (r *LedgerRepository) Sum(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(delta), 0) FROM ledger_transactions WHERE user_id = $1`

	var total int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return total, nil
}

// ListExpiring returns the user's unswept positive grants with
// expires_at <= until, soonest first.
func (r *LedgerRepository) ListExpiring(ctx context.Context, userID string, until time.Time) ([]model.ExpiringGrant, error) {
	const query = `
		SELECT id, delta, expires_at
		FROM ledger_transactions
		WHERE user_id = $1
		  AND delta > 0
		  AND expires_at IS NOT NULL
		  AND expires_at <= $2
		  AND swept_at IS NULL
		ORDER BY expires_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, userID, until)
	if err != nil {
		return nil, fmt.Errorf("failed to get expiring grants: %w", err)
	}
	defer rows.Close()

	var grants []model.ExpiringGrant
	for rows.Next() {
		var g model.ExpiringGrant
		if err := rows.Scan(&g.TransactionID, &g.Points, &g.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan expiring grant: %w", err)
		}
		grants = append(grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expiring grants: %w", err)
	}

	return grants, nil
}

// ListDue returns up to limit unswept positive grants whose expires_at is at
// or before now, across all users, oldest first.
func (r *LedgerRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.LedgerTransaction, error) {
	const query = `
		SELECT ` + ledgerColumns + `
		FROM ledger_transactions
		WHERE expires_at IS NOT NULL
		  AND expires_at <= $1
		  AND swept_at IS NULL
		  AND delta > 0
		ORDER BY expires_at ASC, id ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due grants: %w", err)
	}
	defer rows.Close()

	var due []*model.LedgerTransaction
	for rows.Next() {
		tx, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due grant: %w", err)
		}
		due = append(due, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due grants: %w", err)
	}

	return due, nil
}

// Compensate neutralizes an aged grant. In one transaction it marks the grant
// swept and appends a negative entry of equal magnitude. It returns false
// without writing anything if the grant was already swept or is not yet due.
func (r *LedgerRepository) Compensate(ctx context.Context, grantID string, now time.Time) (bool, error) {
	const mark = `
		UPDATE ledger_transactions
		SET swept_at = $2
		WHERE id = $1
		  AND swept_at IS NULL
		  AND expires_at IS NOT NULL
		  AND expires_at <= $2
		  AND delta > 0
		RETURNING user_id, delta
	`
	const insert = `
		INSERT INTO ledger_transactions (id, user_id, delta, reason, source_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	swept := false
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var userID string
		var delta int64
		if err := tx.QueryRow(ctx, mark, grantID, now).Scan(&userID, &delta); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}

		key := model.ExpirySourceKey(grantID)
		if _, err := tx.Exec(ctx, insert, uuid.NewString(), userID, -delta, model.ReasonExpiry, key, now); err != nil {
			return err
		}
		swept = true
		return nil
	})
	if err != nil {
		if isConflict(err) {
			return false, ErrConflict
		}
		return false, fmt.Errorf("failed to compensate grant %s: %w", grantID, err)
	}
	return swept, nil
}

// History retrieves a user's ledger entries, newest first.
func (r *LedgerRepository) History(ctx context.Context, userID string, limit int) ([]*model.LedgerTransaction, error) {
	const query = `
		SELECT ` + ledgerColumns + `
		FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerTransaction
	for rows.Next() {
		tx, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}
