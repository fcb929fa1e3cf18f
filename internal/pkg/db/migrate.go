package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "eligibility_tokens",
		// consumed_day enforces at most one consumed token per user per calendar day.
		sql: `
		CREATE TABLE IF NOT EXISTS eligibility_tokens (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			rule VARCHAR(32) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			consumed_at TIMESTAMPTZ,
			consumed_day DATE,
			CHECK ((consumed_at IS NULL) = (consumed_day IS NULL))
		);
		CREATE INDEX IF NOT EXISTS idx_tokens_unconsumed
			ON eligibility_tokens(user_id, created_at, id) WHERE consumed_at IS NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS uq_tokens_one_per_day
			ON eligibility_tokens(user_id, consumed_day) WHERE consumed_day IS NOT NULL;
	`,
	},
	{
		name: "spin_records",
		sql: `
		CREATE TABLE IF NOT EXISTS spin_records (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_id UUID NOT NULL UNIQUE REFERENCES eligibility_tokens(id),
			prize_key VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_spins_user_time ON spin_records(user_id, created_at);
	`,
	},
	{
		name: "ledger_transactions",
		sql: `
		CREATE TABLE IF NOT EXISTS ledger_transactions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			delta BIGINT NOT NULL CHECK (delta <> 0),
			reason VARCHAR(128) NOT NULL,
			source_key TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			swept_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_user_time ON ledger_transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_due
			ON ledger_transactions(expires_at, id) WHERE expires_at IS NOT NULL AND swept_at IS NULL;
	`,
	},
	{
		name: "token_settlement",
		// tokens consumed before prize_key existed were settled inline
		sql: `
		ALTER TABLE eligibility_tokens ADD COLUMN IF NOT EXISTS prize_key VARCHAR(64);
		ALTER TABLE eligibility_tokens ADD COLUMN IF NOT EXISTS prize_points BIGINT NOT NULL DEFAULT 0;
		ALTER TABLE eligibility_tokens ADD COLUMN IF NOT EXISTS settled_at TIMESTAMPTZ;
		UPDATE eligibility_tokens SET settled_at = consumed_at
			WHERE consumed_at IS NOT NULL AND prize_key IS NULL AND settled_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_tokens_unsettled
			ON eligibility_tokens(consumed_at, id) WHERE consumed_at IS NOT NULL AND settled_at IS NULL;
	`,
	},
	{
		name: "user_balances_view",
		sql: `
		CREATE OR REPLACE VIEW user_point_balances AS
		SELECT user_id, SUM(delta) AS points
		FROM ledger_transactions
		GROUP BY user_id;
	`,
	},
}

// Migrate applies the rewards schema. Every statement is idempotent.
func Migrate(ctx context.Context, conn Execer) error {
	log.Info().Msg("Running database migrations...")
	for i, m := range migrations {
		if _, err := conn.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
		}
		log.Info().Int("step", i+1).Str("name", m.name).Msg("Migration applied")
	}
	log.Info().Msg("All migrations completed successfully")
	return nil
}
