package service

import (
	"context"
	"time"

	"restaurant-rewards/internal/model"
)

// TokenStore persists eligibility tokens.
// ConsumeOldest must be atomic: it returns repository.ErrNoEligibleToken,
// repository.ErrDailyLimitReached or repository.ErrConflict instead of
// consuming when it cannot do so safely. The won prize is stored in the
// same write so that ListUnsettled can return it until MarkSettled is called.
type TokenStore interface {
	CreateTokens(ctx context.Context, tokens []*model.EligibilityToken) error
	CountUnconsumed(ctx context.Context, userID string) (int, error)
	ConsumeOldest(ctx context.Context, userID string, day model.DayWindow, now time.Time, won model.Prize) (*model.EligibilityToken, error)
	ListTokens(ctx context.Context, userID string, limit int) ([]*model.EligibilityToken, error)
	ListUnsettled(ctx context.Context, before time.Time, limit int) ([]*model.EligibilityToken, error)
	MarkSettled(ctx context.Context, tokenID string, now time.Time) error
}

// SpinStore persists spin records, one per consumed token.
type SpinStore interface {
	CreateSpin(ctx context.Context, rec *model.SpinRecord) (bool, error)
	CountSpinsBetween(ctx context.Context, userID string, start, end time.Time) (int, error)
	ListSpins(ctx context.Context, userID string, limit int) ([]*model.SpinRecord, error)
}

// LedgerStore persists the append-only points ledger.
type LedgerStore interface {
	Append(ctx context.Context, tx *model.LedgerTransaction) (*model.LedgerTransaction, bool, error)
	Debit(ctx context.Context, tx *model.LedgerTransaction) (*model.LedgerTransaction, error)
	Sum(ctx context.Context, userID string) (int64, error)
	ListExpiring(ctx context.Context, userID string, until time.Time) ([]model.ExpiringGrant, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.LedgerTransaction, error)
	Compensate(ctx context.Context, grantID string, now time.Time) (bool, error)
	History(ctx context.Context, userID string, limit int) ([]*model.LedgerTransaction, error)
}

// SettlementQueue defers spin settlement to a background worker.
type SettlementQueue interface {
	EnqueueSettlement(ctx context.Context, outcome model.SpinOutcome) error
}
