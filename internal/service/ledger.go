package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"restaurant-rewards/internal/metrics"
	"restaurant-rewards/internal/model"
	"restaurant-rewards/internal/repository"
)

// DefaultExpiringDays is the look-ahead used for client display.
const DefaultExpiringDays = 30

// List limits applied when a caller passes none or too many.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// LedgerService appends point deltas and folds them into balances.
type LedgerService struct {
	ledger   LedgerStore
	grantTTL time.Duration
	metrics  *metrics.RewardsMetrics
	now      func() time.Time
}

// NewLedgerService creates a new LedgerService instance.
// grantTTL is the lifetime of bonus grants.
func NewLedgerService(ledger LedgerStore, grantTTL time.Duration, m *metrics.RewardsMetrics) *LedgerService {
	if grantTTL <= 0 {
		grantTTL = defaultGrantTTL
	}
	return &LedgerService{
		ledger:   ledger,
		grantTTL: grantTTL,
		metrics:  m,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (s *LedgerService) SetClock(now func() time.Time) {
	s.now = now
}

// Append records a signed point delta and returns the transaction id.
func (s *LedgerService) Append(ctx context.Context, userID string, delta int64, reason string, expiresAt *time.Time) (string, error) {
	if userID == "" {
		return "", ErrInvalidUser
	}
	if delta == 0 {
		return "", ErrInvalidDelta
	}

	tx, _, err := s.ledger.Append(ctx, &model.LedgerTransaction{
		UserID:    userID,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: s.now(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return tx.ID, nil
}

// Balance returns the sum of every delta of the user.
func (s *LedgerService) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidUser
	}
	points, err := s.ledger.Sum(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return points, nil
}

// ExpiringWithin lists grants not yet compensated that expire within days
// from now. Grants already past their expiry but not yet swept are included.
func (s *LedgerService) ExpiringWithin(ctx context.Context, userID string, days int) ([]model.ExpiringGrant, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if days < 0 {
		return nil, ErrInvalidDays
	}

	until := s.now().AddDate(0, 0, days)
	grants, err := s.ledger.ListExpiring(ctx, userID, until)
	if err != nil {
		return nil, fmt.Errorf("failed to get expiring grants: %w", err)
	}
	return grants, nil
}

// History lists the user's ledger entries, newest first.
func (s *LedgerService) History(ctx context.Context, userID string, limit int) ([]*model.LedgerTransaction, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	entries, err := s.ledger.History(ctx, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return entries, nil
}

// AwardPurchase credits non-expiring points for a checkout order. Replaying
// the same order reference returns the original transaction with created false.
func (s *LedgerService) AwardPurchase(ctx context.Context, userID string, points int64, orderRef string) (string, bool, error) {
	if userID == "" {
		return "", false, ErrInvalidUser
	}
	if points <= 0 {
		return "", false, ErrInvalidPoints
	}
	if orderRef == "" {
		return "", false, ErrMissingReference
	}

	key := model.PurchaseSourceKey(orderRef)
	tx, created, err := s.ledger.Append(ctx, &model.LedgerTransaction{
		UserID:    userID,
		Delta:     points,
		Reason:    model.ReasonPurchase,
		SourceKey: &key,
		CreatedAt: s.now(),
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to award purchase points: %w", err)
	}

	if created {
		s.metrics.ObservePointsGranted("purchase", points)
		log.Info().
			Str("user_id", userID).
			Str("order_ref", orderRef).
			Int64("points", points).
			Msg("Purchase points awarded")
	}
	return tx.ID, created, nil
}

// AwardBonus credits points that expire after the grant lifetime.
func (s *LedgerService) AwardBonus(ctx context.Context, userID string, points int64, tag string) (string, error) {
	if points <= 0 {
		return "", ErrInvalidPoints
	}
	if tag == "" {
		return "", ErrMissingReference
	}

	expires := s.now().Add(s.grantTTL)
	id, err := s.Append(ctx, userID, points, model.BonusReason(tag), &expires)
	if err != nil {
		return "", err
	}
	s.metrics.ObservePointsGranted("bonus", points)
	return id, nil
}

// Redeem debits points if the balance covers them.
func (s *LedgerService) Redeem(ctx context.Context, userID string, points int64, tag string) (string, error) {
	if userID == "" {
		return "", ErrInvalidUser
	}
	if points <= 0 {
		return "", ErrInvalidPoints
	}
	if tag == "" {
		return "", ErrMissingReference
	}

	tx, err := s.ledger.Debit(ctx, &model.LedgerTransaction{
		UserID:    userID,
		Delta:     -points,
		Reason:    model.RedeemReason(tag),
		CreatedAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientPoints) {
			return "", ErrInsufficientPoints
		}
		return "", fmt.Errorf("failed to redeem points: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Str("tag", tag).
		Int64("points", points).
		Msg("Points redeemed")
	return tx.ID, nil
}
