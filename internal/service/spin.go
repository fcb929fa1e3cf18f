package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"restaurant-rewards/internal/metrics"
	"restaurant-rewards/internal/model"
	"restaurant-rewards/internal/prize"
	"restaurant-rewards/internal/repository"
)

const (
	defaultGrantTTL       = 30 * 24 * time.Hour
	defaultSettleAttempts = 3
	settleBackoff         = 50 * time.Millisecond

	// reconcileGrace leaves recent consumptions to inline and queued settlement.
	reconcileGrace = time.Minute
	reconcileBatch = 500
)

// SpinConfig holds the spin engine settings.
type SpinConfig struct {
	// Location defines the calendar day of the daily cap. Nil means UTC.
	Location       *time.Location
	GrantTTL       time.Duration
	SettleAttempts int
}

// SpinStatus summarizes whether a user can spin right now.
type SpinStatus struct {
	Tokens    int  `json:"tokens"`
	SpunToday bool `json:"spun_today"`
}

// CanSpin reports whether a spin would currently be attempted.
func (s SpinStatus) CanSpin() bool {
	return s.Tokens > 0 && !s.SpunToday
}

// SpinService is the transactional core of the wheel. Consuming a token is
// the linearization point and records the rolled prize; the spin record and
// ledger grant are written afterwards and keyed by the token id so they can
// be retried safely.
type SpinService struct {
	tokens  TokenStore
	spins   SpinStore
	ledger  LedgerStore
	table   *prize.Table
	metrics *metrics.RewardsMetrics
	queue   SettlementQueue

	loc            *time.Location
	grantTTL       time.Duration
	settleAttempts int
	now            func() time.Time
}

// NewSpinService creates a new SpinService instance.
func NewSpinService(
	tokens TokenStore,
	spins SpinStore,
	ledger LedgerStore,
	table *prize.Table,
	cfg SpinConfig,
	m *metrics.RewardsMetrics,
) *SpinService {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	ttl := cfg.GrantTTL
	if ttl <= 0 {
		ttl = defaultGrantTTL
	}
	attempts := cfg.SettleAttempts
	if attempts <= 0 {
		attempts = defaultSettleAttempts
	}
	return &SpinService{
		tokens:         tokens,
		spins:          spins,
		ledger:         ledger,
		table:          table,
		metrics:        m,
		loc:            loc,
		grantTTL:       ttl,
		settleAttempts: attempts,
		now:            time.Now,
	}
}

// SetSettlementQueue sets the queue used when inline settlement keeps
// failing (called after the job client is initialized).
func (s *SpinService) SetSettlementQueue(q SettlementQueue) {
	s.queue = q
}

// SetClock replaces the time source.
func (s *SpinService) SetClock(now func() time.Time) {
	s.now = now
}

// Table returns the prize table the service rolls.
func (s *SpinService) Table() *prize.Table {
	return s.table
}

// Status reports the user's unconsumed tokens and whether they already spun today.
func (s *SpinService) Status(ctx context.Context, userID string) (*SpinStatus, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}

	day := model.DayOf(s.now(), s.loc)
	spun, err := s.spins.CountSpinsBetween(ctx, userID, day.Start, day.End)
	if err != nil {
		return nil, fmt.Errorf("failed to count spins: %w", err)
	}
	tokens, err := s.tokens.CountUnconsumed(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tokens: %w", err)
	}
	return &SpinStatus{Tokens: tokens, SpunToday: spun > 0}, nil
}

// Spin rolls a prize and consumes the user's oldest token on it.
//
// Eligibility failures are returned as a result with OK false, never as an
// error. A concurrent consumption conflict yields NOT_ELIGIBLE with
// Retryable set; the engine itself never retries consumption.
//
// The prize is stored with the consumed token, so once the token is spent
// the spin is credited at least once: inline, by the settlement queue, or
// by Reconcile.
func (s *SpinService) Spin(ctx context.Context, userID string) (*model.SpinResult, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}

	now := s.now()
	day := model.DayOf(now, s.loc)

	spun, err := s.spins.CountSpinsBetween(ctx, userID, day.Start, day.End)
	if err != nil {
		s.metrics.ObserveSpin("error")
		return nil, fmt.Errorf("failed to count spins: %w", err)
	}
	if spun > 0 {
		return s.refuse(userID, model.SpinCooldown, false), nil
	}

	available, err := s.tokens.CountUnconsumed(ctx, userID)
	if err != nil {
		s.metrics.ObserveSpin("error")
		return nil, fmt.Errorf("failed to count tokens: %w", err)
	}
	if available == 0 {
		return s.refuse(userID, model.SpinNotEligible, false), nil
	}

	won := s.table.Roll()

	token, err := s.tokens.ConsumeOldest(ctx, userID, day, now, won)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDailyLimitReached):
		return s.refuse(userID, model.SpinCooldown, false), nil
	case errors.Is(err, repository.ErrNoEligibleToken):
		return s.refuse(userID, model.SpinNotEligible, false), nil
	case errors.Is(err, repository.ErrConflict):
		return s.refuse(userID, model.SpinNotEligible, true), nil
	default:
		s.metrics.ObserveSpin("error")
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}

	result := &model.SpinResult{OK: true, Prize: &won}
	s.metrics.ObserveSpin("ok")

	outcome := s.outcomeOf(token)

	log.Info().
		Str("user_id", userID).
		Str("token_id", token.ID).
		Str("prize_key", won.Key).
		Int64("points", outcome.Points).
		Msg("Spin token consumed")

	if err := s.settleInline(ctx, outcome); err != nil {
		if deferErr := s.deferSettlement(ctx, outcome); deferErr != nil {
			log.Warn().
				Err(err).
				AnErr("defer_error", deferErr).
				Str("token_id", token.ID).
				Msg("Spin settlement left to reconciler")
			return result, nil
		}
		log.Warn().
			Err(err).
			Str("token_id", token.ID).
			Msg("Spin settlement deferred")
	}

	return result, nil
}

// outcomeOf rebuilds the settlement of a consumed token from its stored prize.
func (s *SpinService) outcomeOf(token *model.EligibilityToken) model.SpinOutcome {
	spunAt := *token.ConsumedAt
	return model.SpinOutcome{
		TokenID:   token.ID,
		UserID:    token.UserID,
		PrizeKey:  token.PrizeKey,
		Points:    token.PrizePoints,
		SpunAt:    spunAt,
		ExpiresAt: spunAt.Add(s.grantTTL),
	}
}

func (s *SpinService) refuse(userID string, reason model.SpinFailure, retryable bool) *model.SpinResult {
	outcome := string(reason)
	if retryable {
		outcome = "conflict"
	}
	s.metrics.ObserveSpin(outcome)
	log.Debug().
		Str("user_id", userID).
		Str("reason", string(reason)).
		Bool("retryable", retryable).
		Msg("Spin refused")
	return &model.SpinResult{OK: false, Reason: reason, Retryable: retryable}
}

func (s *SpinService) settleInline(ctx context.Context, outcome model.SpinOutcome) error {
	var err error
	for attempt := 1; attempt <= s.settleAttempts; attempt++ {
		if err = s.Settle(ctx, outcome); err == nil {
			return nil
		}
		if attempt == s.settleAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * settleBackoff):
		}
	}
	return err
}

func (s *SpinService) deferSettlement(ctx context.Context, outcome model.SpinOutcome) error {
	if s.queue == nil {
		return errors.New("no settlement queue configured")
	}
	// the request context may already be cancelled
	if err := s.queue.EnqueueSettlement(context.WithoutCancel(ctx), outcome); err != nil {
		return err
	}
	s.metrics.ObserveSettlementDeferred()
	return nil
}

// Settle writes the spin record and, for point prizes, the ledger grant of a
// consumed token, then marks the token settled. It is idempotent per token
// and safe to call repeatedly.
func (s *SpinService) Settle(ctx context.Context, outcome model.SpinOutcome) error {
	_, err := s.spins.CreateSpin(ctx, &model.SpinRecord{
		UserID:    outcome.UserID,
		TokenID:   outcome.TokenID,
		PrizeKey:  outcome.PrizeKey,
		CreatedAt: outcome.SpunAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record spin: %w", err)
	}

	if outcome.Points > 0 {
		if err := s.grant(ctx, outcome); err != nil {
			return err
		}
	}

	if err := s.tokens.MarkSettled(ctx, outcome.TokenID, s.now()); err != nil {
		return fmt.Errorf("failed to mark spin settled: %w", err)
	}
	return nil
}

func (s *SpinService) grant(ctx context.Context, outcome model.SpinOutcome) error {
	key := model.SpinSourceKey(outcome.TokenID)
	expires := outcome.ExpiresAt
	_, created, err := s.ledger.Append(ctx, &model.LedgerTransaction{
		UserID:    outcome.UserID,
		Delta:     outcome.Points,
		Reason:    model.WheelReason(outcome.PrizeKey),
		SourceKey: &key,
		CreatedAt: outcome.SpunAt,
		ExpiresAt: &expires,
	})
	if err != nil {
		return fmt.Errorf("failed to grant spin points: %w", err)
	}
	if created {
		s.metrics.ObservePointsGranted("wheel", outcome.Points)
	}
	return nil
}

// Reconcile settles spins whose token was consumed more than a grace period
// before now but never marked settled, and returns how many it settled.
// A token that still fails is left for the next run.
func (s *SpinService) Reconcile(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.tokens.ListUnsettled(ctx, now.Add(-reconcileGrace), reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsettled spins: %w", err)
	}

	settled := 0
	var firstErr error
	for _, token := range pending {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if err := s.Settle(ctx, s.outcomeOf(token)); err != nil {
			log.Warn().Err(err).Str("token_id", token.ID).Msg("Reconcile settlement failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		settled++
	}
	s.metrics.ObserveReconciled(settled)

	if len(pending) > 0 {
		log.Info().
			Int("pending", len(pending)).
			Int("settled", settled).
			Msg("Spin reconciliation finished")
	}
	return settled, firstErr
}

// Spins lists a user's spins, newest first.
func (s *SpinService) Spins(ctx context.Context, userID string, limit int) ([]*model.SpinRecord, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	return s.spins.ListSpins(ctx, userID, normalizeLimit(limit))
}
