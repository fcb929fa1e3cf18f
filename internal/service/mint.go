package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"restaurant-rewards/internal/metrics"
	"restaurant-rewards/internal/model"
)

// MintRules enables the token minting rules.
type MintRules struct {
	VIPDaily        bool
	SpendThreshold  bool
	MinSpend        float64
	ProfileComplete bool
}

// MintService evaluates business rules against a user's signals and
// creates eligibility tokens. It grants no points.
type MintService struct {
	tokens  TokenStore
	rules   MintRules
	metrics *metrics.RewardsMetrics
	now     func() time.Time
}

// NewMintService creates a new MintService instance.
func NewMintService(tokens TokenStore, rules MintRules, m *metrics.RewardsMetrics) *MintService {
	return &MintService{
		tokens:  tokens,
		rules:   rules,
		metrics: m,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (s *MintService) SetClock(now func() time.Time) {
	s.now = now
}

// Rules returns the rules that hold for signals, in evaluation order.
func (s *MintService) Rules(signals model.Signals) []model.TokenRule {
	var matched []model.TokenRule
	if s.rules.VIPDaily && signals.IsVIP {
		matched = append(matched, model.RuleVIPDaily)
	}
	if s.rules.SpendThreshold && signals.SpentLast24h >= s.rules.MinSpend {
		matched = append(matched, model.RuleSpendThreshold)
	}
	if s.rules.ProfileComplete && signals.ProfileComplete {
		matched = append(matched, model.RuleProfileComplete)
	}
	return matched
}

// Mint creates one token per satisfied rule and returns how many were created.
// Calls are not deduplicated; invoking Mint twice for the same signal window
// mints twice.
func (s *MintService) Mint(ctx context.Context, userID string, signals model.Signals) (int, error) {
	if userID == "" {
		return 0, ErrInvalidUser
	}

	rules := s.Rules(signals)
	if len(rules) == 0 {
		return 0, nil
	}

	now := s.now()
	tokens := make([]*model.EligibilityToken, 0, len(rules))
	for _, rule := range rules {
		tokens = append(tokens, &model.EligibilityToken{
			UserID:    userID,
			Rule:      rule,
			CreatedAt: now,
		})
	}

	if err := s.tokens.CreateTokens(ctx, tokens); err != nil {
		return 0, fmt.Errorf("failed to mint tokens: %w", err)
	}

	for _, rule := range rules {
		s.metrics.ObserveMint(string(rule))
	}
	log.Info().
		Str("user_id", userID).
		Int("minted", len(tokens)).
		Msg("Eligibility tokens minted")

	return len(tokens), nil
}

// Tokens lists a user's tokens, newest first.
func (s *MintService) Tokens(ctx context.Context, userID string, limit int) ([]*model.EligibilityToken, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	return s.tokens.ListTokens(ctx, userID, normalizeLimit(limit))
}
