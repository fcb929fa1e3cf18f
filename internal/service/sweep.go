package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"restaurant-rewards/internal/metrics"
	"restaurant-rewards/internal/repository"
)

const defaultSweepBatch = 500

// SweepService neutralizes aged point grants with compensating entries.
// Each grant is compensated at most once; an interrupted sweep resumes
// where it stopped on the next run.
type SweepService struct {
	ledger    LedgerStore
	batchSize int
	metrics   *metrics.RewardsMetrics
}

// NewSweepService creates a new SweepService instance.
func NewSweepService(ledger LedgerStore, batchSize int, m *metrics.RewardsMetrics) *SweepService {
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	return &SweepService{
		ledger:    ledger,
		batchSize: batchSize,
		metrics:   m,
	}
}

// Sweep compensates every grant with expires_at <= now that has not been
// compensated yet and returns how many it neutralized in this run.
func (s *SweepService) Sweep(ctx context.Context, now time.Time) (int, error) {
	neutralized, err := s.sweep(ctx, now)
	s.metrics.ObserveSweep(neutralized, err)

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Time("now", now).
		Int("neutralized", neutralized).
		Msg("Expiry sweep finished")

	return neutralized, err
}

func (s *SweepService) sweep(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		due, err := s.ledger.ListDue(ctx, now, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list due grants: %w", err)
		}
		if len(due) == 0 {
			return total, nil
		}

		progressed := 0
		for _, grant := range due {
			if err := ctx.Err(); err != nil {
				return total, err
			}

			swept, err := s.ledger.Compensate(ctx, grant.ID, now)
			if errors.Is(err, repository.ErrConflict) {
				log.Warn().Str("transaction_id", grant.ID).Msg("Grant locked, left for next sweep")
				continue
			}
			if err != nil {
				return total, fmt.Errorf("failed to compensate grant %s: %w", grant.ID, err)
			}
			if swept {
				total++
				progressed++
				log.Debug().
					Str("user_id", grant.UserID).
					Str("transaction_id", grant.ID).
					Int64("points", grant.Delta).
					Msg("Grant expired")
			}
		}

		// a short batch was the tail; no progress means only locked rows remain
		if len(due) < s.batchSize || progressed == 0 {
			return total, nil
		}
	}
}
