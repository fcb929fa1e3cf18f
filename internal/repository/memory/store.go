// Package memory provides an in-process implementation of the rewards stores.
// It honors the same contract as the PostgreSQL repositories and backs the
// memory store driver and the service tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"restaurant-rewards/internal/model"
	"restaurant-rewards/internal/pkg/lock"
	"restaurant-rewards/internal/repository"
)

// Store keeps tokens, spins and ledger entries in memory.
// mu guards the maps; locks serializes per-user consumption and debits.
type Store struct {
	mu    sync.RWMutex
	locks *lock.UserLock

	tokens map[string]*model.EligibilityToken
	// consumedDay maps token id to the day it was consumed.
	consumedDay map[string]time.Time
	// spins is keyed by token id.
	spins  map[string]*model.SpinRecord
	ledger []*model.LedgerTransaction
	// sourceKeys maps a source key to its index in ledger.
	sourceKeys map[string]int
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		locks:       lock.NewUserLock(),
		tokens:      make(map[string]*model.EligibilityToken),
		consumedDay: make(map[string]time.Time),
		spins:       make(map[string]*model.SpinRecord),
		sourceKeys:  make(map[string]int),
	}
}

func cloneToken(t *model.EligibilityToken) *model.EligibilityToken {
	c := *t
	if t.ConsumedAt != nil {
		at := *t.ConsumedAt
		c.ConsumedAt = &at
	}
	if t.SettledAt != nil {
		at := *t.SettledAt
		c.SettledAt = &at
	}
	return &c
}

func cloneTx(tx *model.LedgerTransaction) *model.LedgerTransaction {
	c := *tx
	if tx.SourceKey != nil {
		k := *tx.SourceKey
		c.SourceKey = &k
	}
	if tx.ExpiresAt != nil {
		e := *tx.ExpiresAt
		c.ExpiresAt = &e
	}
	if tx.SweptAt != nil {
		s := *tx.SweptAt
		c.SweptAt = &s
	}
	return &c
}

// ---- tokens ----

// CreateTokens stores all tokens. Tokens without an ID are assigned one.
// A token with an unknown rule rejects the whole batch.
func (s *Store) CreateTokens(_ context.Context, tokens []*model.EligibilityToken) error {
	for _, t := range tokens {
		if !t.Rule.Valid() {
			return fmt.Errorf("%w: %q", repository.ErrInvalidRule, t.Rule)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tokens {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		s.tokens[t.ID] = cloneToken(t)
	}
	return nil
}

// CountUnconsumed returns the number of tokens the user can still spend.
func (s *Store) CountUnconsumed(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.tokens {
		if t.UserID == userID && !t.Consumed() {
			n++
		}
	}
	return n, nil
}

// ListTokens returns the user's tokens, newest first.
func (s *Store) ListTokens(_ context.Context, userID string, limit int) ([]*model.EligibilityToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.EligibilityToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			out = append(out, cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ConsumeOldest spends the user's oldest unconsumed token on the given prize.
// A caller that finds another consumption for the same user in flight gets
// repository.ErrConflict instead of waiting.
func (s *Store) ConsumeOldest(_ context.Context, userID string, day model.DayWindow, now time.Time, won model.Prize) (*model.EligibilityToken, error) {
	var consumed *model.EligibilityToken
	err := s.locks.WithTryLock(userID, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		date := day.Date()
		var oldest *model.EligibilityToken
		for id, t := range s.tokens {
			if t.UserID != userID {
				continue
			}
			if d, ok := s.consumedDay[id]; ok && d.Equal(date) {
				return repository.ErrDailyLimitReached
			}
			if t.Consumed() {
				continue
			}
			if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) ||
				(t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
				oldest = t
			}
		}
		if oldest == nil {
			return repository.ErrNoEligibleToken
		}

		at := now
		oldest.ConsumedAt = &at
		oldest.PrizeKey = won.Key
		oldest.PrizePoints = won.Points()
		s.consumedDay[oldest.ID] = date
		consumed = cloneToken(oldest)
		return nil
	})
	if errors.Is(err, lock.ErrLockBusy) {
		return nil, repository.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

// ListUnsettled returns up to limit consumed tokens whose spin has not been
// credited and that were consumed before the given time, oldest first.
func (s *Store) ListUnsettled(_ context.Context, before time.Time, limit int) ([]*model.EligibilityToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.EligibilityToken
	for _, t := range s.tokens {
		if t.Consumed() && !t.Settled() && t.ConsumedAt.Before(before) {
			out = append(out, cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConsumedAt.Equal(*out[j].ConsumedAt) {
			return out[i].ConsumedAt.Before(*out[j].ConsumedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSettled records that the spin of a consumed token has been credited.
func (s *Store) MarkSettled(_ context.Context, tokenID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[tokenID]; ok && t.Consumed() && !t.Settled() {
		at := now
		t.SettledAt = &at
	}
	return nil
}

// ---- spins ----

// CreateSpin stores a spin record, once per token.
func (s *Store) CreateSpin(_ context.Context, rec *model.SpinRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.spins[rec.TokenID]; ok {
		return false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	c := *rec
	s.spins[rec.TokenID] = &c
	return true, nil
}

// CountSpinsBetween counts the user's spins with start <= created_at < end.
func (s *Store) CountSpinsBetween(_ context.Context, userID string, start, end time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.spins {
		if rec.UserID == userID && !rec.CreatedAt.Before(start) && rec.CreatedAt.Before(end) {
			n++
		}
	}
	return n, nil
}

// ListSpins returns the user's spins, newest first.
func (s *Store) ListSpins(_ context.Context, userID string, limit int) ([]*model.SpinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.SpinRecord
	for _, rec := range s.spins {
		if rec.UserID == userID {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- ledger ----

// Append stores a ledger entry, idempotently per source key.
func (s *Store) Append(_ context.Context, tx *model.LedgerTransaction) (*model.LedgerTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved, created := s.appendLocked(tx)
	return saved, created, nil
}

func (s *Store) appendLocked(tx *model.LedgerTransaction) (*model.LedgerTransaction, bool) {
	if tx.SourceKey != nil {
		if i, ok := s.sourceKeys[*tx.SourceKey]; ok {
			return cloneTx(s.ledger[i]), false
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	c := cloneTx(tx)
	c.SweptAt = nil
	s.ledger = append(s.ledger, c)
	if c.SourceKey != nil {
		s.sourceKeys[*c.SourceKey] = len(s.ledger) - 1
	}
	return cloneTx(c), true
}

func (s *Store) sumLocked(userID string) int64 {
	var total int64
	for _, tx := range s.ledger {
		if tx.UserID == userID {
			total += tx.Delta
		}
	}
	return total
}

// Debit appends a negative entry only if the balance covers it.
func (s *Store) Debit(_ context.Context, tx *model.LedgerTransaction) (*model.LedgerTransaction, error) {
	if tx.Delta >= 0 {
		return nil, errors.New("debit delta must be negative")
	}

	var saved *model.LedgerTransaction
	err := s.locks.WithLock(tx.UserID, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if tx.SourceKey != nil {
			if _, ok := s.sourceKeys[*tx.SourceKey]; ok {
				return repository.ErrConflict
			}
		}
		if s.sumLocked(tx.UserID)+tx.Delta < 0 {
			return repository.ErrInsufficientPoints
		}
		saved, _ = s.appendLocked(tx)
		return nil
	})
	return saved, err
}

// Sum returns the signed sum of the user's entries.
func (s *Store) Sum(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumLocked(userID), nil
}

func isOpenGrant(tx *model.LedgerTransaction) bool {
	return tx.Delta > 0 && tx.ExpiresAt != nil && tx.SweptAt == nil
}

// ListExpiring returns the user's unswept positive grants expiring at or
// before until, soonest first.
func (s *Store) ListExpiring(_ context.Context, userID string, until time.Time) ([]model.ExpiringGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ExpiringGrant
	for _, tx := range s.ledger {
		if tx.UserID == userID && isOpenGrant(tx) && !tx.ExpiresAt.After(until) {
			out = append(out, model.ExpiringGrant{
				TransactionID: tx.ID,
				Points:        tx.Delta,
				ExpiresAt:     *tx.ExpiresAt,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// ListDue returns up to limit unswept grants due at now, oldest first.
func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]*model.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.LedgerTransaction
	for _, tx := range s.ledger {
		if isOpenGrant(tx) && !tx.ExpiresAt.After(now) {
			out = append(out, cloneTx(tx))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compensate marks a due grant swept and appends its negation atomically.
func (s *Store) Compensate(_ context.Context, grantID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.ledger {
		if tx.ID != grantID {
			continue
		}
		if !isOpenGrant(tx) || tx.ExpiresAt.After(now) {
			return false, nil
		}
		swept := now
		tx.SweptAt = &swept
		key := model.ExpirySourceKey(grantID)
		s.appendLocked(&model.LedgerTransaction{
			UserID:    tx.UserID,
			Delta:     -tx.Delta,
			Reason:    model.ReasonExpiry,
			SourceKey: &key,
			CreatedAt: now,
		})
		return true, nil
	}
	return false, nil
}

// History returns the user's ledger entries, newest first.
func (s *Store) History(_ context.Context, userID string, limit int) ([]*model.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.LedgerTransaction
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].UserID == userID {
			out = append(out, cloneTx(s.ledger[i]))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
