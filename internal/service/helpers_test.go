package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"restaurant-rewards/internal/model"
	"restaurant-rewards/internal/prize"
	"restaurant-rewards/internal/repository/memory"
)

var (
	_ TokenStore  = (*memory.Store)(nil)
	_ SpinStore   = (*memory.Store)(nil)
	_ LedgerStore = (*memory.Store)(nil)
)

var day1 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func points(n int64) *int64 { return &n }

// hundredTable always rolls a 100 point grant.
func hundredTable() *prize.Table {
	return prize.MustNewTable([]model.Prize{
		{Key: "points_100", Label: "100 points", Weight: 1, PointsGranted: points(100)},
		{Key: "no_win", Label: "No win", Weight: 0},
	})
}

// missTable always rolls the miss outcome.
func missTable() *prize.Table {
	return prize.MustNewTable([]model.Prize{
		{Key: "no_win", Label: "No win", Weight: 1},
	})
}

type engine struct {
	store  *memory.Store
	clock  *testClock
	spin   *SpinService
	ledger *LedgerService
	sweep  *SweepService
	mint   *MintService
}

func newEngine(table *prize.Table) *engine {
	store := memory.NewStore()
	clock := newTestClock(day1)

	spin := NewSpinService(store, store, store, table, SpinConfig{GrantTTL: 30 * 24 * time.Hour, SettleAttempts: 2}, nil)
	spin.SetClock(clock.Now)

	ledger := NewLedgerService(store, 30*24*time.Hour, nil)
	ledger.SetClock(clock.Now)

	mint := NewMintService(store, MintRules{VIPDaily: true, SpendThreshold: true, MinSpend: 50, ProfileComplete: true}, nil)
	mint.SetClock(clock.Now)

	return &engine{
		store:  store,
		clock:  clock,
		spin:   spin,
		ledger: ledger,
		sweep:  NewSweepService(store, 2, nil),
		mint:   mint,
	}
}

func (e *engine) giveTokens(userID string, n int) {
	tokens := make([]*model.EligibilityToken, n)
	now := e.clock.Now()
	for i := range tokens {
		tokens[i] = &model.EligibilityToken{
			UserID:    userID,
			Rule:      model.RuleVIPDaily,
			CreatedAt: now.Add(-time.Duration(n-i) * time.Minute),
		}
	}
	if err := e.store.CreateTokens(context.Background(), tokens); err != nil {
		panic(err)
	}
}

var errStoreDown = errors.New("store unavailable")

// flakyLedger fails the first failures Append calls.
type flakyLedger struct {
	LedgerStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyLedger) Append(ctx context.Context, tx *model.LedgerTransaction) (*model.LedgerTransaction, bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, false, errStoreDown
	}
	return f.LedgerStore.Append(ctx, tx)
}

// recordingQueue captures deferred outcomes.
type recordingQueue struct {
	mu       sync.Mutex
	outcomes []model.SpinOutcome
	err      error
}

func (q *recordingQueue) EnqueueSettlement(_ context.Context, outcome model.SpinOutcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.outcomes = append(q.outcomes, outcome)
	return nil
}
