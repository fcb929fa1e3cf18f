package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-rewards/internal/model"
	"restaurant-rewards/internal/prize"
)

func TestSpin_SuccessThenCooldown(t *testing.T) {
	e := newEngine(prize.DefaultTable())
	ctx := context.Background()
	e.giveTokens("u1", 1)

	res, err := e.spin.Spin(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NotNil(t, res.Prize)
	_, known := e.spin.Table().Get(res.Prize.Key)
	assert.True(t, known, "prize must come from the table")

	res, err = e.spin.Spin(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.SpinCooldown, res.Reason)
	assert.False(t, res.Retryable)
}

func TestSpin_NoTokens(t *testing.T) {
	e := newEngine(prize.DefaultTable())

	res, err := e.spin.Spin(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.SpinNotEligible, res.Reason)
}

func TestSpin_CooldownWhileTokensRemain(t *testing.T) {
	e := newEngine(missTable())
	ctx := context.Background()
	e.giveTokens("u1", 3)

	res, err := e.spin.Spin(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)

	e.clock.Set(day1.Add(10 * time.Hour))
	res, err = e.spin.Spin(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.SpinCooldown, res.Reason)

	status, err := e.spin.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Tokens)
	assert.True(t, status.SpunToday)
	assert.False(t, status.CanSpin())

	e.clock.Set(day1.AddDate(0, 0, 1))
	res, err = e.spin.Spin(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestSpin_ConsumesOldestToken(t *testing.T) {
	e := newEngine(missTable())
	ctx := context.Background()
	e.giveTokens("u1", 3)

	before, err := e.store.ListTokens(ctx, "u1", 0)
	require.NoError(t, err)
	oldest := before[len(before)-1]

	res, err := e.spin.Spin(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)

	after, err := e.store.ListTokens(ctx, "u1", 0)
	require.NoError(t, err)
	for _, tok := range after {
		assert.Equal(t, tok.ID == oldest.ID, tok.Consumed(), "token %s", tok.ID)
	}
}

func TestSpin_DayBoundaryUsesLocation(t *testing.T) {
	store := newEngine(missTable()).store
	clock := newTestClock(time.Date(2025, 3, 1, 23, 30, 0, 0, time.UTC)) // 09:30 Mar 2 at UTC+10
	spin := NewSpinService(store, store, store, missTable(), SpinConfig{Location: time.FixedZone("UTC+10", 10*3600)}, nil)
	spin.SetClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, store.CreateTokens(ctx, []*model.EligibilityToken{
		{UserID: "u1", Rule: model.RuleVIPDaily, CreatedAt: clock.Now().Add(-time.Hour)},
		{UserID: "u1", Rule: model.RuleSpendThreshold, CreatedAt: clock.Now().Add(-time.Hour)},
	}))

	res, err := spin.Spin(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)

	clock.Set(time.Date(2025, 3, 2, 13, 0, 0, 0, time.UTC)) // 23:00 Mar 2 local
	res, err = spin.Spin(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.SpinCooldown, res.Reason)

	clock.Set(time.Date(2025, 3, 2, 14, 30, 0, 0, time.UTC)) // 00:30 Mar 3 local
	res, err = spin.Spin(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestSpin_ConcurrentSameUserOneSuccess(t *testing.T) {
	for _, tokens := range []int{1, 5} {
		e := newEngine(hundredTable())
		ctx := context.Background()
		e.giveTokens("u1", tokens)

		const callers = 25
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []*model.SpinResult
		)
		start := make(chan struct{})
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func() {
				defer wg.Done()
				<-start
				res, err := e.spin.Spin(ctx, "u1")
				if err != nil {
					t.Errorf("spin: %v", err)
					return
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}()
		}
		close(start)
		wg.Wait()

		ok := 0
		for _, r := range results {
			if r.OK {
				ok++
			}
		}
		assert.Equal(t, 1, ok, "tokens=%d", tokens)

		remaining, err := e.store.CountUnconsumed(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, tokens-1, remaining)

		spins, err := e.store.ListSpins(ctx, "u1", 0)
		require.NoError(t, err)
		assert.Len(t, spins, 1)

		balance, err := e.ledger.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), balance)
	}
}

func TestSpin_GrantExpiresAfterTTL(t *testing.T) {
	e := newEngine(hundredTable())
	ctx := context.Background()
	e.giveTokens("u1", 1)

	res, err := e.spin.Spin(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)

	grants, err := e.ledger.ExpiringWithin(ctx, "u1", 30)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(100), grants[0].Points)
	assert.True(t, day1.AddDate(0, 0, 30).Equal(grants[0].ExpiresAt))
}

func TestSpin_SettlementRetriedInline(t *testing.T) {
	store := newEngine(hundredTable()).store
	ledger := &flakyLedger{LedgerStore: store, failures: 1}
	spin := NewSpinService(store, store, ledger, hundredTable(), SpinConfig{SettleAttempts: 3}, nil)
	queue := &recordingQueue{}
	spin.SetSettlementQueue(queue)
	ctx := context.Background()

	require.NoError(t, store.CreateTokens(ctx, []*model.EligibilityToken{{UserID: "u1", Rule: model.RuleVIPDaily, CreatedAt: time.Now().Add(-time.Minute)}}))

	res, err := spin.Spin(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, queue.outcomes)

	balance, err := store.Sum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestSpin_SettlementDeferred(t *testing.T) {
	store := newEngine(hundredTable()).store
	ledger := &flakyLedger{LedgerStore: store, failures: 100}
	spin := NewSpinService(store, store, ledger, hundredTable(), SpinConfig{SettleAttempts: 2}, nil)
	queue := &recordingQueue{}
	spin.SetSettlementQueue(queue)
	ctx := context.Background()

	require.NoError(t, store.CreateTokens(ctx, []*model.EligibilityToken{{UserID: "u1", Rule: model.RuleVIPDaily, CreatedAt: time.Now().Add(-time.Minute)}}))

	res, err := spin.Spin(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Len(t, queue.outcomes, 1)
	outcome := queue.outcomes[0]
	assert.Equal(t, int64(100), outcome.Points)

	// the spin record landed even though the grant did not
	spins, err := store.ListSpins(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, spins, 1)

	// the worker settles later; repeating it never double-credits
	healthy := NewSpinService(store, store, store, hundredTable(), SpinConfig{}, nil)
	require.NoError(t, healthy.Settle(ctx, outcome))
	require.NoError(t, healthy.Settle(ctx, outcome))

	balance, err := store.Sum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	spins, err = store.ListSpins(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, spins, 1)

	pending, err := store.ListUnsettled(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSpin_UnreachableQueueSettledByReconcile(t *testing.T) {
	store := newEngine(hundredTable()).store
	ledger := &flakyLedger{LedgerStore: store, failures: 3}
	spin := NewSpinService(store, store, ledger, hundredTable(), SpinConfig{SettleAttempts: 3}, nil)
	clock := newTestClock(day1)
	spin.SetClock(clock.Now)
	spin.SetSettlementQueue(&recordingQueue{err: errStoreDown})
	ctx := context.Background()

	require.NoError(t, store.CreateTokens(ctx, []*model.EligibilityToken{{UserID: "u1", Rule: model.RuleVIPDaily, CreatedAt: day1.Add(-time.Minute)}}))

	res, err := spin.Spin(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "points_100", res.Prize.Key)

	balance, err := store.Sum(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, balance, "the grant has not landed yet")

	// the spent token still names the prize
	pending, err := store.ListUnsettled(ctx, day1.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "points_100", pending[0].PrizeKey)

	// recent consumptions are left to inline and queued settlement
	settled, err := spin.Reconcile(ctx, day1.Add(10*time.Second))
	require.NoError(t, err)
	assert.Zero(t, settled)

	// the store is back
	settled, err = spin.Reconcile(ctx, day1.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	balance, err = store.Sum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	grants, err := store.ListExpiring(ctx, "u1", day1.AddDate(0, 0, 30))
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.True(t, day1.AddDate(0, 0, 30).Equal(grants[0].ExpiresAt), "expiry runs from the spin, not the reconcile")

	settled, err = spin.Reconcile(ctx, day1.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, settled)

	clock.Set(day1.Add(time.Hour))
	res, err = spin.Spin(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.SpinCooldown, res.Reason)

	balance, err = store.Sum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestSpin_ReconcileKeepsFailingTokens(t *testing.T) {
	store := newEngine(hundredTable()).store
	ledger := &flakyLedger{LedgerStore: store, failures: 100}
	spin := NewSpinService(store, store, ledger, hundredTable(), SpinConfig{SettleAttempts: 1}, nil)
	spin.SetClock(func() time.Time { return day1 })
	ctx := context.Background()

	require.NoError(t, store.CreateTokens(ctx, []*model.EligibilityToken{{UserID: "u1", Rule: model.RuleVIPDaily, CreatedAt: day1.Add(-time.Minute)}}))

	res, err := spin.Spin(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)

	settled, err := spin.Reconcile(ctx, day1.Add(time.Hour))
	assert.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, settled)

	pending, err := store.ListUnsettled(ctx, day1.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSpin_InvalidUser(t *testing.T) {
	e := newEngine(missTable())
	_, err := e.spin.Spin(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidUser)
}
