package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-rewards/internal/model"
)

func TestLedger_AppendValidation(t *testing.T) {
	e := newEngine(missTable())
	ctx := context.Background()

	_, err := e.ledger.Append(ctx, "", 10, "x", nil)
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = e.ledger.Append(ctx, "u1", 0, "x", nil)
	assert.ErrorIs(t, err, ErrInvalidDelta)

	id, err := e.ledger.Append(ctx, "u1", -5, "adjustment", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	balance, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), balance)
}

func TestLedger_AwardPurchaseIdempotent(t *testing.T) {
	e := newEngine(missTable())
	ctx := context.Background()

	first, created, err := e.ledger.AwardPurchase(ctx, "u1", 42, "order-7")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := e.ledger.AwardPurchase(ctx, "u1", 42, "order-7")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	balance, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance)

	// purchase points never expire
	grants, err := e.ledger.ExpiringWithin(ctx, "u1", 3650)
	require.NoError(t, err)
	assert.Empty(t, grants)

	_, _, err = e.ledger.AwardPurchase(ctx, "u1", 0, "order-8")
	assert.ErrorIs(t, err, ErrInvalidPoints)
	_, _, err = e.ledger.AwardPurchase(ctx, "u1", 5, "")
	assert.ErrorIs(t, err, ErrMissingReference)
}

func TestLedger_ExpiringWithin(t *testing.T) {
	e := newEngine(missTable())
	ctx := context.Background()

	_, err := e.ledger.AwardBonus(ctx, "u1", 20, "birthday")
	require.NoError(t, err)

	e.clock.Set(day1.AddDate(0, 0, 10))
	_, err = e.ledger.AwardBonus(ctx, "u1", 30, "survey")
	require.NoError(t, err)

	// day 10: the first bonus expires on day 30, the second on day 40
	grants, err := e.ledger.ExpiringWithin(ctx, "u1", 20)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(20), grants[0].Points)

	grants, err = e.ledger.ExpiringWithin(ctx, "u1", 30)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.True(t, grants[0].ExpiresAt.Before(grants[1].ExpiresAt))

	_, err = e.ledger.ExpiringWithin(ctx, "u1", -1)
	assert.ErrorIs(t, err, ErrInvalidDays)

	// past due but unswept grants are still listed until the sweep runs
	e.clock.Set(day1.AddDate(0, 0, 35))
	grants, err = e.ledger.ExpiringWithin(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, grants, 1)

	_, err = e.sweep.Sweep(ctx, e.clock.Now())
	require.NoError(t, err)
	grants, err = e.ledger.ExpiringWithin(ctx, "u1", 30)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(30), grants[0].Points)
}

func TestLedger_Redeem(t *testing.T) {
	e := newEngine(missTable())
	ctx := context.Background()

	_, _, err := e.ledger.AwardPurchase(ctx, "u1", 100, "order-1")
	require.NoError(t, err)

	_, err = e.ledger.Redeem(ctx, "u1", 150, "free-meal")
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	_, err = e.ledger.Redeem(ctx, "u1", 60, "free-dessert")
	require.NoError(t, err)

	_, err = e.ledger.Redeem(ctx, "u1", 41, "free-drink")
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	balance, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)

	history, err := e.ledger.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	reasons := []string{history[0].Reason, history[1].Reason}
	assert.ElementsMatch(t, []string{model.ReasonPurchase, model.RedeemReason("free-dessert")}, reasons)
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	e := newEngine(missTable())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.clock.Set(day1.Add(time.Duration(i) * time.Hour))
		_, err := e.ledger.Append(ctx, "u1", int64(i+1), "test", nil)
		require.NoError(t, err)
	}

	history, err := e.ledger.History(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(3), history[0].Delta)
	assert.Equal(t, int64(2), history[1].Delta)
}
