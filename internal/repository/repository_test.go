// Tests use testcontainers-go to spin up a PostgreSQL container.
package repository

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"restaurant-rewards/internal/model"
	"restaurant-rewards/internal/pkg/db"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container and returns a migrated pool.
// Skips the test if Docker is not available
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, db.Migrate(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return pool, cleanup
}

var (
	t0  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	day = model.DayOf(t0, time.UTC)
)

func mintTokens(t *testing.T, repo *TokenRepository, userID string, n int) []*model.EligibilityToken {
	t.Helper()
	tokens := make([]*model.EligibilityToken, n)
	for i := range tokens {
		tokens[i] = &model.EligibilityToken{
			UserID:    userID,
			Rule:      model.RuleVIPDaily,
			CreatedAt: t0.Add(-time.Duration(n-i) * time.Hour),
		}
	}
	require.NoError(t, repo.CreateTokens(context.Background(), tokens))
	return tokens
}

func ptr[T any](v T) *T { return &v }

var missPrize = model.Prize{Key: "no_win", Label: "No win", Weight: 1}

// ============================================================================
// TokenRepository Tests
// ============================================================================

func TestTokenRepository_ConsumeOldest(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewTokenRepository(pool)
	ctx := context.Background()

	tokens := mintTokens(t, repo, "u1", 2)

	n, err := repo.CountUnconsumed(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	consumed, err := repo.ConsumeOldest(ctx, "u1", day, t0, missPrize)
	require.NoError(t, err)
	assert.Equal(t, tokens[0].ID, consumed.ID)
	require.NotNil(t, consumed.ConsumedAt)

	n, err = repo.CountUnconsumed(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// second consumption on the same day is refused even though a token remains
	_, err = repo.ConsumeOldest(ctx, "u1", day, t0.Add(time.Hour), missPrize)
	assert.ErrorIs(t, err, ErrDailyLimitReached)

	// next day the remaining token can be spent
	next := model.DayOf(t0.AddDate(0, 0, 1), time.UTC)
	consumed, err = repo.ConsumeOldest(ctx, "u1", next, next.Start.Add(time.Hour), missPrize)
	require.NoError(t, err)
	assert.Equal(t, tokens[1].ID, consumed.ID)
}

func TestTokenRepository_ConsumeOldest_NoToken(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewTokenRepository(pool)

	_, err := repo.ConsumeOldest(context.Background(), "nobody", day, t0, missPrize)
	assert.ErrorIs(t, err, ErrNoEligibleToken)
}

func TestTokenRepository_ConsumeOldest_Concurrent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewTokenRepository(pool)
	ctx := context.Background()
	mintTokens(t, repo, "u1", 1)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := repo.ConsumeOldest(ctx, "u1", day, t0, missPrize)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNoEligibleToken) && !errors.Is(err, ErrDailyLimitReached) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestTokenRepository_ListByUser(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewTokenRepository(pool)
	ctx := context.Background()
	mintTokens(t, repo, "u1", 3)
	mintTokens(t, repo, "u2", 1)

	tokens, err := repo.ListTokens(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, tokens, 3)
	for _, tok := range tokens {
		assert.Equal(t, "u1", tok.UserID)
	}
}

func TestTokenRepository_CreateTokensRejectsUnknownRule(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewTokenRepository(pool)
	ctx := context.Background()

	err := repo.CreateTokens(ctx, []*model.EligibilityToken{
		{UserID: "u1", Rule: model.RuleVIPDaily, CreatedAt: t0},
		{UserID: "u1", Rule: "birthday", CreatedAt: t0},
	})
	assert.ErrorIs(t, err, ErrInvalidRule)

	n, err := repo.CountUnconsumed(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTokenRepository_UnsettledUntilMarked(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewTokenRepository(pool)
	ctx := context.Background()
	mintTokens(t, repo, "u1", 1)

	won := model.Prize{Key: "points_100", Label: "100 points", Weight: 1, PointsGranted: ptr(int64(100))}
	consumed, err := repo.ConsumeOldest(ctx, "u1", day, t0, won)
	require.NoError(t, err)

	pending, err := repo.ListUnsettled(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, consumed.ID, pending[0].ID)
	assert.Equal(t, "points_100", pending[0].PrizeKey)
	assert.EqualValues(t, 100, pending[0].PrizePoints)
	assert.Nil(t, pending[0].SettledAt)

	require.NoError(t, repo.MarkSettled(ctx, consumed.ID, t0.Add(time.Second)))
	require.NoError(t, repo.MarkSettled(ctx, consumed.ID, t0.Add(time.Hour)))

	pending, err = repo.ListUnsettled(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	tokens, err := repo.ListTokens(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.NotNil(t, tokens[0].SettledAt)
	assert.True(t, t0.Add(time.Second).Equal(*tokens[0].SettledAt))
}

// ============================================================================
// SpinRepository Tests
// ============================================================================

func TestSpinRepository_CreateIdempotent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	tokens := NewTokenRepository(pool)
	spins := NewSpinRepository(pool)
	ctx := context.Background()

	minted := mintTokens(t, tokens, "u1", 1)

	created, err := spins.CreateSpin(ctx, &model.SpinRecord{UserID: "u1", TokenID: minted[0].ID, PrizeKey: "points_10", CreatedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = spins.CreateSpin(ctx, &model.SpinRecord{UserID: "u1", TokenID: minted[0].ID, PrizeKey: "points_10", CreatedAt: t0})
	require.NoError(t, err)
	assert.False(t, created)

	n, err := spins.CountSpinsBetween(ctx, "u1", day.Start, day.End)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = spins.CountSpinsBetween(ctx, "u1", day.End, day.End.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// ============================================================================
// LedgerRepository Tests
// ============================================================================

func TestLedgerRepository_AppendIdempotent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewLedgerRepository(pool)
	ctx := context.Background()

	key := model.PurchaseSourceKey("order-1")
	first, created, err := repo.Append(ctx, &model.LedgerTransaction{
		UserID: "u1", Delta: 40, Reason: model.ReasonPurchase, SourceKey: &key, CreatedAt: t0,
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.Append(ctx, &model.LedgerTransaction{
		UserID: "u1", Delta: 40, Reason: model.ReasonPurchase, SourceKey: &key, CreatedAt: t0,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	sum, err := repo.Sum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), sum)
}

func TestLedgerRepository_CompensateExpiry(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewLedgerRepository(pool)
	ctx := context.Background()

	expires := t0.AddDate(0, 0, 30)
	grant, _, err := repo.Append(ctx, &model.LedgerTransaction{
		UserID: "u1", Delta: 100, Reason: model.WheelReason("points_100"), CreatedAt: t0, ExpiresAt: &expires,
	})
	require.NoError(t, err)

	expiring, err := repo.ListExpiring(ctx, "u1", t0.AddDate(0, 0, 30))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, grant.ID, expiring[0].TransactionID)

	// not due yet
	swept, err := repo.Compensate(ctx, grant.ID, t0.AddDate(0, 0, 29))
	require.NoError(t, err)
	assert.False(t, swept)

	now := t0.AddDate(0, 0, 31)
	due, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	swept, err = repo.Compensate(ctx, grant.ID, now)
	require.NoError(t, err)
	assert.True(t, swept)

	swept, err = repo.Compensate(ctx, grant.ID, now)
	require.NoError(t, err)
	assert.False(t, swept)

	sum, err := repo.Sum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	entries, err := repo.History(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	due, err = repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestLedgerRepository_Debit(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewLedgerRepository(pool)
	ctx := context.Background()

	_, _, err := repo.Append(ctx, &model.LedgerTransaction{UserID: "u1", Delta: 50, Reason: model.ReasonPurchase, CreatedAt: t0})
	require.NoError(t, err)

	_, err = repo.Debit(ctx, &model.LedgerTransaction{UserID: "u1", Delta: -80, Reason: model.RedeemReason("meal"), CreatedAt: t0})
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	saved, err := repo.Debit(ctx, &model.LedgerTransaction{
		UserID: "u1", Delta: -30, Reason: model.RedeemReason("drink"), SourceKey: ptr("redeem:r1"), CreatedAt: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-30), saved.Delta)

	sum, err := repo.Sum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), sum)
}
