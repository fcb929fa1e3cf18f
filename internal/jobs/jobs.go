// Package jobs runs the rewards background work on River: the periodic
// expiry sweep, deferred spin settlement and the periodic reconciliation of
// spins whose settlement never landed.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"restaurant-rewards/internal/model"
)

// Sweeper neutralizes aged grants.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Settler writes the spin record and ledger grant of a consumed token.
type Settler interface {
	Settle(ctx context.Context, outcome model.SpinOutcome) error
}

// Reconciler settles consumed tokens that were never marked settled.
type Reconciler interface {
	Reconcile(ctx context.Context, now time.Time) (int, error)
}

// SweepArgs schedules one expiry sweep.
type SweepArgs struct{}

// Kind identifies sweep jobs.
func (SweepArgs) Kind() string { return "expiry_sweep" }

// InsertOpts keeps at most one sweep per hour in the queue.
func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 5,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Hour},
	}
}

// SweepWorker runs the expiry sweep.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper Sweeper
	now     func() time.Time
}

// NewSweepWorker creates a SweepWorker over s.
func NewSweepWorker(s Sweeper) *SweepWorker {
	return &SweepWorker{sweeper: s, now: time.Now}
}

// Timeout allows large ledgers to be swept in one run.
func (w *SweepWorker) Timeout(*river.Job[SweepArgs]) time.Duration {
	return 10 * time.Minute
}

// Work runs the sweep. A failed run is retried by River; grants already
// compensated are skipped on retry.
func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	if _, err := w.sweeper.Sweep(ctx, w.now()); err != nil {
		return fmt.Errorf("expiry sweep failed: %w", err)
	}
	return nil
}

// SettleSpinArgs carries a spin outcome whose inline settlement failed.
type SettleSpinArgs struct {
	Outcome model.SpinOutcome `json:"outcome"`
}

// Kind identifies settlement jobs.
func (SettleSpinArgs) Kind() string { return "settle_spin" }

// InsertOpts deduplicates settlements of the same token.
func (SettleSpinArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 25,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// SettleSpinWorker settles one deferred spin.
type SettleSpinWorker struct {
	river.WorkerDefaults[SettleSpinArgs]
	settler Settler
}

// NewSettleSpinWorker creates a SettleSpinWorker over s.
func NewSettleSpinWorker(s Settler) *SettleSpinWorker {
	return &SettleSpinWorker{settler: s}
}

// Work settles the outcome. Settlement is idempotent per token, so River
// retries are safe.
func (w *SettleSpinWorker) Work(ctx context.Context, job *river.Job[SettleSpinArgs]) error {
	if err := w.settler.Settle(ctx, job.Args.Outcome); err != nil {
		return fmt.Errorf("failed to settle spin %s: %w", job.Args.Outcome.TokenID, err)
	}
	return nil
}

// ReconcileArgs schedules one reconciliation of unsettled spins.
type ReconcileArgs struct{}

// Kind identifies reconciliation jobs.
func (ReconcileArgs) Kind() string { return "reconcile_spins" }

// InsertOpts keeps at most one reconciliation per minute in the queue.
func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Minute},
	}
}

// ReconcileWorker settles consumed tokens left unsettled.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler Reconciler
	now        func() time.Time
}

// NewReconcileWorker creates a ReconcileWorker over r.
func NewReconcileWorker(r Reconciler) *ReconcileWorker {
	return &ReconcileWorker{reconciler: r, now: time.Now}
}

// Work runs one reconciliation pass. Tokens that fail stay unsettled and are
// picked up by the next scheduled run.
func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	if _, err := w.reconciler.Reconcile(ctx, w.now()); err != nil {
		return fmt.Errorf("spin reconciliation failed: %w", err)
	}
	return nil
}
