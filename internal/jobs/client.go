package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog/log"

	"restaurant-rewards/internal/model"
)

// Config holds the job client settings.
type Config struct {
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	RunOnStart        bool
	MaxWorkers        int
}

// Migrate applies River's own schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up failed: %w", err)
	}
	log.Info().Int("versions", len(res.Versions)).Msg("River migrations applied")
	return nil
}

// PeriodicJobs returns the scheduled jobs for cfg.
func PeriodicJobs(cfg Config) []*river.PeriodicJob {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	reconcile := cfg.ReconcileInterval
	if reconcile <= 0 {
		reconcile = 5 * time.Minute
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return SweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: cfg.RunOnStart},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(reconcile),
			func() (river.JobArgs, *river.InsertOpts) {
				return ReconcileArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// SpinSettler settles spins both one at a time and in reconciliation passes.
type SpinSettler interface {
	Settler
	Reconciler
}

// NewClient creates a River client with the rewards workers registered.
func NewClient(pool *pgxpool.Pool, sweeper Sweeper, spins SpinSettler, cfg Config) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewSweepWorker(sweeper))
	river.AddWorker(workers, NewSettleSpinWorker(spins))
	river.AddWorker(workers, NewReconcileWorker(spins))

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: PeriodicJobs(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}
	return client, nil
}

// Inserter is the subset of the River client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Queue enqueues deferred spin settlements.
type Queue struct {
	client Inserter
}

// NewQueue creates a Queue backed by client.
func NewQueue(client Inserter) *Queue {
	return &Queue{client: client}
}

// EnqueueSettlement schedules outcome for background settlement.
func (q *Queue) EnqueueSettlement(ctx context.Context, outcome model.SpinOutcome) error {
	res, err := q.client.Insert(ctx, SettleSpinArgs{Outcome: outcome}, nil)
	if err != nil {
		return fmt.Errorf("failed to enqueue settlement: %w", err)
	}
	log.Info().
		Int64("job_id", res.Job.ID).
		Bool("duplicate", res.UniqueSkippedAsDuplicate).
		Str("token_id", outcome.TokenID).
		Msg("Spin settlement enqueued")
	return nil
}
