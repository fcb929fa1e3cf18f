// Package main is the entry point for the rewards loyalty engine.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"restaurant-rewards/internal/api"
	"restaurant-rewards/internal/bot"
	"restaurant-rewards/internal/config"
	"restaurant-rewards/internal/jobs"
	"restaurant-rewards/internal/metrics"
	"restaurant-rewards/internal/pkg/db"
	"restaurant-rewards/internal/prize"
	"restaurant-rewards/internal/repository"
	"restaurant-rewards/internal/repository/memory"
	"restaurant-rewards/internal/service"
)

// stores groups the three Ledger Store facets.
type stores struct {
	tokens service.TokenStore
	spins  service.SpinStore
	ledger service.LedgerStore
	health func(ctx context.Context) error
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log)
	log.Info().Str("store", cfg.Store.Driver).Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Rewards.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid rewards timezone")
	}

	table := prize.DefaultTable()
	if len(cfg.Rewards.Prizes) > 0 {
		if table, err = prize.NewTable(cfg.Rewards.Prizes); err != nil {
			log.Fatal().Err(err).Msg("Invalid prize table")
		}
	}

	m := metrics.Rewards()

	var (
		st   stores
		pool *db.Pool
	)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err = db.NewPool(ctx, &cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("Failed to run database migrations")
		}
		if err := jobs.Migrate(ctx, pool.Pool); err != nil {
			log.Fatal().Err(err).Msg("Failed to run job queue migrations")
		}

		st = stores{
			tokens: repository.NewTokenRepository(pool.Pool),
			spins:  repository.NewSpinRepository(pool.Pool),
			ledger: repository.NewLedgerRepository(pool.Pool),
			health: pool.HealthCheck,
		}
	case config.DriverMemory:
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		store := memory.NewStore()
		st = stores{tokens: store, spins: store, ledger: store}
	}

	mintService := service.NewMintService(st.tokens, service.MintRules{
		VIPDaily:        cfg.Rewards.Rules.VIPDaily.Enabled,
		SpendThreshold:  cfg.Rewards.Rules.SpendThreshold.Enabled,
		MinSpend:        cfg.Rewards.Rules.SpendThreshold.MinSpend,
		ProfileComplete: cfg.Rewards.Rules.ProfileComplete.Enabled,
	}, m)
	spinService := service.NewSpinService(st.tokens, st.spins, st.ledger, table, service.SpinConfig{
		Location:       loc,
		GrantTTL:       cfg.Rewards.GrantTTL,
		SettleAttempts: cfg.Rewards.SettleAttempts,
	}, m)
	ledgerService := service.NewLedgerService(st.ledger, cfg.Rewards.GrantTTL, m)
	sweepService := service.NewSweepService(st.ledger, cfg.Sweep.BatchSize, m)

	if pool != nil {
		riverClient, err := jobs.NewClient(pool.Pool, sweepService, spinService, jobs.Config{
			SweepInterval:     cfg.Sweep.Interval,
			ReconcileInterval: cfg.Jobs.ReconcileInterval,
			RunOnStart:        cfg.Sweep.RunOnStart,
			MaxWorkers:        cfg.Jobs.MaxWorkers,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create job client")
		}
		// Connect the queue after the client exists; the settle worker calls back into spinService.
		spinService.SetSettlementQueue(jobs.NewQueue(riverClient))

		if err := riverClient.Start(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job client")
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := riverClient.Stop(stopCtx); err != nil {
				log.Error().Err(err).Msg("Job client stop failed")
			}
		}()
		log.Info().
			Dur("sweep_interval", cfg.Sweep.Interval).
			Dur("reconcile_interval", cfg.Jobs.ReconcileInterval).
			Int("max_workers", cfg.Jobs.MaxWorkers).
			Msg("Job client started")
	} else {
		go runBackgroundLoop(ctx, sweepService, spinService, cfg)
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(api.Services{
			Spin:   spinService,
			Ledger: ledgerService,
			Mint:   mintService,
			Sweep:  sweepService,
		}, api.Options{
			JWTSecret:      cfg.HTTP.JWTSecret,
			CronSecret:     cfg.HTTP.CronSecret,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Health:         st.health,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	var telegramBot *bot.Bot
	if cfg.Bot.Token != "" {
		telegramBot, err = bot.New(&bot.Dependencies{
			Config:        cfg,
			SpinService:   spinService,
			LedgerService: ledgerService,
			MintService:   mintService,
			SweepService:  sweepService,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create bot")
		}
		go telegramBot.Start()
	} else {
		log.Info().Msg("No bot token configured; Telegram bot disabled")
	}

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal")

	if telegramBot != nil {
		telegramBot.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("Stopped gracefully")
}

// setupLogging applies log.level and log.format.
func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// runBackgroundLoop schedules the expiry sweep and spin reconciliation when
// no job queue is available.
func runBackgroundLoop(ctx context.Context, sweeper *service.SweepService, spins *service.SpinService, cfg *config.Config) {
	if cfg.Sweep.RunOnStart {
		_, _ = sweeper.Sweep(ctx, time.Now())
	}

	sweepTicker := time.NewTicker(cfg.Sweep.Interval)
	defer sweepTicker.Stop()
	reconcileTicker := time.NewTicker(cfg.Jobs.ReconcileInterval)
	defer reconcileTicker.Stop()

	// errors are logged by the services and retried next tick
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			_, _ = sweeper.Sweep(ctx, time.Now())
		case <-reconcileTicker.C:
			_, _ = spins.Reconcile(ctx, time.Now())
		}
	}
}
