// Package bot provides the Telegram bot initialization and handler registration.
package bot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"restaurant-rewards/internal/config"
	"restaurant-rewards/internal/handler"
	"restaurant-rewards/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config

	// Handlers
	rewardsHandler *handler.RewardsHandler
	adminHandler   *handler.AdminHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config        *config.Config
	SpinService   *service.SpinService
	LedgerService *service.LedgerService
	MintService   *service.MintService
	SweepService  *service.SweepService
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Bot handler error")
		},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:            teleBot,
		cfg:            deps.Config,
		rewardsHandler: handler.NewRewardsHandler(deps.SpinService, deps.LedgerService),
		adminHandler:   handler.NewAdminHandler(deps.MintService, deps.LedgerService, deps.SweepService),
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(PrivateChatMiddleware())
	b.bot.Use(LoggingMiddleware())
}

// registerHandlers registers all command handlers.
func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.rewardsHandler.HandleStart)
	b.bot.Handle("/points", b.rewardsHandler.HandlePoints)
	b.bot.Handle("/spin", b.rewardsHandler.HandleSpin)
	b.bot.Handle("/expiring", b.rewardsHandler.HandleExpiring)
	b.bot.Handle("/prizes", b.rewardsHandler.HandlePrizes)

	// Start menu buttons
	b.bot.Handle(&handler.BtnSpin, b.rewardsHandler.HandleSpin)
	b.bot.Handle(&handler.BtnPoints, b.rewardsHandler.HandlePoints)
	b.bot.Handle(&handler.BtnExpiring, b.rewardsHandler.HandleExpiring)

	// Staff commands
	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/mint", b.adminHandler.HandleMint)
	adminGroup.Handle("/award", b.adminHandler.HandleAward)
	adminGroup.Handle("/bonus", b.adminHandler.HandleBonus)
	adminGroup.Handle("/sweep", b.adminHandler.HandleSweep)
}

// Start starts the bot polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
