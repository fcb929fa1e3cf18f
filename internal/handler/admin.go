package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"restaurant-rewards/internal/model"
	"restaurant-rewards/internal/service"
)

// AdminHandler handles staff commands.
type AdminHandler struct {
	mintService   *service.MintService
	ledgerService *service.LedgerService
	sweepService  *service.SweepService
	now           func() time.Time
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(mintService *service.MintService, ledgerService *service.LedgerService, sweepService *service.SweepService) *AdminHandler {
	return &AdminHandler{
		mintService:   mintService,
		ledgerService: ledgerService,
		sweepService:  sweepService,
		now:           time.Now,
	}
}

// HandleMint handles the /mint command.
// Format: /mint <telegram_id> [vip] [spend=<amount>] [profile]
func (h *AdminHandler) HandleMint(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) < 2 {
		return c.Reply("❌ Usage: /mint <user_id> [vip] [spend=<amount>] [profile]\nExample: /mint 123456789 vip spend=60")
	}
	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("❌ User ID must be a number")
	}
	signals, err := ParseSignals(args[1:])
	if err != nil {
		return c.Reply("❌ " + err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	minted, err := h.mintService.Mint(ctx, UserKey(targetID), signals)
	if err != nil {
		log.Error().Err(err).Int64("target_id", targetID).Msg("Admin mint failed")
		return c.Reply("❌ Mint failed, please try again later")
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("target_id", targetID).
		Int("minted", minted).
		Str("operation", "mint").
		Msg("Admin operation executed")

	return c.Reply(fmt.Sprintf("✅ Minted %d spin token(s) for %d", minted, targetID))
}

// ParseSignals reads minting signals from command arguments.
func ParseSignals(args []string) (model.Signals, error) {
	var signals model.Signals
	for _, arg := range args {
		switch {
		case arg == "vip":
			signals.IsVIP = true
		case arg == "profile":
			signals.ProfileComplete = true
		case strings.HasPrefix(arg, "spend="):
			amount, err := strconv.ParseFloat(strings.TrimPrefix(arg, "spend="), 64)
			if err != nil || amount < 0 {
				return model.Signals{}, fmt.Errorf("invalid spend amount %q", arg)
			}
			signals.SpentLast24h = amount
		default:
			return model.Signals{}, fmt.Errorf("unknown signal %q", arg)
		}
	}
	return signals, nil
}

// HandleAward handles the /award command, crediting points for an order.
// Format: /award <telegram_id> <points> <order_ref>
func (h *AdminHandler) HandleAward(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	targetID, points, ref, err := parsePointsArgs(c.Args(), "/award <user_id> <points> <order_ref>")
	if err != nil {
		return c.Reply(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	_, created, err := h.ledgerService.AwardPurchase(ctx, UserKey(targetID), points, ref)
	if err != nil {
		return h.replyLedgerError(c, err)
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("target_id", targetID).
		Int64("points", points).
		Str("order_ref", ref).
		Bool("created", created).
		Str("operation", "award").
		Msg("Admin operation executed")

	if !created {
		return c.Reply(fmt.Sprintf("ℹ️ Order %s was already credited", ref))
	}
	return c.Reply(fmt.Sprintf("✅ Credited %d points to %d for order %s", points, targetID, ref))
}

// HandleBonus handles the /bonus command, crediting points that expire.
// Format: /bonus <telegram_id> <points> <tag>
func (h *AdminHandler) HandleBonus(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	targetID, points, tag, err := parsePointsArgs(c.Args(), "/bonus <user_id> <points> <tag>")
	if err != nil {
		return c.Reply(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if _, err := h.ledgerService.AwardBonus(ctx, UserKey(targetID), points, tag); err != nil {
		return h.replyLedgerError(c, err)
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("target_id", targetID).
		Int64("points", points).
		Str("tag", tag).
		Str("operation", "bonus").
		Msg("Admin operation executed")

	return c.Reply(fmt.Sprintf("✅ Granted %d bonus points to %d", points, targetID))
}

// HandleSweep handles the /sweep command.
func (h *AdminHandler) HandleSweep(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	neutralized, err := h.sweepService.Sweep(ctx, h.now())
	if err != nil {
		return c.Reply(fmt.Sprintf("⚠️ Sweep stopped after %d grant(s): %v", neutralized, err))
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int("neutralized", neutralized).
		Str("operation", "sweep").
		Msg("Admin operation executed")

	return c.Reply(fmt.Sprintf("✅ Sweep finished, %d grant(s) expired", neutralized))
}

func (h *AdminHandler) replyLedgerError(c tele.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidPoints):
		return c.Reply("❌ Points must be greater than 0")
	case errors.Is(err, service.ErrMissingReference):
		return c.Reply("❌ A reference is required")
	default:
		log.Error().Err(err).Msg("Admin ledger operation failed")
		return c.Reply("❌ Operation failed, please try again later")
	}
}

// parsePointsArgs parses <telegram_id> <points> <ref>.
func parsePointsArgs(args []string, usage string) (int64, int64, string, error) {
	if len(args) < 3 {
		return 0, 0, "", fmt.Errorf("❌ Usage: %s", usage)
	}

	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("❌ User ID must be a number")
	}

	points, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("❌ Points must be an integer")
	}

	return targetID, points, args[2], nil
}
