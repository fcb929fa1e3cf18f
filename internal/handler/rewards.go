// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"restaurant-rewards/internal/model"
	"restaurant-rewards/internal/service"
)

const requestTimeout = 10 * time.Second

// UserKey maps a Telegram user to an engine user id.
func UserKey(telegramID int64) string {
	return "tg:" + strconv.FormatInt(telegramID, 10)
}

// RewardsHandler handles customer-facing reward commands.
type RewardsHandler struct {
	spinService   *service.SpinService
	ledgerService *service.LedgerService
}

// NewRewardsHandler creates a new RewardsHandler.
func NewRewardsHandler(spinService *service.SpinService, ledgerService *service.LedgerService) *RewardsHandler {
	return &RewardsHandler{
		spinService:   spinService,
		ledgerService: ledgerService,
	}
}

// HandleStart handles the /start command.
func (h *RewardsHandler) HandleStart(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	status, err := h.spinService.Status(ctx, UserKey(sender.ID))
	if err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to load spin status")
		return c.Reply("❌ Could not load your rewards, please try again later")
	}

	name := sender.Username
	if name == "" {
		name = sender.FirstName
	}

	return c.Reply(fmt.Sprintf(
		"👋 Welcome %s!\n\n"+
			"🎟 Spin tokens: %d\n"+
			"%s\n\n"+
			"Commands:\n"+
			"/spin - spin the wheel\n"+
			"/points - your balance\n"+
			"/expiring [days] - points about to expire\n"+
			"/prizes - what you can win",
		name, status.Tokens, spinAvailability(status),
	), BuildStartMenu(status.CanSpin()))
}

func spinAvailability(status *service.SpinStatus) string {
	switch {
	case status.CanSpin():
		return "✅ You can spin today"
	case status.SpunToday:
		return "⏰ Already spun today, come back tomorrow"
	default:
		return "🔒 No spin tokens yet"
	}
}

// HandlePoints handles the /points command.
func (h *RewardsHandler) HandlePoints(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ackCallback(c)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	balance, err := h.ledgerService.Balance(ctx, UserKey(sender.ID))
	if err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to load balance")
		return c.Reply("❌ Could not load your balance, please try again later")
	}
	return c.Reply(fmt.Sprintf("💰 Balance: %d points", balance))
}

// HandleSpin handles the /spin command.
func (h *RewardsHandler) HandleSpin(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ackCallback(c)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	result, err := h.spinService.Spin(ctx, UserKey(sender.ID))
	if err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("Spin failed")
		return c.Reply("❌ Spin failed, please try again later")
	}
	return c.Reply(FormatSpinResult(result))
}

// FormatSpinResult renders a spin result for chat.
func FormatSpinResult(result *model.SpinResult) string {
	if !result.OK {
		switch {
		case result.Retryable:
			return "🔄 Another spin is in progress, please try again"
		case result.Reason == model.SpinCooldown:
			return "⏰ You already spun today, come back tomorrow"
		default:
			return "🔒 You have no spin tokens yet"
		}
	}

	p := result.Prize
	switch {
	case p.GrantsPoints():
		return fmt.Sprintf("🎉 You won %s!\n➕ %d points added", p.Label, p.Points())
	case p.DiscountPercent > 0:
		return fmt.Sprintf("🎉 You won %s!\n🏷 %d%% off your next order", p.Label, p.DiscountPercent)
	case p.Label != "":
		return fmt.Sprintf("🎡 %s", p.Label)
	default:
		return "🎡 No prize this time"
	}
}

// HandleExpiring handles the /expiring command.
// Format: /expiring [days]
func (h *RewardsHandler) HandleExpiring(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ackCallback(c)

	days := service.DefaultExpiringDays
	if args := c.Args(); len(args) > 0 && args[0] != "" {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return c.Reply("❌ Usage: /expiring [days]\nExample: /expiring 7")
		}
		days = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	grants, err := h.ledgerService.ExpiringWithin(ctx, UserKey(sender.ID), days)
	if err != nil {
		log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to list expiring points")
		return c.Reply("❌ Could not load expiring points, please try again later")
	}
	return c.Reply(FormatExpiring(grants, days))
}

// FormatExpiring renders expiring grants for chat.
func FormatExpiring(grants []model.ExpiringGrant, days int) string {
	if len(grants) == 0 {
		return fmt.Sprintf("✅ No points expire in the next %d days", days)
	}

	var b strings.Builder
	var total int64
	fmt.Fprintf(&b, "⏳ Expiring in the next %d days\n", days)
	b.WriteString("━━━━━━━━━━━━━━━\n")
	for _, g := range grants {
		total += g.Points
		fmt.Fprintf(&b, "%d points on %s\n", g.Points, g.ExpiresAt.Format("2006-01-02"))
	}
	b.WriteString("━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "Total: %d points", total)
	return b.String()
}

// HandlePrizes handles the /prizes command.
func (h *RewardsHandler) HandlePrizes(c tele.Context) error {
	table := h.spinService.Table()

	var b strings.Builder
	b.WriteString("🎡 Wheel prizes\n")
	b.WriteString("━━━━━━━━━━━━━━━\n")
	for _, e := range table.Entries() {
		if e.Weight == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %.1f%%\n", e.Label, table.Chance(e.Key))
	}
	b.WriteString("━━━━━━━━━━━━━━━")
	return c.Reply(b.String())
}
