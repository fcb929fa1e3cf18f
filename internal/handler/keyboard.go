package handler

import (
	tele "gopkg.in/telebot.v3"
)

// Callback uniques for the start menu buttons.
const (
	CallbackSpin     = "rewards_spin"
	CallbackPoints   = "rewards_points"
	CallbackExpiring = "rewards_expiring"
)

var menu = &tele.ReplyMarkup{}

// Start menu buttons. Register them with bot.Handle(&BtnSpin, ...).
var (
	BtnSpin     = menu.Data("🎡 Spin", CallbackSpin)
	BtnPoints   = menu.Data("💰 Points", CallbackPoints)
	BtnExpiring = menu.Data("⏳ Expiring", CallbackExpiring)
)

// BuildStartMenu creates the inline menu shown under /start.
// The spin button is only offered when a spin would be attempted.
func BuildStartMenu(canSpin bool) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	var rows []tele.Row
	if canSpin {
		rows = append(rows, markup.Row(BtnSpin))
	}
	rows = append(rows, markup.Row(BtnPoints, BtnExpiring))

	markup.Inline(rows...)
	return markup
}

// ackCallback stops the client's loading indicator for button presses.
func ackCallback(c tele.Context) {
	if c.Callback() != nil {
		_ = c.Respond()
	}
}
