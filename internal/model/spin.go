package model

import "time"

// SpinFailure is the machine-readable reason a spin was refused.
type SpinFailure string

// Spin failure reasons.
const (
	SpinNotEligible SpinFailure = "NOT_ELIGIBLE"
	SpinCooldown    SpinFailure = "COOLDOWN"
)

// Prize is one outcome of the wheel.
// PointsGranted nil means the outcome grants no points (a discount or a miss).
type Prize struct {
	Key             string  `json:"key" mapstructure:"key"`
	Label           string  `json:"label" mapstructure:"label"`
	Weight          float64 `json:"weight" mapstructure:"weight"`
	PointsGranted   *int64  `json:"points,omitempty" mapstructure:"points"`
	DiscountPercent int     `json:"discount_percent,omitempty" mapstructure:"discount_percent"`
}

// GrantsPoints reports whether the prize appends a ledger grant.
func (p Prize) GrantsPoints() bool {
	return p.PointsGranted != nil && *p.PointsGranted > 0
}

// Points returns the granted points or zero.
func (p Prize) Points() int64 {
	if p.PointsGranted == nil {
		return 0
	}
	return *p.PointsGranted
}

// SpinResult is returned by the spin engine. Refusals are values, not errors.
// Retryable is set when the refusal came from a concurrent consumption
// conflict and the caller may try again.
type SpinResult struct {
	OK        bool        `json:"ok"`
	Prize     *Prize      `json:"prize,omitempty"`
	Reason    SpinFailure `json:"reason,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

// SpinOutcome is everything needed to settle a spin after its token was consumed.
type SpinOutcome struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	PrizeKey  string    `json:"prize_key"`
	Points    int64     `json:"points"`
	SpunAt    time.Time `json:"spun_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DayWindow is a calendar day in a given location, [Start, End).
type DayWindow struct {
	Start time.Time
	End   time.Time
}

// DayOf returns the calendar day containing t in loc.
func DayOf(t time.Time, loc *time.Location) DayWindow {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return DayWindow{Start: start, End: start.AddDate(0, 0, 1)}
}

// Date returns the day as a UTC midnight value, suitable for DATE columns.
func (d DayWindow) Date() time.Time {
	return time.Date(d.Start.Year(), d.Start.Month(), d.Start.Day(), 0, 0, 0, 0, time.UTC)
}
