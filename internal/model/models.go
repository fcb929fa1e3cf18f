// Package model defines the data models for the rewards loyalty engine.
package model

import "time"

// TokenRule identifies the business rule that minted an eligibility token.
type TokenRule string

// Token rules.
const (
	RuleVIPDaily        TokenRule = "vip_daily"
	RuleSpendThreshold  TokenRule = "spend_threshold"
	RuleProfileComplete TokenRule = "profile_complete"
)

// Valid reports whether r is one of the known rules.
func (r TokenRule) Valid() bool {
	switch r {
	case RuleVIPDaily, RuleSpendThreshold, RuleProfileComplete:
		return true
	}
	return false
}

// EligibilityToken grants the right to exactly one spin.
// ConsumedAt is write-once: once set it is never updated again. The prize
// rolled for the spin is stored with the consumption so a spin whose
// settlement was interrupted can still be credited; SettledAt marks the
// spin record and grant as written.
type EligibilityToken struct {
	ID          string     `db:"id" json:"id"`
	UserID      string     `db:"user_id" json:"user_id"`
	Rule        TokenRule  `db:"rule" json:"rule"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ConsumedAt  *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
	PrizeKey    string     `db:"prize_key" json:"prize_key,omitempty"`
	PrizePoints int64      `db:"prize_points" json:"prize_points,omitempty"`
	SettledAt   *time.Time `db:"settled_at" json:"settled_at,omitempty"`
}

// Consumed reports whether the token has been spent.
func (t *EligibilityToken) Consumed() bool {
	return t.ConsumedAt != nil
}

// Settled reports whether the spin of a consumed token has been credited.
func (t *EligibilityToken) Settled() bool {
	return t.SettledAt != nil
}

// SpinRecord is the immutable record of one credited spin.
// TokenID is the consumed token and keys the record for idempotent settlement.
type SpinRecord struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	TokenID   string    `db:"token_id" json:"token_id"`
	PrizeKey  string    `db:"prize_key" json:"prize_key"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// LedgerTransaction is an append-only signed point delta.
// The only mutation ever applied is SweptAt, set exactly once by the expiry
// sweep in the same store transaction that inserts the compensating entry.
type LedgerTransaction struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	Delta     int64      `db:"delta" json:"delta"`
	Reason    string     `db:"reason" json:"reason"`
	SourceKey *string    `db:"source_key" json:"-"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	SweptAt   *time.Time `db:"swept_at" json:"swept_at,omitempty"`
}

// ExpiringGrant is a positive grant that still counts towards the balance
// and will be neutralized by the sweep once ExpiresAt passes.
type ExpiringGrant struct {
	TransactionID string    `json:"transaction_id"`
	Points        int64     `json:"points"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Ledger reason tags.
const (
	ReasonPurchase = "purchase"
	ReasonExpiry   = "expiry"

	reasonWheelPrefix  = "wheel:"
	reasonBonusPrefix  = "bonus:"
	reasonRedeemPrefix = "redeem:"
)

// WheelReason returns the ledger reason for a wheel prize.
func WheelReason(prizeKey string) string { return reasonWheelPrefix + prizeKey }

// BonusReason returns the ledger reason for a bonus grant.
func BonusReason(tag string) string { return reasonBonusPrefix + tag }

// RedeemReason returns the ledger reason for a redemption.
func RedeemReason(tag string) string { return reasonRedeemPrefix + tag }

// SpinSourceKey keys the wheel grant of a consumed token. Source keys make
// appends idempotent: a second append with the same key is a no-op.
func SpinSourceKey(tokenID string) string { return "spin:" + tokenID }

// ExpirySourceKey keys the compensating entry of an aged grant.
func ExpirySourceKey(txID string) string { return "expiry:" + txID }

// PurchaseSourceKey keys the accrual of a checkout order.
func PurchaseSourceKey(orderRef string) string { return "purchase:" + orderRef }

// Signals are the externally gathered facts the minter evaluates.
type Signals struct {
	IsVIP           bool    `json:"is_vip"`
	SpentLast24h    float64 `json:"spent_last_24h"`
	ProfileComplete bool    `json:"profile_complete"`
}
