package prize

import "restaurant-rewards/internal/model"

// Default prize keys.
const (
	KeyPoints10   = "points_10"
	KeyPoints25   = "points_25"
	KeyPoints50   = "points_50"
	KeyPoints100  = "points_100"
	KeyDiscount10 = "discount_10"
	KeyFreeDrink  = "free_drink"
	KeyNoWin      = "no_win"
)

func points(n int64) *int64 { return &n }

// DefaultEntries is the wheel used when no prizes are configured.
// Easily extensible - add entries here or override rewards.prizes in config.
var DefaultEntries = []model.Prize{
	{Key: KeyPoints10, Label: "10 points", Weight: 30, PointsGranted: points(10)},
	{Key: KeyPoints25, Label: "25 points", Weight: 20, PointsGranted: points(25)},
	{Key: KeyPoints50, Label: "50 points", Weight: 8, PointsGranted: points(50)},
	{Key: KeyPoints100, Label: "100 points", Weight: 2, PointsGranted: points(100)},
	{Key: KeyDiscount10, Label: "10% off your next order", Weight: 10, DiscountPercent: 10},
	{Key: KeyFreeDrink, Label: "Free soft drink", Weight: 5},
	{Key: KeyNoWin, Label: "Better luck tomorrow", Weight: 25},
}

// DefaultTable builds a table from DefaultEntries.
func DefaultTable(opts ...Option) *Table {
	return MustNewTable(DefaultEntries, opts...)
}
