// Package prize provides the spin wheel prize table and its weighted roll.
package prize

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"restaurant-rewards/internal/model"
)

// Table validation errors.
var (
	ErrEmptyTable     = errors.New("prize table is empty")
	ErrNegativeWeight = errors.New("prize weight must not be negative")
	ErrZeroWeight     = errors.New("prize table total weight must be positive")
	ErrNoMissOutcome  = errors.New("prize table needs at least one entry without points")
	ErrDuplicateKey   = errors.New("duplicate prize key")
	ErrInvalidPoints  = errors.New("prize points must be positive when set")
)

// Source supplies uniform random values in [0, 1).
type Source interface {
	Float64() float64
}

// globalSource draws from the goroutine-safe top-level math/rand/v2 generator.
type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// Table is an ordered, immutable list of wheel outcomes.
// Entry order is significant: it is the tie-break of the roll.
type Table struct {
	entries []model.Prize
	total   float64
	src     Source
}

// Option configures a Table.
type Option func(*Table)

// WithSource injects the random source, mainly for reproducible tests.
func WithSource(src Source) Option {
	return func(t *Table) {
		if src != nil {
			t.src = src
		}
	}
}

// NewTable validates entries and builds a table.
func NewTable(entries []model.Prize, opts ...Option) (*Table, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTable
	}

	seen := make(map[string]bool, len(entries))
	var total float64
	hasMiss := false
	for _, e := range entries {
		if e.Weight < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNegativeWeight, e.Key)
		}
		if e.PointsGranted != nil && *e.PointsGranted <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPoints, e.Key)
		}
		if seen[e.Key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, e.Key)
		}
		seen[e.Key] = true
		if e.PointsGranted == nil {
			hasMiss = true
		}
		total += e.Weight
	}
	if total <= 0 {
		return nil, ErrZeroWeight
	}
	if !hasMiss {
		return nil, ErrNoMissOutcome
	}

	t := &Table{
		entries: append([]model.Prize(nil), entries...),
		total:   total,
		src:     globalSource{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// MustNewTable is NewTable that panics on invalid entries.
func MustNewTable(entries []model.Prize, opts ...Option) *Table {
	t, err := NewTable(entries, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// Roll draws one entry with probability proportional to its weight.
func (t *Table) Roll() model.Prize {
	return t.Pick(t.src.Float64() * t.total)
}

// Pick returns the entry selected by r in [0, TotalWeight()).
// Entries are scanned in table order; the first one with r < weight wins,
// otherwise its weight is subtracted from r. If rounding leaves nothing
// selected the last entry is returned.
func (t *Table) Pick(r float64) model.Prize {
	for _, e := range t.entries {
		if r < e.Weight {
			return e
		}
		r -= e.Weight
	}
	return t.entries[len(t.entries)-1]
}

// TotalWeight returns the sum of all weights.
func (t *Table) TotalWeight() float64 {
	return t.total
}

// Entries returns a copy of the table entries in order.
func (t *Table) Entries() []model.Prize {
	return append([]model.Prize(nil), t.entries...)
}

// Get looks up an entry by key.
func (t *Table) Get(key string) (model.Prize, bool) {
	for _, e := range t.entries {
		if e.Key == key {
			return e, true
		}
	}
	return model.Prize{}, false
}

// Chance returns the probability of an entry in percent.
func (t *Table) Chance(key string) float64 {
	e, ok := t.Get(key)
	if !ok {
		return 0
	}
	return e.Weight / t.total * 100
}
