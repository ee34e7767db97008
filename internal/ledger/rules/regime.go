package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is an ordered regime, 1 being the lowest.
type Tier int

const (
	Tier1 Tier = iota + 1
	Tier2
	Tier3
	Tier4
)

func (t Tier) String() string {
	return fmt.Sprintf("tier%d", int(t))
}

// ErrCutoffsNotAscending is returned when thresholds are not strictly ascending.
var ErrCutoffsNotAscending = errors.New("rules: regime cutoffs must be strictly ascending")

// Thresholds holds three ascending cutoffs separating four tiers.
type Thresholds struct {
	Cutoffs [3]decimal.Decimal
}

// NewThresholds validates and builds thresholds.
func NewThresholds(low, mid, high decimal.Decimal) (Thresholds, error) {
	t := Thresholds{Cutoffs: [3]decimal.Decimal{low, mid, high}}
	if err := t.Validate(); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

// ParseThresholds reads "a,b,c" as three cutoffs.
func ParseThresholds(raw string) (Thresholds, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return Thresholds{}, fmt.Errorf("rules: expected 3 cutoffs, got %d", len(parts))
	}
	var values [3]decimal.Decimal
	for i, p := range parts {
		v, err := decimal.NewFromString(strings.TrimSpace(p))
		if err != nil {
			return Thresholds{}, fmt.Errorf("rules: cutoff %d: %w", i, err)
		}
		values[i] = v
	}
	return NewThresholds(values[0], values[1], values[2])
}

// Validate ensures cutoffs ascend strictly.
func (t Thresholds) Validate() error {
	for i := 1; i < len(t.Cutoffs); i++ {
		if !t.Cutoffs[i].GreaterThan(t.Cutoffs[i-1]) {
			return ErrCutoffsNotAscending
		}
	}
	return nil
}

// Classify maps value to a tier. A value equal to a cutoff stays in the lower
// tier; anything above the top cutoff is Tier4.
func (t Thresholds) Classify(value decimal.Decimal) Tier {
	for i, cutoff := range t.Cutoffs {
		if value.LessThanOrEqual(cutoff) {
			return Tier(i + 1)
		}
	}
	return Tier4
}
