package generic

import "github.com/shopspring/decimal"

// =============================================================================
// CARRYOVER - Unused allowance moving into the next period
// =============================================================================

// CarryoverRule caps how much of a period's unused allowance moves forward.
// Both Allowance and MaxCarryover must be positive for anything to carry.
type CarryoverRule struct {
	Allowance    int
	MaxCarryover int
}

func (r CarryoverRule) Enabled() bool {
	return r.Allowance > 0 && r.MaxCarryover > 0
}

// Carry returns min(max(0, Allowance-used), MaxCarryover).
func (r CarryoverRule) Carry(used int) int {
	if !r.Enabled() {
		return 0
	}
	unused := r.Allowance - used
	if unused <= 0 {
		return 0
	}
	if unused > r.MaxCarryover {
		return r.MaxCarryover
	}
	return unused
}

// =============================================================================
// TIERS - Threshold lookup
// =============================================================================

// Tier maps a minimum measured value to a rate.
type Tier struct {
	Min  decimal.Decimal
	Rate decimal.Decimal
}

// TierTable is ordered from the highest Min down.
type TierTable struct {
	Tiers    []Tier
	Fallback decimal.Decimal
}

// Lookup returns the rate of the first tier whose Min <= value.
func (t TierTable) Lookup(value decimal.Decimal) decimal.Decimal {
	for _, tier := range t.Tiers {
		if value.GreaterThanOrEqual(tier.Min) {
			return tier.Rate
		}
	}
	return t.Fallback
}
