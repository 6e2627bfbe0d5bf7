/*
Package generic provides the domain-agnostic building blocks of the lesson engine.

PURPOSE:
  Time, money and failure handling shared by the quota, billing and rewards
  packages. Nothing here knows about students or lessons.

KEY CONCEPTS IN THIS FILE (types.go):
  - Yen: Whole-yen money amounts (the currency has no minor unit)
  - Decimal helpers: Rates and tax factors are decimal.Decimal

DESIGN PRINCIPLES:
  1. Precision: Rates use decimal.Decimal, never float64
  2. Determinism: No function reads the wall clock (see time.go)

SEE ALSO:
  - time.go: JST months and the injected Clock
  - period.go: Half-open ranges
  - policy.go: Carryover caps and tier tables
  - errors.go: Tagged error kinds
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Yen is an integer amount of Japanese yen.
type Yen = int64

// FloorYen truncates a decimal amount toward negative infinity.
func FloorYen(d decimal.Decimal) Yen {
	return d.Floor().IntPart()
}

// YenDecimal lifts a yen amount into decimal arithmetic.
func YenDecimal(y Yen) decimal.Decimal {
	return decimal.NewFromInt(y)
}
