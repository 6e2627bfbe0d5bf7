/*
Package rewards computes coach reward rates, per-lesson rewards and payouts.

PURPOSE:
  Coaches are paid a share of lesson revenue. The share (rate) is set by
  how busy the coach was over the three full JST months before the month
  being paid, unless an administrator pinned an override.

RANKS:
  Platinum: avg >= 30 lessons/month -> 70%
  Gold:     avg >= 25               -> 65%
  Silver:   avg >= 20               -> 60%
  Bronze:   avg >= 15               -> 55%
  Standard: otherwise               -> 50%
  Admin and owner accounts are paid 100%.

LESSON REWARD:
  base = membership reward price override, else lesson master unit price
  trial lesson:  4500 (full base at 100%, 5000 at the special exception rate)
  other lessons: floor(base * rate)
  two-person:    +1000 on top of either

PAYOUT:
  Rewards are quoted tax-inclusive. Consumption tax (10%) is split out and
  income tax withholding (10.21%) is taken from the tax base. Payment is
  on the 25th of the following month.

REPRODUCIBILITY:
  Rates are recomputed from lesson history on every read. With snapshots
  enabled, CloseMonth freezes each coach's rate and later reads of that
  month use the frozen value.

SEE ALSO:
  - rate.go: Tier table and RateForCoach
  - reward.go: LessonReward, MonthlyStats, Payout
  - service.go: Store-backed reports and snapshots
*/
package rewards

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// Rank is the display name of a reward tier.
type Rank string

const (
	RankPlatinum Rank = "platinum"
	RankGold     Rank = "gold"
	RankSilver   Rank = "silver"
	RankBronze   Rank = "bronze"
	RankStandard Rank = "standard"
	RankAdmin    Rank = "admin"
	RankOverride Rank = "override"
)

// RateResult is a coach's rate for one month and how it was derived.
type RateResult struct {
	Month         generic.Month
	Rate          decimal.Decimal
	Rank          Rank
	TrailingCount int
	Average       decimal.Decimal
	FromSnapshot  bool
}

// Detail is one lesson's line in a monthly statement.
type Detail struct {
	LessonID string
	Date     time.Time
	Title    string
	Price    generic.Yen
	Reward   generic.Yen
}

// Stats totals a coach's lessons for one month.
type Stats struct {
	Month       generic.Month
	Rate        decimal.Decimal
	TotalSales  generic.Yen
	TotalReward generic.Yen
	LessonCount int
	TrialCount  int
	Details     []Detail
}

// PayoutBreakdown splits a tax-inclusive reward into what is transferred.
type PayoutBreakdown struct {
	Gross          generic.Yen
	TaxBase        generic.Yen
	ConsumptionTax generic.Yen
	Withholding    generic.Yen
	Net            generic.Yen
	PaymentDate    time.Time
}

// MonthReport is one row of a coach's reward history.
type MonthReport struct {
	Rate   RateResult
	Stats  Stats
	Payout PayoutBreakdown
}
