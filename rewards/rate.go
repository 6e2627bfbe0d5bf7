package rewards

import (
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

// =============================================================================
// TIERS
// =============================================================================

// TrailingWindow is how many full months before the target feed the average.
const TrailingWindow = 3

var (
	// AdminRate pays the whole lesson price.
	AdminRate = decimal.NewFromInt(1)

	// SpecialExceptionRate is an override value that raises the trial
	// lesson reward to 5000 while paying 70% on other lessons.
	SpecialExceptionRate = decimal.RequireFromString("0.7000001")

	// Tiers maps the trailing monthly average to a rate.
	Tiers = generic.TierTable{
		Tiers: []generic.Tier{
			{Min: decimal.NewFromInt(30), Rate: decimal.RequireFromString("0.70")},
			{Min: decimal.NewFromInt(25), Rate: decimal.RequireFromString("0.65")},
			{Min: decimal.NewFromInt(20), Rate: decimal.RequireFromString("0.60")},
			{Min: decimal.NewFromInt(15), Rate: decimal.RequireFromString("0.55")},
		},
		Fallback: decimal.RequireFromString("0.50"),
	}

	tierRanks = []Rank{RankPlatinum, RankGold, RankSilver, RankBronze}
)

// =============================================================================
// RATE
// =============================================================================

// RateInput carries what RateForCoach needs. Lessons may contain other
// coaches' lessons and lessons outside the window; they are filtered.
type RateInput struct {
	CoachID     string
	Role        lessons.Role
	Override    *decimal.Decimal
	Lessons     []lessons.Lesson
	TargetMonth generic.Month
}

// RateForCoach resolves the rate for in.TargetMonth: override, then admin,
// then the tier of the trailing three-month average.
func RateForCoach(in RateInput) RateResult {
	res := RateResult{Month: in.TargetMonth}

	window := generic.TrailingMonths(in.TargetMonth, TrailingWindow)
	for _, l := range in.Lessons {
		if l.CoachID == in.CoachID && window.Contains(l.LessonDate) {
			res.TrailingCount++
		}
	}
	res.Average = decimal.NewFromInt(int64(res.TrailingCount)).Div(decimal.NewFromInt(TrailingWindow))

	switch {
	case in.Override != nil && in.Override.IsPositive():
		res.Rate = *in.Override
		res.Rank = RankOverride
	case in.Role.IsAdmin():
		res.Rate = AdminRate
		res.Rank = RankAdmin
	default:
		res.Rate = Tiers.Lookup(res.Average)
		res.Rank = rankOf(res.Average)
	}
	return res
}

func rankOf(avg decimal.Decimal) Rank {
	for i, tier := range Tiers.Tiers {
		if avg.GreaterThanOrEqual(tier.Min) {
			return tierRanks[i]
		}
	}
	return RankStandard
}
