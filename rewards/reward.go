package rewards

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

const (
	TrialReward        generic.Yen = 4500
	SpecialTrialReward generic.Yen = 5000
	TwoPersonBonus     generic.Yen = 1000

	trialTitle   = "体験レッスン"
	regularTitle = "通常レッスン"
)

var (
	consumptionTaxFactor = decimal.RequireFromString("1.10")
	withholdingRate      = decimal.RequireFromString("0.1021")
)

// payoutDay is the day of the following month rewards are transferred.
const payoutDay = 25

// =============================================================================
// LESSON REWARD
// =============================================================================

type LessonRewardInput struct {
	BasePrice   generic.Yen
	IsTrial     bool
	IsTwoPerson bool
	Rate        decimal.Decimal
}

func LessonReward(in LessonRewardInput) generic.Yen {
	var reward generic.Yen
	switch {
	case !in.IsTrial:
		reward = generic.FloorYen(generic.YenDecimal(in.BasePrice).Mul(in.Rate))
	case in.Rate.Equal(AdminRate):
		reward = in.BasePrice
	case in.Rate.Equal(SpecialExceptionRate):
		reward = SpecialTrialReward
	default:
		reward = TrialReward
	}
	if in.IsTwoPerson {
		reward += TwoPersonBonus
	}
	return reward
}

// BasePrice picks the reward base for a held lesson: the plan's reward
// price captured on the lesson, else the lesson master's unit price, else
// the price charged.
func BasePrice(l lessons.Lesson, master *lessons.LessonMaster) generic.Yen {
	if l.RewardPrice != nil {
		return *l.RewardPrice
	}
	if master != nil && master.UnitPrice > 0 {
		return master.UnitPrice
	}
	return l.Price
}

// =============================================================================
// MONTHLY STATS
// =============================================================================

// MonthlyStats totals coachID's lessons that fall in month at rate.
// masters resolves lesson master ids; missing entries fall back to the
// lesson's own price and trial flag.
func MonthlyStats(coachID string, all []lessons.Lesson, masters map[string]lessons.LessonMaster, month generic.Month, rate decimal.Decimal) Stats {
	stats := Stats{Month: month, Rate: rate, Details: []Detail{}}

	for _, l := range all {
		if l.CoachID != coachID || !month.Contains(l.LessonDate) {
			continue
		}

		var master *lessons.LessonMaster
		if m, ok := masters[l.LessonMasterID]; ok {
			master = &m
		}
		trial := l.IsTrial || (master != nil && master.IsTrial())

		reward := LessonReward(LessonRewardInput{
			BasePrice:   BasePrice(l, master),
			IsTrial:     trial,
			IsTwoPerson: l.IsTwoPerson,
			Rate:        rate,
		})

		title := regularTitle
		if trial {
			title = trialTitle
			stats.TrialCount++
		}

		stats.LessonCount++
		stats.TotalSales += l.Price
		stats.TotalReward += reward
		stats.Details = append(stats.Details, Detail{
			LessonID: l.ID,
			Date:     l.LessonDate,
			Title:    title,
			Price:    l.Price,
			Reward:   reward,
		})
	}
	return stats
}

// =============================================================================
// PAYOUT
// =============================================================================

// Payout splits a month's tax-inclusive reward total.
func Payout(month generic.Month, totalInclTax generic.Yen) PayoutBreakdown {
	base := generic.FloorYen(generic.YenDecimal(totalInclTax).Div(consumptionTaxFactor))
	withholding := generic.FloorYen(generic.YenDecimal(base).Mul(withholdingRate))
	next := month.Next()

	return PayoutBreakdown{
		Gross:          totalInclTax,
		TaxBase:        base,
		ConsumptionTax: totalInclTax - base,
		Withholding:    withholding,
		Net:            totalInclTax - withholding,
		PaymentDate:    time.Date(next.Year, next.Month, payoutDay, 0, 0, 0, 0, generic.JST),
	}
}
