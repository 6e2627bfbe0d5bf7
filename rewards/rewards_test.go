package rewards_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
	"github.com/warp/lesson-engine/rewards"
	"github.com/warp/lesson-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var april = generic.Month{Year: 2025, Month: time.April}

func rate(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func yen(v generic.Yen) *generic.Yen { return &v }

// spread returns n lessons for coachID evenly over the given month.
func spread(coachID string, m generic.Month, n int) []lessons.Lesson {
	out := make([]lessons.Lesson, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, lessons.Lesson{
			ID:         fmt.Sprintf("%s-%s-%d", coachID, m, i),
			CoachID:    coachID,
			LessonDate: m.Start().Add(time.Duration(i) * 10 * time.Hour),
			Price:      8800,
		})
	}
	return out
}

func trailing(coachID string, perMonth ...int) []lessons.Lesson {
	var all []lessons.Lesson
	for i, n := range perMonth {
		all = append(all, spread(coachID, april.AddMonths(-(len(perMonth)-i)), n)...)
	}
	return all
}

func newService(t *testing.T, now time.Time, snapshots bool) (*rewards.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return rewards.NewService(st, generic.NewFixedClock(now), logger, snapshots), st
}

func asActor(id string, role lessons.Role) context.Context {
	return lessons.WithActor(context.Background(), lessons.Actor{ID: id, Role: role})
}

// =============================================================================
// RATE TIERS
// =============================================================================

func TestRateForCoach_Tiers(t *testing.T) {
	tests := []struct {
		name     string
		perMonth []int // Jan, Feb, Mar
		want     string
		rank     rewards.Rank
	}{
		{"no history", []int{0, 0, 0}, "0.50", rewards.RankStandard},
		{"just under bronze", []int{15, 15, 14}, "0.50", rewards.RankStandard},
		{"bronze at exactly 15 avg", []int{15, 15, 15}, "0.55", rewards.RankBronze},
		{"silver", []int{20, 20, 20}, "0.60", rewards.RankSilver},
		{"gold", []int{30, 25, 20}, "0.65", rewards.RankGold},
		{"platinum", []int{40, 30, 20}, "0.70", rewards.RankPlatinum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := rewards.RateForCoach(rewards.RateInput{
				CoachID:     "c-1",
				Role:        lessons.RoleCoach,
				Lessons:     trailing("c-1", tt.perMonth...),
				TargetMonth: april,
			})
			assert.True(t, res.Rate.Equal(rate(tt.want)), "got %s", res.Rate)
			assert.Equal(t, tt.rank, res.Rank)
		})
	}
}

func TestRateForCoach_WindowExcludesOtherMonthsAndCoaches(t *testing.T) {
	// GIVEN: 45 lessons in Jan-Mar, plus noise in December, April and for another coach
	all := trailing("c-1", 15, 15, 15)
	all = append(all, spread("c-1", april.AddMonths(-4), 50)...)
	all = append(all, spread("c-1", april, 50)...)
	all = append(all, trailing("c-2", 30, 30, 30)...)

	// WHEN
	res := rewards.RateForCoach(rewards.RateInput{CoachID: "c-1", Role: lessons.RoleCoach, Lessons: all, TargetMonth: april})

	// THEN: only the trailing window of c-1 counts
	assert.Equal(t, 45, res.TrailingCount)
	assert.True(t, res.Rate.Equal(rate("0.55")))
}

func TestRateForCoach_OverrideAndAdmin(t *testing.T) {
	busy := trailing("c-1", 40, 40, 40)
	override := rate("0.62")

	res := rewards.RateForCoach(rewards.RateInput{CoachID: "c-1", Role: lessons.RoleAdmin, Override: &override, Lessons: busy, TargetMonth: april})
	assert.True(t, res.Rate.Equal(override), "override wins over admin")
	assert.Equal(t, rewards.RankOverride, res.Rank)

	res = rewards.RateForCoach(rewards.RateInput{CoachID: "c-1", Role: lessons.RoleOwner, TargetMonth: april})
	assert.True(t, res.Rate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, rewards.RankAdmin, res.Rank)

	zero := decimal.Zero
	res = rewards.RateForCoach(rewards.RateInput{CoachID: "c-1", Role: lessons.RoleCoach, Override: &zero, Lessons: busy, TargetMonth: april})
	assert.True(t, res.Rate.Equal(rate("0.70")), "zero override is ignored")
}

// =============================================================================
// LESSON REWARD
// =============================================================================

func TestLessonReward(t *testing.T) {
	tests := []struct {
		name string
		in   rewards.LessonRewardInput
		want generic.Yen
	}{
		{"regular lesson", rewards.LessonRewardInput{BasePrice: 8800, Rate: rate("0.55")}, 4840},
		{"regular lesson floors", rewards.LessonRewardInput{BasePrice: 7333, Rate: rate("0.55")}, 4033},
		{"regular lesson at special rate", rewards.LessonRewardInput{BasePrice: 10000, Rate: rewards.SpecialExceptionRate}, 7000},
		{"trial lesson", rewards.LessonRewardInput{BasePrice: 5500, IsTrial: true, Rate: rate("0.60")}, 4500},
		{"trial lesson at full rate", rewards.LessonRewardInput{BasePrice: 5500, IsTrial: true, Rate: rate("1.0")}, 5500},
		{"trial lesson at special rate", rewards.LessonRewardInput{BasePrice: 5500, IsTrial: true, Rate: rewards.SpecialExceptionRate}, 5000},
		{"two-person regular", rewards.LessonRewardInput{BasePrice: 8800, IsTwoPerson: true, Rate: rate("0.50")}, 5400},
		{"two-person trial", rewards.LessonRewardInput{BasePrice: 5500, IsTrial: true, IsTwoPerson: true, Rate: rate("0.50")}, 5500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rewards.LessonReward(tt.in))
		})
	}
}

func TestBasePrice(t *testing.T) {
	master := &lessons.LessonMaster{ID: "lm-1", UnitPrice: 9000}

	assert.Equal(t, generic.Yen(6000), rewards.BasePrice(lessons.Lesson{Price: 8800, RewardPrice: yen(6000)}, master))
	assert.Equal(t, generic.Yen(9000), rewards.BasePrice(lessons.Lesson{Price: 8800}, master))
	assert.Equal(t, generic.Yen(8800), rewards.BasePrice(lessons.Lesson{Price: 8800}, nil))
}

func TestMonthlyStats(t *testing.T) {
	masters := map[string]lessons.LessonMaster{
		"regular": {ID: "regular", Name: "パーソナル", UnitPrice: 8800},
		"trial":   {ID: "trial", Name: "体験レッスン", UnitPrice: 5500},
	}
	in := april.Start().Add(24 * time.Hour)
	all := []lessons.Lesson{
		{ID: "l1", CoachID: "c-1", LessonMasterID: "regular", LessonDate: in, Price: 8800},
		{ID: "l2", CoachID: "c-1", LessonMasterID: "regular", LessonDate: in, Price: 8800, RewardPrice: yen(10000)},
		{ID: "l3", CoachID: "c-1", LessonMasterID: "trial", LessonDate: in, Price: 5500},
		{ID: "l4", CoachID: "c-1", LessonMasterID: "regular", LessonDate: april.End(), Price: 8800},
		{ID: "l5", CoachID: "c-2", LessonMasterID: "regular", LessonDate: in, Price: 8800},
	}

	stats := rewards.MonthlyStats("c-1", all, masters, april, rate("0.50"))

	assert.Equal(t, 3, stats.LessonCount)
	assert.Equal(t, 1, stats.TrialCount)
	assert.Equal(t, generic.Yen(8800+8800+5500), stats.TotalSales)
	assert.Equal(t, generic.Yen(4400+5000+4500), stats.TotalReward)
	require.Len(t, stats.Details, 3)
	assert.Equal(t, "体験レッスン", stats.Details[2].Title)
}

// =============================================================================
// PAYOUT
// =============================================================================

func TestPayout(t *testing.T) {
	p := rewards.Payout(generic.Month{Year: 2025, Month: time.March}, 11000)
	assert.Equal(t, generic.Yen(10000), p.TaxBase)
	assert.Equal(t, generic.Yen(1000), p.ConsumptionTax)
	assert.Equal(t, generic.Yen(1021), p.Withholding)
	assert.Equal(t, generic.Yen(9979), p.Net)
	assert.True(t, p.PaymentDate.Equal(time.Date(2025, 4, 25, 0, 0, 0, 0, generic.JST)))

	p = rewards.Payout(generic.Month{Year: 2025, Month: time.December}, 10001)
	assert.Equal(t, generic.Yen(9091), p.TaxBase)
	assert.Equal(t, generic.Yen(910), p.ConsumptionTax)
	assert.Equal(t, generic.Yen(928), p.Withholding)
	assert.Equal(t, generic.Yen(9073), p.Net)
	assert.True(t, p.PaymentDate.Equal(time.Date(2026, 1, 25, 0, 0, 0, 0, generic.JST)))

	assert.Equal(t, generic.Yen(0), rewards.Payout(april, 0).Net)
}

// =============================================================================
// SERVICE
// =============================================================================

func TestHistory_SkipsMonthsBeforeJoining(t *testing.T) {
	// GIVEN: a coach who joined in February, clock in mid-April
	now := april.Start().Add(14 * 24 * time.Hour)
	svc, st := newService(t, now, false)
	ctx := context.Background()

	require.NoError(t, st.SaveCoach(ctx, lessons.Coach{ID: "c-1", Role: lessons.RoleCoach, CreatedAt: time.Date(2025, 2, 20, 0, 0, 0, 0, generic.JST)}))
	require.NoError(t, st.SaveLessonMaster(ctx, lessons.LessonMaster{ID: "lm", Name: "Regular", UnitPrice: 8800}))
	for _, l := range trailing("c-1", 0, 20, 25) {
		l.LessonMasterID = "lm"
		require.NoError(t, st.SaveLesson(ctx, l))
	}

	// WHEN
	reports, err := svc.History(asActor("c-1", lessons.RoleCoach), "c-1", 12)
	require.NoError(t, err)

	// THEN: April, March, February only
	require.Len(t, reports, 3)
	assert.Equal(t, april, reports[0].Stats.Month)
	assert.Equal(t, 0, reports[0].Stats.LessonCount)
	assert.Equal(t, 45, reports[0].Rate.TrailingCount)

	march := reports[1]
	assert.Equal(t, 25, march.Stats.LessonCount)
	assert.True(t, march.Rate.Rate.Equal(rate("0.50")), "20 lessons over 3 months")
	assert.Equal(t, generic.Yen(25*4400), march.Stats.TotalReward)
	assert.Equal(t, march.Stats.TotalReward, march.Payout.Gross)
}

func TestRate_UsesSnapshotWhenEnabled(t *testing.T) {
	ctx := asActor("admin", lessons.RoleAdmin)
	now := april.Start().Add(time.Hour)

	for _, enabled := range []bool{false, true} {
		t.Run(fmt.Sprintf("snapshots=%v", enabled), func(t *testing.T) {
			svc, st := newService(t, now, enabled)
			require.NoError(t, st.SaveCoach(ctx, lessons.Coach{ID: "c-1", Role: lessons.RoleCoach}))
			require.NoError(t, st.SaveRateSnapshot(ctx, lessons.RateSnapshot{CoachID: "c-1", Month: april.String(), Rate: rate("0.65")}))

			res, err := svc.Rate(ctx, "c-1", april)
			require.NoError(t, err)
			assert.Equal(t, enabled, res.FromSnapshot)
			if enabled {
				assert.True(t, res.Rate.Equal(rate("0.65")))
			} else {
				assert.True(t, res.Rate.Equal(rate("0.50")))
			}
		})
	}
}

func TestCloseMonth_FreezesRates(t *testing.T) {
	now := april.Start().Add(time.Hour)
	svc, st := newService(t, now, true)
	ctx := context.Background()

	require.NoError(t, st.SaveCoach(ctx, lessons.Coach{ID: "c-1", Role: lessons.RoleCoach}))
	require.NoError(t, st.SaveCoach(ctx, lessons.Coach{ID: "c-2", Role: lessons.RoleAdmin}))
	for _, l := range trailing("c-1", 0, 0, 0) {
		require.NoError(t, st.SaveLesson(ctx, l))
	}
	for _, l := range spread("c-1", generic.Month{Year: 2025, Month: time.January}, 60) {
		require.NoError(t, st.SaveLesson(ctx, l))
	}

	// WHEN: March is closed (trailing window Dec-Feb holds 60 lessons)
	saved, err := svc.CloseLastMonth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	snap, err := st.GetRateSnapshot(ctx, "c-1", "2025-03")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.Rate.Equal(rate("0.60")))

	// AND: later lesson edits do not move the frozen rate
	for _, l := range spread("c-1", generic.Month{Year: 2025, Month: time.February}, 60) {
		require.NoError(t, st.SaveLesson(ctx, l))
	}
	res, err := svc.Rate(asActor("c-1", lessons.RoleCoach), "c-1", generic.Month{Year: 2025, Month: time.March})
	require.NoError(t, err)
	assert.True(t, res.FromSnapshot)
	assert.True(t, res.Rate.Equal(rate("0.60")))
}

func TestService_Authorization(t *testing.T) {
	svc, st := newService(t, april.Start(), false)
	require.NoError(t, st.SaveCoach(context.Background(), lessons.Coach{ID: "c-1", Role: lessons.RoleCoach}))

	_, err := svc.Rate(context.Background(), "c-1", april)
	assert.Equal(t, generic.KindUnauthorized, generic.KindOf(err))

	_, err = svc.Rate(asActor("c-2", lessons.RoleCoach), "c-1", april)
	assert.ErrorIs(t, err, generic.ErrForbidden)

	_, err = svc.History(asActor("admin", lessons.RoleAdmin), "missing", 3)
	assert.True(t, generic.IsNotFound(err))

	_, err = svc.History(asActor("admin", lessons.RoleAdmin), "c-1", 100)
	assert.Equal(t, generic.KindInvalid, generic.KindOf(err))
}
