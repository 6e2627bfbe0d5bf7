/*
Package quota computes monthly lesson usage and decides overage.

PURPOSE:
  One calculator and one decision function, shared by booking and by the
  status lookup, so the quota policy has a single source of truth.

KEY CONCEPTS:
  CurrentTotal:   held lessons + booked schedules in the target JST month
  Rollover:       unused allowance from the previous month, capped by the
                  plan's max rollover, only when the plan started in an
                  earlier month than the target
  EffectiveLimit: MonthlyLimit + Rollover

FAILURE SEMANTICS:
  A failed count is logged and counted as zero. Compute never aborts its
  caller.

SEE ALSO:
  - decision.go: Overage rules and price resolution
  - generic/policy.go: CarryoverRule
*/
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

// UsageInput describes whose usage is measured and under which plan terms.
type UsageInput struct {
	StudentID           string
	TargetDate          time.Time
	MonthlyLimit        int
	MaxRollover         int
	MembershipStartedAt *time.Time
	CreatedAt           time.Time
}

// MonthlyUsage is derived on every call and never stored.
type MonthlyUsage struct {
	Month          generic.Month
	CurrentTotal   int
	PreviousTotal  int
	BaseLimit      int
	Rollover       int
	EffectiveLimit int
}

// Remaining is how many bookings fit before overage starts.
func (u MonthlyUsage) Remaining() int {
	if r := u.EffectiveLimit - u.CurrentTotal; r > 0 {
		return r
	}
	return 0
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	counter lessons.UsageCounter
	logger  *slog.Logger
}

func NewCalculator(counter lessons.UsageCounter, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{counter: counter, logger: logger}
}

// Compute returns the student's usage for the JST month of in.TargetDate.
func (c *Calculator) Compute(ctx context.Context, in UsageInput) MonthlyUsage {
	month := generic.MonthOf(in.TargetDate)
	usage := MonthlyUsage{
		Month:        month,
		CurrentTotal: c.countMonth(ctx, in.StudentID, month),
		BaseLimit:    in.MonthlyLimit,
	}

	rule := generic.CarryoverRule{Allowance: in.MonthlyLimit, MaxCarryover: in.MaxRollover}
	if rule.Enabled() && rolloverEligible(in, month) {
		usage.PreviousTotal = c.countMonth(ctx, in.StudentID, month.Prev())
		usage.Rollover = rule.Carry(usage.PreviousTotal)
	}

	usage.EffectiveLimit = in.MonthlyLimit + usage.Rollover
	return usage
}

// rolloverEligible: the plan must have started in a month strictly before
// the target month.
func rolloverEligible(in UsageInput, target generic.Month) bool {
	started := in.CreatedAt
	if in.MembershipStartedAt != nil {
		started = *in.MembershipStartedAt
	}
	return generic.MonthOf(started).Before(target)
}

func (c *Calculator) countMonth(ctx context.Context, studentID string, m generic.Month) int {
	p := m.Period()

	held, err := c.counter.CountLessons(ctx, studentID, p)
	if err != nil {
		c.logger.Warn("lesson count failed, treating as zero",
			"student_id", studentID, "month", m.String(), "error", err)
		held = 0
	}

	booked, err := c.counter.CountSchedules(ctx, studentID, p)
	if err != nil {
		c.logger.Warn("schedule count failed, treating as zero",
			"student_id", studentID, "month", m.String(), "error", err)
		booked = 0
	}

	return held + booked
}
