package quota

import (
	"context"
	"time"

	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

// =============================================================================
// OVERAGE DECISION
// =============================================================================

// Reason records which rule produced a decision.
type Reason string

const (
	ReasonTrial            Reason = "trial"
	ReasonNoMembership     Reason = "no_membership"
	ReasonSingleLesson     Reason = "single_lesson_plan"
	ReasonNoAllowance      Reason = "no_allowance"
	ReasonBeforeMembership Reason = "before_membership"
	ReasonQuotaExhausted   Reason = "quota_exhausted"
	ReasonWithinPlan       Reason = "within_plan"
)

type DecisionInput struct {
	Student      lessons.Student
	Membership   *lessons.MembershipType // nil when the student has no plan
	LessonMaster *lessons.LessonMaster   // nil when the lesson type is unknown
	TargetDate   time.Time
	Usage        MonthlyUsage
}

type Decision struct {
	IsOverage bool
	IsTrial   bool
	Reason    Reason
	Price     generic.Yen // set only when IsOverage
	Usage     MonthlyUsage
}

// Decide applies the overage rules in order; the first match wins.
func Decide(in DecisionInput) Decision {
	d := Decision{Usage: in.Usage}

	switch m := in.Membership; {
	case m == nil:
		d.IsOverage = true
		d.Reason = ReasonNoMembership
		if in.Student.Status.IsTrial() {
			d.IsTrial = true
			d.Reason = ReasonTrial
		}
	case m.IsSingleLesson():
		d.IsOverage, d.Reason = true, ReasonSingleLesson
	case m.MonthlyLessonLimit <= 0:
		d.IsOverage, d.Reason = true, ReasonNoAllowance
	case in.Student.MembershipStartedAt != nil && in.TargetDate.Before(*in.Student.MembershipStartedAt):
		d.IsOverage, d.Reason = true, ReasonBeforeMembership
	case in.Usage.CurrentTotal >= in.Usage.EffectiveLimit:
		d.IsOverage, d.Reason = true, ReasonQuotaExhausted
	default:
		d.Reason = ReasonWithinPlan
	}

	if d.IsOverage {
		d.Price = ResolvePrice(in.LessonMaster, in.Membership)
	}
	return d
}

// ResolvePrice: lesson unit price, else fee/limit floored, else the default.
func ResolvePrice(master *lessons.LessonMaster, membership *lessons.MembershipType) generic.Yen {
	if master != nil && master.UnitPrice > 0 {
		return master.UnitPrice
	}
	if membership != nil && membership.Fee > 0 && membership.MonthlyLessonLimit > 0 {
		return membership.Fee / generic.Yen(membership.MonthlyLessonLimit)
	}
	return lessons.DefaultOveragePrice
}

// =============================================================================
// EVALUATE - Usage + decision in one call
// =============================================================================

// Subject is everything known about a prospective booking.
type Subject struct {
	Student      lessons.Student
	Membership   *lessons.MembershipType
	LessonMaster *lessons.LessonMaster
	TargetDate   time.Time
}

// Evaluate computes usage for the subject's month and decides overage.
func (c *Calculator) Evaluate(ctx context.Context, s Subject) Decision {
	in := UsageInput{
		StudentID:           s.Student.ID,
		TargetDate:          s.TargetDate,
		MembershipStartedAt: s.Student.MembershipStartedAt,
		CreatedAt:           s.Student.CreatedAt,
	}
	if s.Membership != nil {
		in.MonthlyLimit = s.Membership.MonthlyLessonLimit
		in.MaxRollover = s.Membership.MaxRolloverLimit
	}

	return Decide(DecisionInput{
		Student:      s.Student,
		Membership:   s.Membership,
		LessonMaster: s.LessonMaster,
		TargetDate:   s.TargetDate,
		Usage:        c.Compute(ctx, in),
	})
}
