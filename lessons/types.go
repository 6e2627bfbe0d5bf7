/*
Package lessons holds the coaching-studio entities the engine reads and writes.

PURPOSE:
  Students hold (or reserve) a membership plan; plans grant a monthly lesson
  allowance. Lessons are booked as LessonSchedules and, once held, recorded
  as Lessons. Both count against the allowance.

KEY CONCEPTS:
  - Student status drives the trial branch (trial_pending, trial_confirmed)
  - MembershipType.Name may carry the single-lesson marker, forcing overage
  - LessonMaster.Name may carry the trial marker
  - LessonSchedule.IsOverage and Price are fixed at creation
  - BillingStatus advances through the billing state machine

SEE ALSO:
  - store.go: Persistence interfaces
  - billing/status.go: Allowed BillingStatus transitions
*/
package lessons

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

const (
	// SingleLessonMarker in a membership name means every lesson is billed.
	SingleLessonMarker = "単発"

	// TrialMarker in a lesson master name tags it as a trial lesson.
	TrialMarker = "体験"

	// DefaultOveragePrice applies when neither the lesson nor the plan prices it.
	DefaultOveragePrice generic.Yen = 8800

	// ManualPaymentReference marks a schedule reconciled outside the processor.
	ManualPaymentReference = "manual_reconciliation"
)

// =============================================================================
// STUDENT
// =============================================================================

type StudentStatus string

const (
	StudentTrialPending   StudentStatus = "trial_pending"
	StudentTrialConfirmed StudentStatus = "trial_confirmed"
	StudentTrialDone      StudentStatus = "trial_done"
	StudentActive         StudentStatus = "active"
	StudentResting        StudentStatus = "resting"
	StudentWithdrawn      StudentStatus = "withdrawn"
)

func (s StudentStatus) IsTrial() bool {
	return s == StudentTrialPending || s == StudentTrialConfirmed
}

type Student struct {
	ID                   string
	Name                 string
	Email                string
	Status               StudentStatus
	MembershipTypeID     string // empty = no plan
	NextMembershipTypeID string // reservation for a future plan
	MembershipStartedAt  *time.Time
	StripeCustomerID     string
	CreatedAt            time.Time
}

func (s Student) HasMembership() bool  { return s.MembershipTypeID != "" }
func (s Student) HasReservation() bool { return s.NextMembershipTypeID != "" }

// =============================================================================
// MEMBERSHIP & LESSON CATALOG
// =============================================================================

type MembershipType struct {
	ID                    string
	Name                  string
	MonthlyLessonLimit    int
	MaxRolloverLimit      int
	Fee                   generic.Yen
	DefaultLessonMasterID string
}

func (m MembershipType) IsSingleLesson() bool {
	return strings.Contains(m.Name, SingleLessonMarker)
}

type LessonMaster struct {
	ID        string
	Name      string
	UnitPrice generic.Yen // 0 = unset
}

func (l LessonMaster) IsTrial() bool {
	return strings.Contains(l.Name, TrialMarker)
}

// MembershipTypeLesson links a lesson type to a plan.
type MembershipTypeLesson struct {
	MembershipTypeID string
	LessonMasterID   string
	RewardPrice      *generic.Yen // coach reward base override
}

// =============================================================================
// COACH
// =============================================================================

type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleCoach   Role = "coach"
	RoleStudent Role = "student"
	RoleSystem  Role = "system"
)

// IsAdmin reports whether the role may run administrative billing actions.
func (r Role) IsAdmin() bool { return r == RoleAdmin || r == RoleOwner }

type Coach struct {
	ID           string
	Name         string
	Role         Role
	OverrideRate *decimal.Decimal
	CreatedAt    time.Time
}

// =============================================================================
// LESSONS & SCHEDULES
// =============================================================================

// Lesson is a held lesson.
type Lesson struct {
	ID             string
	CoachID        string
	StudentID      string
	LessonMasterID string
	LessonDate     time.Time
	Price          generic.Yen
	RewardPrice    *generic.Yen
	IsTrial        bool
	IsTwoPerson    bool
}

type BillingStatus string

const (
	StatusPending           BillingStatus = "pending"
	StatusAwaitingApproval  BillingStatus = "awaiting_approval"
	StatusApproved          BillingStatus = "approved"
	StatusAwaitingPayment   BillingStatus = "awaiting_payment"
	StatusReadyToInvoice    BillingStatus = "ready_to_invoice"
	StatusInvoiced          BillingStatus = "invoiced"
	StatusPaid              BillingStatus = "paid"
	StatusRefunded          BillingStatus = "refunded"
	StatusPartiallyRefunded BillingStatus = "partially_refunded"
)

// LessonSchedule is a booked slot.
type LessonSchedule struct {
	ID                   string
	CoachID              string
	StudentID            string // empty for open slots
	LessonMasterID       string
	Title                string
	StartTime            time.Time
	EndTime              time.Time
	IsOverage            bool
	BillingStatus        BillingStatus
	Price                *generic.Yen
	RefundedAmount       generic.Yen // cumulative, across partial refunds
	BillingScheduledAt   *time.Time
	PaymentReference     string
	InvoiceItemReference string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PriceOrZero is the billable amount, 0 when not priced.
func (s LessonSchedule) PriceOrZero() generic.Yen {
	if s.Price == nil {
		return 0
	}
	return *s.Price
}

// =============================================================================
// REWARD SNAPSHOTS
// =============================================================================

// RateSnapshot freezes a coach's reward rate for a closed month.
type RateSnapshot struct {
	CoachID    string
	Month      string // "2006-01"
	Rate       decimal.Decimal
	ComputedAt time.Time
}
