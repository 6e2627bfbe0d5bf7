package billing

import (
	"time"

	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// transitions lists every legal billing_status move. Rejection is a delete,
// not a transition, and is allowed from any unpaid status.
var transitions = map[lessons.BillingStatus][]lessons.BillingStatus{
	lessons.StatusPending:           {lessons.StatusPaid},
	lessons.StatusAwaitingApproval:  {lessons.StatusApproved, lessons.StatusAwaitingPayment, lessons.StatusReadyToInvoice, lessons.StatusPaid},
	lessons.StatusApproved:          {lessons.StatusAwaitingPayment, lessons.StatusInvoiced, lessons.StatusPaid},
	lessons.StatusAwaitingPayment:   {lessons.StatusPaid},
	lessons.StatusReadyToInvoice:    {lessons.StatusInvoiced, lessons.StatusPaid},
	lessons.StatusInvoiced:          {lessons.StatusPaid},
	lessons.StatusPaid:              {lessons.StatusRefunded, lessons.StatusPartiallyRefunded},
	lessons.StatusPartiallyRefunded: {lessons.StatusRefunded, lessons.StatusPartiallyRefunded},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to lessons.BillingStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsSettled is true once money has moved (or been returned).
func IsSettled(s lessons.BillingStatus) bool {
	switch s {
	case lessons.StatusPaid, lessons.StatusRefunded, lessons.StatusPartiallyRefunded:
		return true
	}
	return false
}

// =============================================================================
// BILLING DEADLINE
// =============================================================================

// deadlineHour is noon JST (03:00 UTC).
const deadlineHour = 12

// BillingDeadline is 12:00 JST on the calendar day before the lesson.
// Cancelling before it never needs a refund because nothing was charged.
func BillingDeadline(lessonStart time.Time) time.Time {
	return generic.CivilAt(lessonStart, -1, deadlineHour)
}
