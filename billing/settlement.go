package billing

import (
	"context"
	"time"

	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
	"github.com/warp/lesson-engine/payment"
)

// =============================================================================
// PAYMENT EVENTS (webhook)
// =============================================================================

// HandlePaymentEvent applies a normalized processor notification. Events
// that reference unknown rows, or would move a schedule backwards, are
// logged and ignored so the processor stops redelivering them.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev payment.Event) error {
	const op = "billing.HandlePaymentEvent"

	switch ev.Kind {
	case payment.EventInvoiceFinalized:
		return s.settleEach(ctx, op, ev, lessons.StatusInvoiced, "")

	case payment.EventInvoicePaid:
		return s.settleEach(ctx, op, ev, lessons.StatusPaid, ev.PaymentReference)

	case payment.EventChargeRefunded:
		sched, err := s.findRefunded(ctx, ev)
		if err != nil {
			return s.upstream(op, err, "load schedule")
		}
		if sched == nil {
			s.Logger.Warn("refunded charge matches no schedule", "payment_reference", ev.PaymentReference, "event_id", ev.ID)
			return nil
		}
		next := lessons.StatusPartiallyRefunded
		if ev.FullyRefunded {
			next = lessons.StatusRefunded
		}
		if ev.AmountRefunded > sched.RefundedAmount {
			sched.RefundedAmount = ev.AmountRefunded
		}
		return s.settle(ctx, op, sched, next, "")

	case payment.EventTrialFeePaid:
		student, err := s.Store.GetStudent(ctx, ev.StudentID)
		if err != nil {
			return s.upstream(op, err, "load student")
		}
		if student == nil {
			s.Logger.Warn("trial fee paid for unknown student", "student_id", ev.StudentID, "event_id", ev.ID)
			return nil
		}
		if student.Status != lessons.StudentTrialPending {
			return nil
		}
		if err := s.Store.UpdateStudentStatus(ctx, student.ID, lessons.StudentTrialConfirmed); err != nil {
			return s.upstream(op, err, "update student status")
		}
		s.Logger.Info("trial confirmed", "student_id", student.ID)
		return nil
	}

	return generic.Invalid(op, "unsupported payment event %q", ev.Kind)
}

// settleEach moves every schedule an invoice covers. A redelivery after a
// partial failure finds the settled ones already at next and skips them.
func (s *Service) settleEach(ctx context.Context, op string, ev payment.Event, next lessons.BillingStatus, ref string) error {
	for _, id := range ev.Schedules() {
		sched, err := s.Store.GetSchedule(ctx, id)
		if err != nil {
			return s.upstream(op, err, "load schedule")
		}
		if sched == nil {
			s.Logger.Warn("invoice references unknown schedule", "schedule_id", id, "event_id", ev.ID, "kind", ev.Kind)
			continue
		}
		if err := s.settle(ctx, op, sched, next, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) findRefunded(ctx context.Context, ev payment.Event) (*lessons.LessonSchedule, error) {
	if ev.ScheduleID != "" {
		sched, err := s.Store.GetSchedule(ctx, ev.ScheduleID)
		if err != nil || sched != nil {
			return sched, err
		}
	}
	if ev.PaymentReference == "" {
		return nil, nil
	}
	return s.Store.FindScheduleByPaymentReference(ctx, ev.PaymentReference)
}

func (s *Service) settle(ctx context.Context, op string, sched *lessons.LessonSchedule, next lessons.BillingStatus, ref string) error {
	if sched.BillingStatus == next && next != lessons.StatusPartiallyRefunded {
		return nil
	}
	if !CanTransition(sched.BillingStatus, next) {
		s.Logger.Warn("ignoring out-of-order payment event",
			"schedule_id", sched.ID, "status", sched.BillingStatus, "target", next)
		return nil
	}

	prev := sched.BillingStatus
	sched.BillingStatus = next
	if ref != "" {
		sched.PaymentReference = ref
	}
	sched.UpdatedAt = s.Clock.Now()
	if err := s.Store.UpdateSchedule(ctx, *sched, prev); err != nil {
		return s.persistErr(op, err, "update schedule")
	}

	event := EventRefunded
	switch next {
	case lessons.StatusPaid:
		event = EventPaid
	case lessons.StatusInvoiced:
		event = EventInvoiced
	}
	s.Logger.Info("payment event applied", "schedule_id", sched.ID, "from", prev, "to", next)
	s.publish(ctx, Event{Type: event, ScheduleID: sched.ID, StudentID: sched.StudentID, Status: next, Price: sched.PriceOrZero()})
	return nil
}

// =============================================================================
// DEFERRED BILLING RUN
// =============================================================================

// RunSummary reports one pass of ExecuteDueBillings.
type RunSummary struct {
	StartedAt time.Time
	Due       int
	Processed int
	Failed    int
}

// ExecuteDueBillings charges every approved schedule whose deadline has
// passed. Failures stay approved and are retried on the next run.
func (s *Service) ExecuteDueBillings(ctx context.Context) (RunSummary, error) {
	const op = "billing.ExecuteDueBillings"

	now := s.Clock.Now()
	summary := RunSummary{StartedAt: now}

	due, err := s.Store.ListSchedulesDue(ctx, lessons.StatusApproved, now)
	if err != nil {
		return summary, s.upstream(op, err, "list due schedules")
	}
	summary.Due = len(due)

	for i := range due {
		if err := s.billApproved(ctx, op, &due[i]); err != nil {
			summary.Failed++
			s.Logger.Error("deferred billing failed", "schedule_id", due[i].ID, "error", err)
			continue
		}
		summary.Processed++
	}

	if summary.Due > 0 {
		s.Logger.Info("deferred billing run completed",
			"due", summary.Due, "processed", summary.Processed, "failed", summary.Failed)
	}
	return summary, nil
}

func (s *Service) billApproved(ctx context.Context, op string, sched *lessons.LessonSchedule) error {
	student, err := s.getStudent(ctx, op, sched.StudentID)
	if err != nil {
		return err
	}
	res, err := s.bill(ctx, op, sched, student, false)
	if err != nil {
		return err
	}

	applyCharge(sched, res)
	sched.UpdatedAt = s.Clock.Now()
	if err := s.Store.UpdateSchedule(ctx, *sched, lessons.StatusApproved); err != nil {
		return s.persistErr(op, err, "update schedule")
	}

	s.publish(ctx, Event{
		Type:       EventBilled,
		ScheduleID: sched.ID,
		StudentID:  sched.StudentID,
		CoachID:    sched.CoachID,
		Status:     sched.BillingStatus,
		Price:      sched.PriceOrZero(),
		HostedURL:  res.HostedURL,
	})
	return nil
}
