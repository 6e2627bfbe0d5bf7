package billing

import (
	"context"
	"fmt"

	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
	"github.com/warp/lesson-engine/payment"
)

// =============================================================================
// APPROVE
// =============================================================================

type ApproveResult struct {
	Status    lessons.BillingStatus
	Message   string
	HostedURL string
}

// ApproveLessonSchedule accepts an overage lesson for billing.
//
//   - no plan, plan reserved: deferred line item -> ready_to_invoice
//   - no plan, nothing reserved: charge now -> awaiting_payment
//   - plan holder past the deadline: charge now -> awaiting_payment
//   - plan holder before the deadline: approved, billed later by ExecuteDueBillings
func (s *Service) ApproveLessonSchedule(ctx context.Context, id string) (*ApproveResult, error) {
	const op = "billing.ApproveLessonSchedule"

	if _, err := requireAdmin(ctx, op); err != nil {
		return nil, err
	}
	sched, err := s.getSchedule(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !sched.IsOverage || sched.BillingStatus != lessons.StatusAwaitingApproval {
		return nil, generic.Conflict(op, "schedule %s is %s; only overage lessons awaiting approval can be approved",
			id, sched.BillingStatus)
	}
	student, err := s.getStudent(ctx, op, sched.StudentID)
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	prev := sched.BillingStatus
	result := &ApproveResult{}
	event := EventBilled

	switch {
	case !student.HasMembership() && student.HasReservation():
		res, err := s.bill(ctx, op, sched, student, true)
		if err != nil {
			return nil, err
		}
		sched.BillingStatus = lessons.StatusReadyToInvoice
		sched.InvoiceItemReference = res.InvoiceItemID
		result.Message = "added to the first invoice of the reserved membership"
		event = EventDeferred

	case !student.HasMembership():
		res, err := s.bill(ctx, op, sched, student, false)
		if err != nil {
			return nil, err
		}
		applyCharge(sched, res)
		result.HostedURL = res.HostedURL
		result.Message = "billed immediately"

	default:
		deadline := BillingDeadline(sched.StartTime)
		if now.Before(deadline) {
			sched.BillingStatus = lessons.StatusApproved
			sched.BillingScheduledAt = &deadline
			result.Message = fmt.Sprintf("approved; billing at %s", deadline.In(generic.JST).Format("2006-01-02 15:04 MST"))
			event = EventApproved
			break
		}
		res, err := s.bill(ctx, op, sched, student, false)
		if err != nil {
			return nil, err
		}
		applyCharge(sched, res)
		result.HostedURL = res.HostedURL
		result.Message = "billing deadline has passed; billed immediately"
	}

	sched.UpdatedAt = now
	if err := s.Store.UpdateSchedule(ctx, *sched, prev); err != nil {
		return nil, s.persistErr(op, err, "update schedule")
	}
	result.Status = sched.BillingStatus

	s.Logger.Info("lesson schedule approved",
		"schedule_id", sched.ID, "status", sched.BillingStatus, "price", sched.PriceOrZero())
	s.publish(ctx, Event{
		Type:       event,
		ScheduleID: sched.ID,
		StudentID:  sched.StudentID,
		CoachID:    sched.CoachID,
		Status:     sched.BillingStatus,
		Price:      sched.PriceOrZero(),
		HostedURL:  result.HostedURL,
	})
	return result, nil
}

// =============================================================================
// REJECT
// =============================================================================

// RejectLessonSchedule deletes an unpaid schedule outright.
func (s *Service) RejectLessonSchedule(ctx context.Context, id string) error {
	const op = "billing.RejectLessonSchedule"

	if _, err := requireAdmin(ctx, op); err != nil {
		return err
	}
	sched, err := s.getSchedule(ctx, op, id)
	if err != nil {
		return err
	}
	if IsSettled(sched.BillingStatus) {
		return generic.Conflict(op, "schedule %s is %s and can no longer be rejected", id, sched.BillingStatus)
	}

	deleted, err := s.Store.DeleteSchedule(ctx, id)
	if err != nil {
		return s.upstream(op, err, "delete schedule")
	}
	if !deleted {
		return generic.NotFound(op, "schedule %s", id)
	}

	s.Logger.Info("lesson schedule rejected", "schedule_id", id, "previous_status", sched.BillingStatus)
	s.publish(ctx, Event{Type: EventRejected, ScheduleID: id, StudentID: sched.StudentID, CoachID: sched.CoachID})
	return nil
}

// =============================================================================
// MANUAL APPROVE
// =============================================================================

// ApproveLessonScheduleManually marks a schedule paid outside the processor.
func (s *Service) ApproveLessonScheduleManually(ctx context.Context, id string) error {
	const op = "billing.ApproveLessonScheduleManually"

	if _, err := requireAdmin(ctx, op); err != nil {
		return err
	}
	sched, err := s.getSchedule(ctx, op, id)
	if err != nil {
		return err
	}
	if IsSettled(sched.BillingStatus) {
		return generic.Conflict(op, "schedule %s is already %s", id, sched.BillingStatus)
	}

	prev := sched.BillingStatus
	sched.BillingStatus = lessons.StatusPaid
	sched.PaymentReference = lessons.ManualPaymentReference
	sched.UpdatedAt = s.Clock.Now()
	if err := s.Store.UpdateSchedule(ctx, *sched, prev); err != nil {
		return s.persistErr(op, err, "update schedule")
	}

	s.Logger.Info("lesson schedule manually reconciled", "schedule_id", id, "previous_status", prev)
	s.publish(ctx, Event{Type: EventPaid, ScheduleID: id, StudentID: sched.StudentID, Status: lessons.StatusPaid, Price: sched.PriceOrZero()})
	return nil
}

// =============================================================================
// REFUND
// =============================================================================

type RefundInput struct {
	ScheduleID string
	Amount     generic.Yen // 0 = refund whatever is left
	Reason     string
}

func (s *Service) RefundLessonSchedule(ctx context.Context, in RefundInput) (lessons.BillingStatus, error) {
	const op = "billing.RefundLessonSchedule"

	if _, err := requireAdmin(ctx, op); err != nil {
		return "", err
	}
	sched, err := s.getSchedule(ctx, op, in.ScheduleID)
	if err != nil {
		return "", err
	}
	if sched.BillingStatus != lessons.StatusPaid && sched.BillingStatus != lessons.StatusPartiallyRefunded {
		return "", generic.Conflict(op, "schedule %s is %s; only paid lessons can be refunded", sched.ID, sched.BillingStatus)
	}
	if sched.PaymentReference == "" || sched.PaymentReference == lessons.ManualPaymentReference {
		return "", generic.Invalid(op, "schedule %s was not paid through the processor", sched.ID)
	}
	price := sched.PriceOrZero()
	refundable := price - sched.RefundedAmount
	if in.Amount < 0 || (price > 0 && in.Amount > refundable) {
		return "", generic.Invalid(op, "refund amount %d exceeds the %d yen still refundable", in.Amount, refundable)
	}

	res, err := s.Gateway.Refund(ctx, payment.RefundRequest{
		ScheduleID:       sched.ID,
		PaymentReference: sched.PaymentReference,
		Amount:           in.Amount,
		Reason:           in.Reason,
	})
	if err != nil {
		s.Logger.Error("refund failed", "schedule_id", sched.ID, "error", err)
		return "", generic.Upstream(op, err, "refund for schedule %s failed", sched.ID)
	}

	prev := sched.BillingStatus
	if in.Amount == 0 {
		sched.RefundedAmount = price
	} else {
		sched.RefundedAmount += in.Amount
	}
	sched.BillingStatus = lessons.StatusPartiallyRefunded
	if res.Full || (price > 0 && sched.RefundedAmount >= price) {
		sched.BillingStatus = lessons.StatusRefunded
	}
	sched.UpdatedAt = s.Clock.Now()
	if err := s.Store.UpdateSchedule(ctx, *sched, prev); err != nil {
		return "", s.persistErr(op, err, "update schedule")
	}

	s.Logger.Info("lesson schedule refunded", "schedule_id", sched.ID, "refund_id", res.RefundID, "status", sched.BillingStatus)
	s.publish(ctx, Event{Type: EventRefunded, ScheduleID: sched.ID, StudentID: sched.StudentID, Status: sched.BillingStatus})
	return sched.BillingStatus, nil
}

// =============================================================================
// PAYMENT HELPERS
// =============================================================================

// bill calls the gateway. Nothing is persisted here except a newly created
// customer id, so a failure leaves the schedule untouched.
func (s *Service) bill(ctx context.Context, op string, sched *lessons.LessonSchedule, student *lessons.Student, deferred bool) (payment.ChargeResult, error) {
	amount := sched.PriceOrZero()
	if amount <= 0 {
		return payment.ChargeResult{}, generic.Invalid(op, "schedule %s has no billable price", sched.ID)
	}

	req := payment.ChargeRequest{
		ScheduleID:   sched.ID,
		StudentID:    student.ID,
		StudentName:  student.Name,
		StudentEmail: student.Email,
		CustomerID:   student.StripeCustomerID,
		Amount:       amount,
		Description:  lessonDescription(sched),
	}

	var (
		res payment.ChargeResult
		err error
	)
	if deferred {
		res, err = s.Gateway.CreateDeferredLineItem(ctx, req)
	} else {
		res, err = s.Gateway.ChargeNow(ctx, req)
	}
	if err != nil {
		s.Logger.Error("payment collaborator failed",
			"op", op, "schedule_id", sched.ID, "deferred", deferred, "error", err)
		return res, generic.Upstream(op, err, "payment for schedule %s failed", sched.ID)
	}

	if res.CustomerID != "" && res.CustomerID != student.StripeCustomerID {
		if err := s.Store.SetStudentCustomerID(ctx, student.ID, res.CustomerID); err != nil {
			s.Logger.Warn("failed to store customer id", "student_id", student.ID, "error", err)
		}
		student.StripeCustomerID = res.CustomerID
	}
	return res, nil
}

func applyCharge(sched *lessons.LessonSchedule, res payment.ChargeResult) {
	sched.BillingStatus = lessons.StatusAwaitingPayment
	sched.InvoiceItemReference = res.InvoiceItemID
	if res.PaymentReference != "" {
		sched.PaymentReference = res.PaymentReference
	}
}
