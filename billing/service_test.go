package billing_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lesson-engine/billing"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
	"github.com/warp/lesson-engine/payment"
	"github.com/warp/lesson-engine/quota"
	"github.com/warp/lesson-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// 2025-03-05 10:00 JST
var testNow = time.Date(2025, 3, 5, 10, 0, 0, 0, generic.JST)

// 2025-03-10 10:00 JST; billing deadline is 2025-03-09 12:00 JST
var lessonStart = time.Date(2025, 3, 10, 10, 0, 0, 0, generic.JST)

type fakeGateway struct {
	mu       sync.Mutex
	err      error
	n        int
	charges  []payment.ChargeRequest
	deferred []payment.ChargeRequest
	refunds  []payment.RefundRequest
}

func (g *fakeGateway) result(req payment.ChargeRequest) payment.ChargeResult {
	g.n++
	return payment.ChargeResult{
		CustomerID:       "cus_" + req.StudentID,
		InvoiceID:        fmt.Sprintf("in_%d", g.n),
		InvoiceItemID:    fmt.Sprintf("ii_%d", g.n),
		PaymentReference: fmt.Sprintf("pi_%d", g.n),
		HostedURL:        fmt.Sprintf("https://pay.example/in_%d", g.n),
	}
}

func (g *fakeGateway) ChargeNow(_ context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return payment.ChargeResult{}, g.err
	}
	g.charges = append(g.charges, req)
	return g.result(req), nil
}

func (g *fakeGateway) CreateDeferredLineItem(_ context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return payment.ChargeResult{}, g.err
	}
	g.deferred = append(g.deferred, req)
	res := g.result(req)
	res.PaymentReference, res.HostedURL = "", ""
	return res, nil
}

func (g *fakeGateway) Refund(_ context.Context, req payment.RefundRequest) (payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return payment.RefundResult{}, g.err
	}
	g.refunds = append(g.refunds, req)
	return payment.RefundResult{RefundID: fmt.Sprintf("re_%d", len(g.refunds)), Full: req.Amount == 0}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []billing.Event
}

func (p *recordingPublisher) PublishBillingEvent(_ context.Context, e billing.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []billing.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]billing.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc   *billing.Service
	store *memory.Store
	gw    *fakeGateway
	pub   *recordingPublisher
	clock *generic.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	joined := time.Date(2025, 1, 1, 0, 0, 0, 0, generic.JST)
	require.NoError(t, st.SaveMembershipType(ctx, lessons.MembershipType{
		ID: "m-4", Name: "月4回プラン", MonthlyLessonLimit: 4, MaxRolloverLimit: 2, Fee: 32000, DefaultLessonMasterID: "lm-reg",
	}))
	require.NoError(t, st.SaveMembershipType(ctx, lessons.MembershipType{ID: "m-single", Name: "単発プラン"}))
	require.NoError(t, st.SaveLessonMaster(ctx, lessons.LessonMaster{ID: "lm-reg", Name: "パーソナル", UnitPrice: 9900}))
	require.NoError(t, st.SaveLessonMaster(ctx, lessons.LessonMaster{ID: "lm-trial", Name: "体験レッスン", UnitPrice: 5500}))
	require.NoError(t, st.SaveLessonMaster(ctx, lessons.LessonMaster{ID: "lm-group", Name: "グループ"}))
	require.NoError(t, st.LinkLessonMaster(ctx, lessons.MembershipTypeLesson{MembershipTypeID: "m-4", LessonMasterID: "lm-group"}))

	for _, s := range []lessons.Student{
		{ID: "st-member", Name: "Member", Status: lessons.StudentActive, MembershipTypeID: "m-4", MembershipStartedAt: &joined, CreatedAt: joined},
		{ID: "st-single", Name: "Single", Status: lessons.StudentActive, MembershipTypeID: "m-single", MembershipStartedAt: &joined, CreatedAt: joined},
		{ID: "st-walkin", Name: "Walk-in", Email: "walkin@example.com", Status: lessons.StudentActive, CreatedAt: joined},
		{ID: "st-reserved", Name: "Reserved", Status: lessons.StudentActive, NextMembershipTypeID: "m-4", CreatedAt: joined},
		{ID: "st-trial", Name: "Trial", Status: lessons.StudentTrialPending, CreatedAt: joined},
	} {
		require.NoError(t, st.SaveStudent(ctx, s))
	}

	clock := generic.NewFixedClock(testNow)
	gw := &fakeGateway{}
	pub := &recordingPublisher{}
	svc := billing.NewService(st, gw, clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Publisher = pub

	return &fixture{svc: svc, store: st, gw: gw, pub: pub, clock: clock}
}

func adminCtx() context.Context {
	return lessons.WithActor(context.Background(), lessons.Actor{ID: "admin-1", Role: lessons.RoleAdmin})
}

func coachCtx() context.Context {
	return lessons.WithActor(context.Background(), lessons.Actor{ID: "coach-1", Role: lessons.RoleCoach})
}

func (f *fixture) book(t *testing.T, studentID, masterID string, start time.Time) *billing.CreateScheduleResult {
	t.Helper()
	res, err := f.svc.CreateLessonSchedule(coachCtx(), billing.CreateScheduleInput{
		CoachID:        "coach-1",
		StudentID:      studentID,
		LessonMasterID: masterID,
		Title:          "Lesson",
		StartTime:      start,
		EndTime:        start.Add(time.Hour),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T, id string) lessons.BillingStatus {
	t.Helper()
	s, err := f.store.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s.BillingStatus
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_WithinPlanIsPending(t *testing.T) {
	f := newFixture(t)

	// GIVEN: a 4/month member with nothing used in February (rollover 2)
	// WHEN
	res := f.book(t, "st-member", "lm-reg", lessonStart)

	// THEN
	assert.False(t, res.IsOverage)
	assert.Equal(t, quota.ReasonWithinPlan, res.Reason)
	assert.Equal(t, lessons.StatusPending, res.Schedule.BillingStatus)
	assert.Nil(t, res.Schedule.Price)
	assert.Equal(t, 6, res.Usage.EffectiveLimit)
	assert.Empty(t, f.pub.types())
}

func TestCreate_QuotaExhaustedNeedsApproval(t *testing.T) {
	f := newFixture(t)

	// GIVEN: the 6 covered lessons are booked
	for i := 0; i < 6; i++ {
		res := f.book(t, "st-member", "lm-reg", lessonStart.Add(time.Duration(i)*24*time.Hour))
		require.False(t, res.IsOverage, "booking %d", i+1)
	}

	// WHEN: the 7th is booked
	res := f.book(t, "st-member", "lm-reg", lessonStart)

	// THEN
	assert.True(t, res.IsOverage)
	assert.Equal(t, quota.ReasonQuotaExhausted, res.Reason)
	assert.Equal(t, lessons.StatusAwaitingApproval, res.Schedule.BillingStatus)
	assert.Equal(t, generic.Yen(9900), res.Schedule.PriceOrZero())
	require.NotNil(t, res.Schedule.BillingScheduledAt)
	assert.True(t, res.Schedule.BillingScheduledAt.Equal(time.Date(2025, 3, 9, 12, 0, 0, 0, generic.JST)))
	assert.Equal(t, []billing.EventType{billing.EventApprovalRequested}, f.pub.types())
}

func TestCreate_ConcurrentBookingsRespectLimit(t *testing.T) {
	f := newFixture(t)

	// GIVEN: 20 bookings racing for 6 covered slots
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		overages int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := lessonStart.Add(time.Duration(i) * time.Hour)
			res, err := f.svc.CreateLessonSchedule(coachCtx(), billing.CreateScheduleInput{
				CoachID: "coach-1", StudentID: "st-member", LessonMasterID: "lm-reg",
				StartTime: start, EndTime: start.Add(time.Hour),
			})
			if err != nil {
				t.Errorf("booking %d: %v", i, err)
				return
			}
			if res.IsOverage {
				mu.Lock()
				overages++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// THEN: exactly 6 covered, the rest overage
	assert.Equal(t, 14, overages)
}

func TestCreate_OpenSlotSkipsQuota(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateLessonSchedule(coachCtx(), billing.CreateScheduleInput{
		CoachID: "coach-1", StartTime: lessonStart, EndTime: lessonStart.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, lessons.StatusPending, res.Schedule.BillingStatus)
	assert.False(t, res.IsOverage)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateLessonSchedule(context.Background(), billing.CreateScheduleInput{CoachID: "coach-1"})
	assert.Equal(t, generic.KindUnauthorized, generic.KindOf(err))

	_, err = f.svc.CreateLessonSchedule(coachCtx(), billing.CreateScheduleInput{
		CoachID: "coach-1", StudentID: "st-member", StartTime: lessonStart, EndTime: lessonStart,
	})
	assert.Equal(t, generic.KindInvalid, generic.KindOf(err))

	_, err = f.svc.CreateLessonSchedule(coachCtx(), billing.CreateScheduleInput{
		CoachID: "coach-1", StudentID: "nobody", StartTime: lessonStart, EndTime: lessonStart.Add(time.Hour),
	})
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// TRIAL STUDENTS
// =============================================================================

func TestTrialStudent_RestrictedToTrialLessons(t *testing.T) {
	f := newFixture(t)

	// WHEN: the status of a trial_pending student without a plan is checked
	status, err := f.svc.CheckStudentLessonStatus(coachCtx(), "st-trial", lessonStart)
	require.NoError(t, err)

	// THEN: overage unconditionally, only trial lessons offered
	assert.True(t, status.IsOverage)
	assert.True(t, status.IsTrial)
	require.Len(t, status.AvailableLessons, 1)
	assert.Equal(t, "lm-trial", status.AvailableLessons[0].ID)

	// AND: booking a regular lesson is refused, a trial lesson is priced
	_, err = f.svc.CreateLessonSchedule(coachCtx(), billing.CreateScheduleInput{
		CoachID: "coach-1", StudentID: "st-trial", LessonMasterID: "lm-reg",
		StartTime: lessonStart, EndTime: lessonStart.Add(time.Hour),
	})
	assert.Equal(t, generic.KindInvalid, generic.KindOf(err))

	// AND: so is a booking with no lesson type at all
	_, err = f.svc.CreateLessonSchedule(coachCtx(), billing.CreateScheduleInput{
		CoachID: "coach-1", StudentID: "st-trial",
		StartTime: lessonStart, EndTime: lessonStart.Add(time.Hour),
	})
	assert.ErrorIs(t, err, generic.ErrInvalid)
	n, err := f.store.CountSchedules(context.Background(), "st-trial", generic.MonthOf(lessonStart).Period())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing stored for refused bookings")

	res := f.book(t, "st-trial", "lm-trial", lessonStart)
	assert.True(t, res.IsOverage)
	assert.Equal(t, generic.Yen(5500), res.Schedule.PriceOrZero())
}

func TestCheckStatus_AvailableLessons(t *testing.T) {
	f := newFixture(t)

	member, err := f.svc.CheckStudentLessonStatus(coachCtx(), "st-member", lessonStart)
	require.NoError(t, err)
	assert.False(t, member.IsOverage)
	assert.Equal(t, 6, member.Limit)
	assert.Equal(t, "lm-reg", member.DefaultLessonID)
	ids := []string{}
	for _, l := range member.AvailableLessons {
		ids = append(ids, l.ID)
	}
	assert.ElementsMatch(t, []string{"lm-group", "lm-reg"}, ids, "linked lessons plus the plan default")

	walkin, err := f.svc.CheckStudentLessonStatus(coachCtx(), "st-walkin", lessonStart)
	require.NoError(t, err)
	assert.True(t, walkin.IsOverage)
	assert.Len(t, walkin.AvailableLessons, 3)
}

// =============================================================================
// APPROVE
// =============================================================================

func TestApprove_MemberBeforeDeadlineIsScheduled(t *testing.T) {
	f := newFixture(t)
	sched := f.book(t, "st-single", "lm-reg", lessonStart).Schedule

	res, err := f.svc.ApproveLessonSchedule(adminCtx(), sched.ID)
	require.NoError(t, err)

	assert.Equal(t, lessons.StatusApproved, res.Status)
	assert.Empty(t, f.gw.charges)
	got, _ := f.store.GetSchedule(context.Background(), sched.ID)
	assert.True(t, got.BillingScheduledAt.Equal(billing.BillingDeadline(lessonStart)))
}

func TestApprove_PastDeadlineBillsImmediately(t *testing.T) {
	f := newFixture(t)

	// GIVEN: 04:00 UTC on the day before a 10:00 JST lesson (deadline was 03:00 UTC)
	f.clock.Set(time.Date(2025, 3, 9, 4, 0, 0, 0, time.UTC))
	sched := f.book(t, "st-single", "lm-reg", lessonStart).Schedule

	// WHEN
	res, err := f.svc.ApproveLessonSchedule(adminCtx(), sched.ID)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, lessons.StatusAwaitingPayment, res.Status)
	assert.NotEmpty(t, res.HostedURL)
	require.Len(t, f.gw.charges, 1)
	assert.Equal(t, generic.Yen(9900), f.gw.charges[0].Amount)

	got, _ := f.store.GetSchedule(context.Background(), sched.ID)
	assert.Equal(t, "pi_1", got.PaymentReference)
	assert.Equal(t, "ii_1", got.InvoiceItemReference)
}

func TestApprove_NoMembershipBillsImmediately(t *testing.T) {
	f := newFixture(t)
	sched := f.book(t, "st-walkin", "", lessonStart).Schedule
	assert.Equal(t, lessons.DefaultOveragePrice, sched.PriceOrZero())

	res, err := f.svc.ApproveLessonSchedule(adminCtx(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, lessons.StatusAwaitingPayment, res.Status)

	student, _ := f.store.GetStudent(context.Background(), "st-walkin")
	assert.Equal(t, "cus_st-walkin", student.StripeCustomerID)
	assert.Contains(t, f.pub.types(), billing.EventBilled)
}

func TestApprove_ReservationDefersToFirstInvoice(t *testing.T) {
	f := newFixture(t)
	sched := f.book(t, "st-reserved", "lm-reg", lessonStart).Schedule

	res, err := f.svc.ApproveLessonSchedule(adminCtx(), sched.ID)
	require.NoError(t, err)

	assert.Equal(t, lessons.StatusReadyToInvoice, res.Status)
	assert.Len(t, f.gw.deferred, 1)
	assert.Empty(t, f.gw.charges)
	got, _ := f.store.GetSchedule(context.Background(), sched.ID)
	assert.Equal(t, "ii_1", got.InvoiceItemReference)
}

func TestApprove_GatewayFailureKeepsStatus(t *testing.T) {
	f := newFixture(t)
	sched := f.book(t, "st-walkin", "lm-reg", lessonStart).Schedule

	// GIVEN: the processor is down
	f.gw.err = payment.ErrProviderDown

	// WHEN
	_, err := f.svc.ApproveLessonSchedule(adminCtx(), sched.ID)

	// THEN: upstream error, schedule still awaiting approval
	assert.Equal(t, generic.KindUpstream, generic.KindOf(err))
	assert.True(t, errors.Is(err, payment.ErrProviderDown))
	assert.Equal(t, lessons.StatusAwaitingApproval, f.status(t, sched.ID))

	// AND: a retry succeeds once the processor is back
	f.gw.err = nil
	res, err := f.svc.ApproveLessonSchedule(adminCtx(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, lessons.StatusAwaitingPayment, res.Status)
}

func TestApprove_Guards(t *testing.T) {
	f := newFixture(t)
	overage := f.book(t, "st-walkin", "lm-reg", lessonStart).Schedule
	covered := f.book(t, "st-member", "lm-reg", lessonStart).Schedule

	_, err := f.svc.ApproveLessonSchedule(coachCtx(), overage.ID)
	assert.ErrorIs(t, err, generic.ErrForbidden)
	assert.Equal(t, lessons.StatusAwaitingApproval, f.status(t, overage.ID))

	_, err = f.svc.ApproveLessonSchedule(adminCtx(), covered.ID)
	assert.Equal(t, generic.KindConflict, generic.KindOf(err))

	_, err = f.svc.ApproveLessonSchedule(adminCtx(), "missing")
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// REJECT / MANUAL
// =============================================================================

func TestReject_DeletesSchedule(t *testing.T) {
	f := newFixture(t)
	sched := f.book(t, "st-walkin", "lm-reg", lessonStart).Schedule

	// WHEN
	require.NoError(t, f.svc.RejectLessonSchedule(adminCtx(), sched.ID))

	// THEN: the row is gone
	_, err := f.svc.GetLessonSchedule(adminCtx(), sched.ID)
	assert.True(t, generic.IsNotFound(err))
	assert.Contains(t, f.pub.types(), billing.EventRejected)

	// AND: rejecting again is not found
	assert.True(t, generic.IsNotFound(f.svc.RejectLessonSchedule(adminCtx(), sched.ID)))
}

func TestReject_PaidIsConflict(t *testing.T) {
	f := newFixture(t)
	sched := f.book(t, "st-member", "lm-reg", lessonStart).Schedule
	require.NoError(t, f.svc.ApproveLessonScheduleManually(adminCtx(), sched.ID))

	err := f.svc.RejectLessonSchedule(adminCtx(), sched.ID)
	assert.Equal(t, generic.KindConflict, generic.KindOf(err))

	assert.Equal(t, generic.KindForbidden, generic.KindOf(f.svc.RejectLessonSchedule(coachCtx(), sched.ID)))
}

func TestManualApprove(t *testing.T) {
	f := newFixture(t)
	sched := f.book(t, "st-walkin", "lm-reg", lessonStart).Schedule

	require.NoError(t, f.svc.ApproveLessonScheduleManually(adminCtx(), sched.ID))

	got, _ := f.store.GetSchedule(context.Background(), sched.ID)
	assert.Equal(t, lessons.StatusPaid, got.BillingStatus)
	assert.Equal(t, lessons.ManualPaymentReference, got.PaymentReference)

	err := f.svc.ApproveLessonScheduleManually(adminCtx(), sched.ID)
	assert.Equal(t, generic.KindConflict, generic.KindOf(err))

	// manual payments cannot be refunded through the processor
	_, err = f.svc.RefundLessonSchedule(adminCtx(), billing.RefundInput{ScheduleID: sched.ID})
	assert.Equal(t, generic.KindInvalid, generic.KindOf(err))
}

// =============================================================================
// DEFERRED BILLING RUN
// =============================================================================

func TestExecuteDueBillings(t *testing.T) {
	f := newFixture(t)
	first := f.book(t, "st-single", "lm-reg", lessonStart).Schedule
	later := f.book(t, "st-single", "lm-reg", lessonStart.Add(7*24*time.Hour)).Schedule
	for _, s := range []lessons.LessonSchedule{first, later} {
		_, err := f.svc.ApproveLessonSchedule(adminCtx(), s.ID)
		require.NoError(t, err)
	}

	// WHEN: the job runs before any deadline
	sum, err := f.svc.ExecuteDueBillings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Due)

	// WHEN: the first deadline passes and the processor fails
	f.clock.Set(billing.BillingDeadline(lessonStart))
	f.gw.err = payment.ErrProviderDown
	sum, err = f.svc.ExecuteDueBillings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, billing.RunSummary{StartedAt: f.clock.Now(), Due: 1, Failed: 1}, sum)
	assert.Equal(t, lessons.StatusApproved, f.status(t, first.ID))

	// WHEN: the next run succeeds
	f.gw.err = nil
	sum, err = f.svc.ExecuteDueBillings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, lessons.StatusAwaitingPayment, f.status(t, first.ID))
	assert.Equal(t, lessons.StatusApproved, f.status(t, later.ID))
}

// =============================================================================
// PAYMENT EVENTS & REFUNDS
// =============================================================================

func TestHandlePaymentEvent_InvoicePaidThenRefund(t *testing.T) {
	f := newFixture(t)
	sched := f.book(t, "st-walkin", "lm-reg", lessonStart).Schedule
	_, err := f.svc.ApproveLessonSchedule(adminCtx(), sched.ID)
	require.NoError(t, err)

	paid := payment.Event{ID: "evt_1", Kind: payment.EventInvoicePaid, ScheduleID: sched.ID, PaymentReference: "pi_1"}
	require.NoError(t, f.svc.HandlePaymentEvent(context.Background(), paid))
	assert.Equal(t, lessons.StatusPaid, f.status(t, sched.ID))

	// redelivery is harmless
	require.NoError(t, f.svc.HandlePaymentEvent(context.Background(), paid))
	assert.Equal(t, lessons.StatusPaid, f.status(t, sched.ID))

	// partial refund from the dashboard, found by payment reference
	require.NoError(t, f.svc.HandlePaymentEvent(context.Background(), payment.Event{
		ID: "evt_2", Kind: payment.EventChargeRefunded, PaymentReference: "pi_1",
	}))
	assert.Equal(t, lessons.StatusPartiallyRefunded, f.status(t, sched.ID))

	// the rest refunded through the engine
	status, err := f.svc.RefundLessonSchedule(adminCtx(), billing.RefundInput{ScheduleID: sched.ID, Reason: "cancelled"})
	require.NoError(t, err)
	assert.Equal(t, lessons.StatusRefunded, status)
	require.Len(t, f.gw.refunds, 1)
	assert.Equal(t, "pi_1", f.gw.refunds[0].PaymentReference)
}

func TestHandlePaymentEvent_DeferredItemInvoicedThenPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: an approved lesson queued on the next subscription invoice
	sched := f.book(t, "st-reserved", "lm-reg", lessonStart).Schedule
	res, err := f.svc.ApproveLessonSchedule(adminCtx(), sched.ID)
	require.NoError(t, err)
	require.Equal(t, lessons.StatusReadyToInvoice, res.Status)

	// WHEN: the subscription invoice is finalized
	require.NoError(t, f.svc.HandlePaymentEvent(ctx, payment.Event{
		ID: "evt_fin", Kind: payment.EventInvoiceFinalized, ScheduleIDs: []string{sched.ID},
	}))

	// THEN: the schedule is invoiced
	assert.Equal(t, lessons.StatusInvoiced, f.status(t, sched.ID))
	assert.Contains(t, f.pub.types(), billing.EventInvoiced)

	// WHEN: it is paid; unknown lines on the same invoice are skipped
	require.NoError(t, f.svc.HandlePaymentEvent(ctx, payment.Event{
		ID: "evt_paid", Kind: payment.EventInvoicePaid, ScheduleIDs: []string{"missing", sched.ID}, PaymentReference: "pi_sub",
	}))

	// THEN: paid, with the subscription payment as reference
	got, err := f.store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, lessons.StatusPaid, got.BillingStatus)
	assert.Equal(t, "pi_sub", got.PaymentReference)
}

func TestHandlePaymentEvent_IgnoresUnknownAndOutOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandlePaymentEvent(ctx, payment.Event{Kind: payment.EventInvoicePaid, ScheduleID: "missing"}))
	require.NoError(t, f.svc.HandlePaymentEvent(ctx, payment.Event{Kind: payment.EventChargeRefunded, PaymentReference: "pi_unknown"}))

	// a refund for a schedule that was never paid does not move it
	sched := f.book(t, "st-walkin", "lm-reg", lessonStart).Schedule
	require.NoError(t, f.svc.HandlePaymentEvent(ctx, payment.Event{Kind: payment.EventChargeRefunded, ScheduleID: sched.ID, FullyRefunded: true}))
	assert.Equal(t, lessons.StatusAwaitingApproval, f.status(t, sched.ID))

	err := f.svc.HandlePaymentEvent(ctx, payment.Event{Kind: "mystery"})
	assert.Equal(t, generic.KindInvalid, generic.KindOf(err))
}

func TestHandlePaymentEvent_TrialFeeConfirmsTrial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandlePaymentEvent(ctx, payment.Event{Kind: payment.EventTrialFeePaid, StudentID: "st-trial"}))

	st, err := f.store.GetStudent(ctx, "st-trial")
	require.NoError(t, err)
	assert.Equal(t, lessons.StudentTrialConfirmed, st.Status)

	// only trial_pending students move
	require.NoError(t, f.svc.HandlePaymentEvent(ctx, payment.Event{Kind: payment.EventTrialFeePaid, StudentID: "st-member"}))
	st, _ = f.store.GetStudent(ctx, "st-member")
	assert.Equal(t, lessons.StudentActive, st.Status)
}

func TestRefund_Guards(t *testing.T) {
	f := newFixture(t)
	sched := f.book(t, "st-walkin", "lm-reg", lessonStart).Schedule

	_, err := f.svc.RefundLessonSchedule(adminCtx(), billing.RefundInput{ScheduleID: sched.ID})
	assert.Equal(t, generic.KindConflict, generic.KindOf(err), "not paid yet")

	_, err = f.svc.RefundLessonSchedule(coachCtx(), billing.RefundInput{ScheduleID: sched.ID})
	assert.Equal(t, generic.KindForbidden, generic.KindOf(err))
}

// paidSchedule books a walk-in lesson priced 9900 and settles it as pi_1.
func (f *fixture) paidSchedule(t *testing.T) lessons.LessonSchedule {
	t.Helper()
	sched := f.book(t, "st-walkin", "lm-reg", lessonStart).Schedule
	_, err := f.svc.ApproveLessonSchedule(adminCtx(), sched.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.HandlePaymentEvent(context.Background(), payment.Event{
		Kind: payment.EventInvoicePaid, ScheduleID: sched.ID, PaymentReference: "pi_1",
	}))
	require.Equal(t, lessons.StatusPaid, f.status(t, sched.ID))
	return sched
}

func TestRefund_PartialRefundsBoundedByPrice(t *testing.T) {
	f := newFixture(t)
	sched := f.paidSchedule(t)

	// GIVEN: 6000 of 9900 already refunded
	status, err := f.svc.RefundLessonSchedule(adminCtx(), billing.RefundInput{ScheduleID: sched.ID, Amount: 6000})
	require.NoError(t, err)
	assert.Equal(t, lessons.StatusPartiallyRefunded, status)

	// WHEN: a second refund would exceed what was paid
	_, err = f.svc.RefundLessonSchedule(adminCtx(), billing.RefundInput{ScheduleID: sched.ID, Amount: 5000})

	// THEN: refused before reaching the processor
	assert.ErrorIs(t, err, generic.ErrInvalid)
	assert.Len(t, f.gw.refunds, 1)

	// AND: refunding exactly the remainder completes the refund
	status, err = f.svc.RefundLessonSchedule(adminCtx(), billing.RefundInput{ScheduleID: sched.ID, Amount: 3900})
	require.NoError(t, err)
	assert.Equal(t, lessons.StatusRefunded, status)

	got, err := f.store.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.Yen(9900), got.RefundedAmount)
}

func TestRefund_CountsRefundsMadeOutsideTheEngine(t *testing.T) {
	f := newFixture(t)
	sched := f.paidSchedule(t)

	// GIVEN: 9000 refunded from the processor dashboard
	require.NoError(t, f.svc.HandlePaymentEvent(context.Background(), payment.Event{
		ID: "evt_re", Kind: payment.EventChargeRefunded, PaymentReference: "pi_1", AmountRefunded: 9000,
	}))
	assert.Equal(t, lessons.StatusPartiallyRefunded, f.status(t, sched.ID))

	// THEN: only 900 remains refundable
	_, err := f.svc.RefundLessonSchedule(adminCtx(), billing.RefundInput{ScheduleID: sched.ID, Amount: 901})
	assert.ErrorIs(t, err, generic.ErrInvalid)

	status, err := f.svc.RefundLessonSchedule(adminCtx(), billing.RefundInput{ScheduleID: sched.ID, Amount: 900})
	require.NoError(t, err)
	assert.Equal(t, lessons.StatusRefunded, status)
}
