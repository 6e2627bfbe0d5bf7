/*
Package billing runs lesson bookings through quota, overage and payment.

PURPOSE:
  Booking asks the quota calculator whether a lesson is covered by the
  student's plan. Covered lessons are never billed (pending). Overage
  lessons wait for an administrator (awaiting_approval), who either bills
  them now, queues them on the next invoice, or approves them for the
  background job to bill at the cancellation deadline.

STATE MACHINE:
  pending ──────────────────────────────────────────────► paid (manual)
  awaiting_approval ─┬─► approved ──(deadline job)──► awaiting_payment ─► paid
                     ├─► awaiting_payment ─────────────────────────────► paid
                     └─► ready_to_invoice ─► invoiced ─────────────────► paid
  paid ─► refunded | partially_refunded
  reject: row deleted from any unpaid status

FAILURE SEMANTICS:
  A payment failure returns an Upstream error before the status is written,
  so the schedule stays retryable in its prior status. Every status write
  is conditional on the status read (see lessons.ScheduleStore).

SEE ALSO:
  - status.go: Transition table and BillingDeadline
  - approval.go: Admin operations
  - settlement.go: Webhook events and the deferred billing run
  - quota/: Usage and overage rules
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
	"github.com/warp/lesson-engine/payment"
	"github.com/warp/lesson-engine/quota"
)

// Service holds the billing engine's collaborators.
type Service struct {
	Store     lessons.TxStore
	Gateway   payment.Gateway
	Publisher Publisher
	Clock     generic.Clock
	Logger    *slog.Logger
	NewID     func() string
}

func NewService(store lessons.TxStore, gateway payment.Gateway, clock generic.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if gateway == nil {
		gateway = payment.Disabled{}
	}
	return &Service{
		Store:     store,
		Gateway:   gateway,
		Publisher: NopPublisher{},
		Clock:     clock,
		Logger:    logger,
		NewID:     uuid.NewString,
	}
}

// =============================================================================
// CREATE
// =============================================================================

type CreateScheduleInput struct {
	CoachID        string
	StudentID      string // empty for an open slot
	LessonMasterID string
	Title          string
	StartTime      time.Time
	EndTime        time.Time
}

type CreateScheduleResult struct {
	Schedule  lessons.LessonSchedule
	IsOverage bool
	IsTrial   bool
	Reason    quota.Reason
	Usage     quota.MonthlyUsage
}

// CreateLessonSchedule books a lesson. The usage read, the overage decision
// and the insert share one transaction so two concurrent bookings cannot
// both take the last covered slot.
func (s *Service) CreateLessonSchedule(ctx context.Context, in CreateScheduleInput) (*CreateScheduleResult, error) {
	const op = "billing.CreateLessonSchedule"

	if _, err := requireActor(ctx, op); err != nil {
		return nil, err
	}
	if in.CoachID == "" {
		return nil, generic.Invalid(op, "coach id is required")
	}
	if in.StartTime.IsZero() || !in.EndTime.After(in.StartTime) {
		return nil, generic.Invalid(op, "end time must be after start time")
	}

	now := s.Clock.Now()
	base := lessons.LessonSchedule{
		ID:             s.NewID(),
		CoachID:        in.CoachID,
		StudentID:      in.StudentID,
		LessonMasterID: in.LessonMasterID,
		Title:          in.Title,
		StartTime:      in.StartTime,
		EndTime:        in.EndTime,
		BillingStatus:  lessons.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if in.StudentID == "" {
		if err := s.Store.InsertSchedule(ctx, base); err != nil {
			return nil, s.upstream(op, err, "save schedule")
		}
		return &CreateScheduleResult{Schedule: base}, nil
	}

	var result CreateScheduleResult
	err := s.Store.WithTx(ctx, func(tx lessons.Store) error {
		subject, err := s.loadSubject(ctx, tx, op, in.StudentID, in.LessonMasterID)
		if err != nil {
			return err
		}
		subject.TargetDate = in.StartTime

		decision := quota.NewCalculator(tx, s.Logger).Evaluate(ctx, subject)
		if decision.IsTrial && (subject.LessonMaster == nil || !subject.LessonMaster.IsTrial()) {
			return generic.Invalid(op, "trial students can only book trial lessons")
		}

		sched := base
		sched.IsOverage = decision.IsOverage
		if decision.IsOverage {
			price := decision.Price
			deadline := BillingDeadline(in.StartTime)
			sched.Price = &price
			sched.BillingStatus = lessons.StatusAwaitingApproval
			sched.BillingScheduledAt = &deadline
		}
		if err := tx.InsertSchedule(ctx, sched); err != nil {
			return s.upstream(op, err, "save schedule")
		}

		result = CreateScheduleResult{
			Schedule:  sched,
			IsOverage: decision.IsOverage,
			IsTrial:   decision.IsTrial,
			Reason:    decision.Reason,
			Usage:     decision.Usage,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("lesson schedule created",
		"schedule_id", result.Schedule.ID,
		"student_id", in.StudentID,
		"overage", result.IsOverage,
		"reason", result.Reason,
		"used", result.Usage.CurrentTotal,
		"limit", result.Usage.EffectiveLimit)

	if result.IsOverage {
		s.publish(ctx, Event{
			Type:       EventApprovalRequested,
			ScheduleID: result.Schedule.ID,
			StudentID:  in.StudentID,
			CoachID:    in.CoachID,
			Status:     result.Schedule.BillingStatus,
			Price:      result.Schedule.PriceOrZero(),
		})
	}
	return &result, nil
}

// =============================================================================
// STATUS LOOKUP
// =============================================================================

// LessonStatus answers "would a booking on this date be covered?".
type LessonStatus struct {
	IsOverage        bool
	IsTrial          bool
	Reason           quota.Reason
	Limit            int // effective limit
	BaseLimit        int
	Rollover         int
	Count            int
	MembershipName   string
	DefaultLessonID  string
	AvailableLessons []lessons.LessonMaster
}

func (s *Service) CheckStudentLessonStatus(ctx context.Context, studentID string, date time.Time) (*LessonStatus, error) {
	const op = "billing.CheckStudentLessonStatus"

	if _, err := requireActor(ctx, op); err != nil {
		return nil, err
	}
	subject, err := s.loadSubject(ctx, s.Store, op, studentID, "")
	if err != nil {
		return nil, err
	}
	subject.TargetDate = date

	d := quota.NewCalculator(s.Store, s.Logger).Evaluate(ctx, subject)
	status := &LessonStatus{
		IsOverage: d.IsOverage,
		IsTrial:   d.IsTrial,
		Reason:    d.Reason,
		Limit:     d.Usage.EffectiveLimit,
		BaseLimit: d.Usage.BaseLimit,
		Rollover:  d.Usage.Rollover,
		Count:     d.Usage.CurrentTotal,
	}
	if m := subject.Membership; m != nil {
		status.MembershipName = m.Name
		status.DefaultLessonID = m.DefaultLessonMasterID
	}

	status.AvailableLessons, err = s.availableLessons(ctx, op, subject, d.IsTrial)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// availableLessons: trial students see trial lessons only; members see their
// plan's lessons plus its default; everyone else sees the whole catalog.
func (s *Service) availableLessons(ctx context.Context, op string, subject quota.Subject, trial bool) ([]lessons.LessonMaster, error) {
	var (
		list []lessons.LessonMaster
		err  error
	)

	switch m := subject.Membership; {
	case trial:
		var all []lessons.LessonMaster
		if all, err = s.Store.ListLessonMasters(ctx); err == nil {
			for _, l := range all {
				if l.IsTrial() {
					list = append(list, l)
				}
			}
		}
	case m != nil:
		if list, err = s.Store.ListMembershipLessons(ctx, m.ID); err == nil && m.DefaultLessonMasterID != "" {
			list, err = s.withDefault(ctx, list, m.DefaultLessonMasterID)
		}
	default:
		list, err = s.Store.ListLessonMasters(ctx)
	}
	if err != nil {
		return nil, s.upstream(op, err, "list lesson masters")
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	if list == nil {
		list = []lessons.LessonMaster{}
	}
	return list, nil
}

func (s *Service) withDefault(ctx context.Context, list []lessons.LessonMaster, defaultID string) ([]lessons.LessonMaster, error) {
	for _, l := range list {
		if l.ID == defaultID {
			return list, nil
		}
	}
	def, err := s.Store.GetLessonMaster(ctx, defaultID)
	if err != nil {
		return nil, err
	}
	if def != nil {
		list = append(list, *def)
	}
	return list, nil
}

// GetLessonSchedule returns a schedule or a NotFound error.
func (s *Service) GetLessonSchedule(ctx context.Context, id string) (*lessons.LessonSchedule, error) {
	const op = "billing.GetLessonSchedule"
	if _, err := requireActor(ctx, op); err != nil {
		return nil, err
	}
	return s.getSchedule(ctx, op, id)
}

// =============================================================================
// HELPERS
// =============================================================================

func requireActor(ctx context.Context, op string) (lessons.Actor, error) {
	a, ok := lessons.ActorFrom(ctx)
	if !ok {
		return lessons.Actor{}, generic.Unauthorized(op)
	}
	return a, nil
}

func requireAdmin(ctx context.Context, op string) (lessons.Actor, error) {
	a, err := requireActor(ctx, op)
	if err != nil {
		return a, err
	}
	if !a.Role.IsAdmin() {
		return a, generic.Forbidden(op, "role %q may not perform billing actions", a.Role)
	}
	return a, nil
}

func (s *Service) loadSubject(ctx context.Context, st lessons.Store, op, studentID, masterID string) (quota.Subject, error) {
	student, err := st.GetStudent(ctx, studentID)
	if err != nil {
		return quota.Subject{}, s.upstream(op, err, "load student")
	}
	if student == nil {
		return quota.Subject{}, generic.NotFound(op, "student %s", studentID)
	}
	subject := quota.Subject{Student: *student}

	if student.HasMembership() {
		m, err := st.GetMembershipType(ctx, student.MembershipTypeID)
		if err != nil {
			return quota.Subject{}, s.upstream(op, err, "load membership type")
		}
		if m == nil {
			return quota.Subject{}, generic.NotFound(op, "membership type %s", student.MembershipTypeID)
		}
		subject.Membership = m
	}

	if masterID != "" {
		master, err := st.GetLessonMaster(ctx, masterID)
		if err != nil {
			return quota.Subject{}, s.upstream(op, err, "load lesson master")
		}
		if master == nil {
			return quota.Subject{}, generic.NotFound(op, "lesson master %s", masterID)
		}
		subject.LessonMaster = master
	}
	return subject, nil
}

func (s *Service) getSchedule(ctx context.Context, op, id string) (*lessons.LessonSchedule, error) {
	sched, err := s.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, s.upstream(op, err, "load schedule")
	}
	if sched == nil {
		return nil, generic.NotFound(op, "schedule %s", id)
	}
	return sched, nil
}

func (s *Service) getStudent(ctx context.Context, op, id string) (*lessons.Student, error) {
	if id == "" {
		return nil, generic.Invalid(op, "schedule has no student to bill")
	}
	student, err := s.Store.GetStudent(ctx, id)
	if err != nil {
		return nil, s.upstream(op, err, "load student")
	}
	if student == nil {
		return nil, generic.NotFound(op, "student %s", id)
	}
	return student, nil
}

// upstream logs a collaborator failure and tags it; engine errors pass through.
func (s *Service) upstream(op string, err error, what string) error {
	var ge *generic.Error
	if errors.As(err, &ge) {
		return err
	}
	s.Logger.Error(what+" failed", "op", op, "error", err)
	return generic.Upstream(op, err, "%s failed", what)
}

func (s *Service) persistErr(op string, err error, what string) error {
	if errors.Is(err, generic.ErrConcurrentModification) {
		return generic.Conflict(op, "schedule was modified concurrently, retry")
	}
	return s.upstream(op, err, what)
}

func (s *Service) publish(ctx context.Context, e Event) {
	e.OccurredAt = s.Clock.Now()
	if err := s.Publisher.PublishBillingEvent(ctx, e); err != nil {
		s.Logger.Warn("billing event publish failed", "type", e.Type, "schedule_id", e.ScheduleID, "error", err)
	}
}

func lessonDescription(sched *lessons.LessonSchedule) string {
	title := sched.Title
	if title == "" {
		title = "Extra lesson"
	}
	return fmt.Sprintf("%s %s", title, sched.StartTime.In(generic.JST).Format("2006-01-02 15:04"))
}
