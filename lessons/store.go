/*
store.go - Persistence interfaces for the lesson engine

PURPOSE:
  Defines what the quota, billing and rewards packages need from the
  database. Implementations live under store/.

CONVENTIONS:
  - Get* returns (nil, nil) when the row does not exist
  - Count* uses half-open periods [Start, End)
  - UpdateSchedule is conditional on the previously observed status and
    returns generic.ErrConcurrentModification when the row moved on
  - DeleteSchedule reports whether a row was removed

IMPLEMENTATIONS:
  - store/sqlite: embedded, default for single-instance deployments
  - store/postgres: hosted relational database (pgx)
  - store/memory: tests and demos

SEE ALSO:
  - generic/store.go: Transactor
*/
package lessons

import (
	"context"
	"time"

	"github.com/warp/lesson-engine/generic"
)

type StudentStore interface {
	SaveStudent(ctx context.Context, s Student) error
	GetStudent(ctx context.Context, id string) (*Student, error)
	UpdateStudentStatus(ctx context.Context, id string, status StudentStatus) error
	SetStudentCustomerID(ctx context.Context, id, customerID string) error
}

type CatalogStore interface {
	SaveMembershipType(ctx context.Context, m MembershipType) error
	GetMembershipType(ctx context.Context, id string) (*MembershipType, error)
	SaveLessonMaster(ctx context.Context, l LessonMaster) error
	GetLessonMaster(ctx context.Context, id string) (*LessonMaster, error)
	ListLessonMasters(ctx context.Context) ([]LessonMaster, error)
	LinkLessonMaster(ctx context.Context, link MembershipTypeLesson) error
	// ListMembershipLessons returns the lesson masters linked to a plan.
	ListMembershipLessons(ctx context.Context, membershipTypeID string) ([]LessonMaster, error)
}

type CoachStore interface {
	SaveCoach(ctx context.Context, c Coach) error
	GetCoach(ctx context.Context, id string) (*Coach, error)
	ListCoaches(ctx context.Context) ([]Coach, error)
	SaveRateSnapshot(ctx context.Context, snap RateSnapshot) error
	GetRateSnapshot(ctx context.Context, coachID, month string) (*RateSnapshot, error)
}

// UsageCounter is the read side the quota calculator depends on.
type UsageCounter interface {
	CountLessons(ctx context.Context, studentID string, p generic.Period) (int, error)
	CountSchedules(ctx context.Context, studentID string, p generic.Period) (int, error)
}

type LessonStore interface {
	UsageCounter
	SaveLesson(ctx context.Context, l Lesson) error
	ListCoachLessons(ctx context.Context, coachID string, p generic.Period) ([]Lesson, error)
}

type ScheduleStore interface {
	InsertSchedule(ctx context.Context, s LessonSchedule) error
	GetSchedule(ctx context.Context, id string) (*LessonSchedule, error)
	UpdateSchedule(ctx context.Context, s LessonSchedule, expect BillingStatus) error
	DeleteSchedule(ctx context.Context, id string) (bool, error)
	// ListSchedulesDue returns schedules in status whose BillingScheduledAt <= before.
	ListSchedulesDue(ctx context.Context, status BillingStatus, before time.Time) ([]LessonSchedule, error)
	FindScheduleByPaymentReference(ctx context.Context, ref string) (*LessonSchedule, error)
}

// Store is everything the engine persists.
type Store interface {
	StudentStore
	CatalogStore
	CoachStore
	LessonStore
	ScheduleStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store
	generic.Transactor[Store]
}
