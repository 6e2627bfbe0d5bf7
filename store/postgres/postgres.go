/*
Package postgres provides a PostgreSQL-backed lessons.TxStore using pgx.

PURPOSE:
  Hosted persistence for multi-instance deployments. Same tables and
  semantics as store/sqlite, in the Postgres dialect.

CONCURRENCY:
  WithTx runs at SERIALIZABLE isolation. Two bookings that both count the
  month's usage and insert conflict; Postgres aborts one with SQLSTATE
  40001 and WithTx reruns it from the top (up to maxTxAttempts).

SEE ALSO:
  - lessons/store.go: Interface definitions
  - store/sqlite: Embedded alternative
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

const maxTxAttempts = 3

// Store implements lessons.TxStore on a pgx pool.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

// New connects to databaseURL, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	s := &Store{queries: &queries{db: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS membership_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		monthly_lesson_limit INTEGER NOT NULL DEFAULT 0,
		max_rollover_limit INTEGER NOT NULL DEFAULT 0,
		fee BIGINT NOT NULL DEFAULT 0,
		default_lesson_master_id TEXT
	);
	CREATE TABLE IF NOT EXISTS lesson_masters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit_price BIGINT NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS membership_type_lessons (
		membership_type_id TEXT NOT NULL REFERENCES membership_types(id),
		lesson_master_id TEXT NOT NULL REFERENCES lesson_masters(id),
		reward_price BIGINT,
		PRIMARY KEY (membership_type_id, lesson_master_id)
	);
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		status TEXT NOT NULL,
		membership_type_id TEXT,
		next_membership_type_id TEXT,
		membership_started_at TIMESTAMPTZ,
		stripe_customer_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS coaches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		override_rate NUMERIC,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		coach_id TEXT NOT NULL,
		student_id TEXT,
		lesson_master_id TEXT,
		lesson_date TIMESTAMPTZ NOT NULL,
		price BIGINT NOT NULL DEFAULT 0,
		reward_price BIGINT,
		is_trial BOOLEAN NOT NULL DEFAULT FALSE,
		is_two_person BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_lessons_student_date ON lessons(student_id, lesson_date);
	CREATE INDEX IF NOT EXISTS idx_lessons_coach_date ON lessons(coach_id, lesson_date);
	CREATE TABLE IF NOT EXISTS lesson_schedules (
		id TEXT PRIMARY KEY,
		coach_id TEXT NOT NULL,
		student_id TEXT,
		lesson_master_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		is_overage BOOLEAN NOT NULL DEFAULT FALSE,
		billing_status TEXT NOT NULL,
		price BIGINT,
		billing_scheduled_at TIMESTAMPTZ,
		payment_reference TEXT,
		invoice_item_reference TEXT,
		refunded_amount BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_student_start ON lesson_schedules(student_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_schedules_due ON lesson_schedules(billing_status, billing_scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_schedules_payment_ref ON lesson_schedules(payment_reference)
		WHERE payment_reference IS NOT NULL;
	CREATE TABLE IF NOT EXISTS reward_snapshots (
		coach_id TEXT NOT NULL,
		month TEXT NOT NULL,
		rate NUMERIC NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (coach_id, month)
	);
	ALTER TABLE lesson_schedules ADD COLUMN IF NOT EXISTS refunded_amount BIGINT NOT NULL DEFAULT 0;
	`)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures. fn may therefore run more than once.
func (s *Store) WithTx(ctx context.Context, fn func(lessons.Store) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", maxTxAttempts, err)
}

func (s *Store) runTx(ctx context.Context, fn func(lessons.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

// =============================================================================
// STUDENTS
// =============================================================================

func (q *queries) SaveStudent(ctx context.Context, st lessons.Student) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO students (id, name, email, status, membership_type_id, next_membership_type_id,
		                      membership_started_at, stripe_customer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			membership_type_id = EXCLUDED.membership_type_id,
			next_membership_type_id = EXCLUDED.next_membership_type_id,
			membership_started_at = EXCLUDED.membership_started_at,
			stripe_customer_id = EXCLUDED.stripe_customer_id
	`, st.ID, st.Name, nullable(st.Email), string(st.Status), nullable(st.MembershipTypeID),
		nullable(st.NextMembershipTypeID), st.MembershipStartedAt, nullable(st.StripeCustomerID), st.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

func (q *queries) GetStudent(ctx context.Context, id string) (*lessons.Student, error) {
	var (
		st                                lessons.Student
		email, membership, next, customer *string
		status                            string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, name, email, status, membership_type_id, next_membership_type_id,
		       membership_started_at, stripe_customer_id, created_at
		FROM students WHERE id = $1
	`, id).Scan(&st.ID, &st.Name, &email, &status, &membership, &next, &st.MembershipStartedAt, &customer, &st.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	st.Email = deref(email)
	st.Status = lessons.StudentStatus(status)
	st.MembershipTypeID = deref(membership)
	st.NextMembershipTypeID = deref(next)
	st.StripeCustomerID = deref(customer)
	return &st, nil
}

func (q *queries) UpdateStudentStatus(ctx context.Context, id string, status lessons.StudentStatus) error {
	tag, err := q.db.Exec(ctx, `UPDATE students SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update student: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return generic.NotFound("postgres.UpdateStudentStatus", "student %s", id)
	}
	return nil
}

func (q *queries) SetStudentCustomerID(ctx context.Context, id, customerID string) error {
	tag, err := q.db.Exec(ctx, `UPDATE students SET stripe_customer_id = $1 WHERE id = $2`, customerID, id)
	if err != nil {
		return fmt.Errorf("failed to update student: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return generic.NotFound("postgres.SetStudentCustomerID", "student %s", id)
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (q *queries) SaveMembershipType(ctx context.Context, m lessons.MembershipType) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO membership_types (id, name, monthly_lesson_limit, max_rollover_limit, fee, default_lesson_master_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			monthly_lesson_limit = EXCLUDED.monthly_lesson_limit,
			max_rollover_limit = EXCLUDED.max_rollover_limit,
			fee = EXCLUDED.fee,
			default_lesson_master_id = EXCLUDED.default_lesson_master_id
	`, m.ID, m.Name, m.MonthlyLessonLimit, m.MaxRolloverLimit, m.Fee, nullable(m.DefaultLessonMasterID))
	if err != nil {
		return fmt.Errorf("failed to save membership type: %w", err)
	}
	return nil
}

func (q *queries) GetMembershipType(ctx context.Context, id string) (*lessons.MembershipType, error) {
	var (
		m   lessons.MembershipType
		def *string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, name, monthly_lesson_limit, max_rollover_limit, fee, default_lesson_master_id
		FROM membership_types WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.MonthlyLessonLimit, &m.MaxRolloverLimit, &m.Fee, &def)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get membership type: %w", err)
	}
	m.DefaultLessonMasterID = deref(def)
	return &m, nil
}

func (q *queries) SaveLessonMaster(ctx context.Context, l lessons.LessonMaster) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO lesson_masters (id, name, unit_price) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, unit_price = EXCLUDED.unit_price
	`, l.ID, l.Name, l.UnitPrice)
	if err != nil {
		return fmt.Errorf("failed to save lesson master: %w", err)
	}
	return nil
}

func (q *queries) GetLessonMaster(ctx context.Context, id string) (*lessons.LessonMaster, error) {
	var l lessons.LessonMaster
	err := q.db.QueryRow(ctx, `SELECT id, name, unit_price FROM lesson_masters WHERE id = $1`, id).
		Scan(&l.ID, &l.Name, &l.UnitPrice)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lesson master: %w", err)
	}
	return &l, nil
}

func (q *queries) ListLessonMasters(ctx context.Context) ([]lessons.LessonMaster, error) {
	return q.queryLessonMasters(ctx, `SELECT id, name, unit_price FROM lesson_masters ORDER BY name`)
}

func (q *queries) LinkLessonMaster(ctx context.Context, link lessons.MembershipTypeLesson) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO membership_type_lessons (membership_type_id, lesson_master_id, reward_price)
		VALUES ($1, $2, $3)
		ON CONFLICT (membership_type_id, lesson_master_id) DO UPDATE SET reward_price = EXCLUDED.reward_price
	`, link.MembershipTypeID, link.LessonMasterID, link.RewardPrice)
	if err != nil {
		return fmt.Errorf("failed to link lesson master: %w", err)
	}
	return nil
}

func (q *queries) ListMembershipLessons(ctx context.Context, membershipTypeID string) ([]lessons.LessonMaster, error) {
	return q.queryLessonMasters(ctx, `
		SELECT lm.id, lm.name, lm.unit_price
		FROM lesson_masters lm
		JOIN membership_type_lessons mtl ON mtl.lesson_master_id = lm.id
		WHERE mtl.membership_type_id = $1
		ORDER BY lm.name
	`, membershipTypeID)
}

func (q *queries) queryLessonMasters(ctx context.Context, query string, args ...any) ([]lessons.LessonMaster, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lesson masters: %w", err)
	}
	defer rows.Close()

	var out []lessons.LessonMaster
	for rows.Next() {
		var l lessons.LessonMaster
		if err := rows.Scan(&l.ID, &l.Name, &l.UnitPrice); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// =============================================================================
// COACHES & REWARD SNAPSHOTS
// =============================================================================

func (q *queries) SaveCoach(ctx context.Context, c lessons.Coach) error {
	var rate *string
	if c.OverrideRate != nil {
		r := c.OverrideRate.String()
		rate = &r
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO coaches (id, name, role, override_rate, created_at) VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role, override_rate = EXCLUDED.override_rate
	`, c.ID, c.Name, string(c.Role), rate, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save coach: %w", err)
	}
	return nil
}

func (q *queries) GetCoach(ctx context.Context, id string) (*lessons.Coach, error) {
	coaches, err := q.queryCoaches(ctx, `SELECT id, name, role, override_rate::text, created_at FROM coaches WHERE id = $1`, id)
	if err != nil || len(coaches) == 0 {
		return nil, err
	}
	return &coaches[0], nil
}

func (q *queries) ListCoaches(ctx context.Context) ([]lessons.Coach, error) {
	return q.queryCoaches(ctx, `SELECT id, name, role, override_rate::text, created_at FROM coaches ORDER BY id`)
}

func (q *queries) queryCoaches(ctx context.Context, query string, args ...any) ([]lessons.Coach, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query coaches: %w", err)
	}
	defer rows.Close()

	var out []lessons.Coach
	for rows.Next() {
		var (
			c    lessons.Coach
			role string
			rate *string
		)
		if err := rows.Scan(&c.ID, &c.Name, &role, &rate, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Role = lessons.Role(role)
		if rate != nil {
			d, err := decimal.NewFromString(*rate)
			if err != nil {
				return nil, fmt.Errorf("coach %s: bad override rate %q: %w", c.ID, *rate, err)
			}
			c.OverrideRate = &d
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) SaveRateSnapshot(ctx context.Context, snap lessons.RateSnapshot) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO reward_snapshots (coach_id, month, rate, computed_at) VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (coach_id, month) DO UPDATE SET rate = EXCLUDED.rate, computed_at = EXCLUDED.computed_at
	`, snap.CoachID, snap.Month, snap.Rate.String(), snap.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to save reward snapshot: %w", err)
	}
	return nil
}

func (q *queries) GetRateSnapshot(ctx context.Context, coachID, month string) (*lessons.RateSnapshot, error) {
	var (
		snap lessons.RateSnapshot
		rate string
	)
	err := q.db.QueryRow(ctx, `
		SELECT coach_id, month, rate::text, computed_at FROM reward_snapshots WHERE coach_id = $1 AND month = $2
	`, coachID, month).Scan(&snap.CoachID, &snap.Month, &rate, &snap.ComputedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get reward snapshot: %w", err)
	}
	if snap.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("bad snapshot rate %q: %w", rate, err)
	}
	return &snap, nil
}

// =============================================================================
// LESSONS & USAGE COUNTS
// =============================================================================

func (q *queries) SaveLesson(ctx context.Context, l lessons.Lesson) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO lessons (id, coach_id, student_id, lesson_master_id, lesson_date, price, reward_price, is_trial, is_two_person)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			lesson_date = EXCLUDED.lesson_date,
			price = EXCLUDED.price,
			reward_price = EXCLUDED.reward_price,
			is_trial = EXCLUDED.is_trial,
			is_two_person = EXCLUDED.is_two_person
	`, l.ID, l.CoachID, nullable(l.StudentID), nullable(l.LessonMasterID), l.LessonDate, l.Price, l.RewardPrice, l.IsTrial, l.IsTwoPerson)
	if err != nil {
		return fmt.Errorf("failed to save lesson: %w", err)
	}
	return nil
}

func (q *queries) ListCoachLessons(ctx context.Context, coachID string, p generic.Period) ([]lessons.Lesson, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, coach_id, student_id, lesson_master_id, lesson_date, price, reward_price, is_trial, is_two_person
		FROM lessons
		WHERE coach_id = $1 AND lesson_date >= $2 AND lesson_date < $3
		ORDER BY lesson_date
	`, coachID, p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	defer rows.Close()

	var out []lessons.Lesson
	for rows.Next() {
		var (
			l               lessons.Lesson
			student, master *string
		)
		if err := rows.Scan(&l.ID, &l.CoachID, &student, &master, &l.LessonDate, &l.Price, &l.RewardPrice, &l.IsTrial, &l.IsTwoPerson); err != nil {
			return nil, err
		}
		l.StudentID = deref(student)
		l.LessonMasterID = deref(master)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *queries) CountLessons(ctx context.Context, studentID string, p generic.Period) (int, error) {
	return q.count(ctx, `SELECT COUNT(*) FROM lessons WHERE student_id = $1 AND lesson_date >= $2 AND lesson_date < $3`, studentID, p)
}

func (q *queries) CountSchedules(ctx context.Context, studentID string, p generic.Period) (int, error) {
	return q.count(ctx, `SELECT COUNT(*) FROM lesson_schedules WHERE student_id = $1 AND start_time >= $2 AND start_time < $3`, studentID, p)
}

func (q *queries) count(ctx context.Context, query, studentID string, p generic.Period) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, query, studentID, p.Start, p.End).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return n, nil
}

// =============================================================================
// LESSON SCHEDULES
// =============================================================================

const scheduleColumns = `id, coach_id, student_id, lesson_master_id, title, start_time, end_time, is_overage,
	billing_status, price, billing_scheduled_at, payment_reference, invoice_item_reference, refunded_amount,
	created_at, updated_at`

func (q *queries) InsertSchedule(ctx context.Context, s lessons.LessonSchedule) error {
	_, err := q.db.Exec(ctx, `INSERT INTO lesson_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, s.CoachID, nullable(s.StudentID), nullable(s.LessonMasterID), s.Title, s.StartTime, s.EndTime,
		s.IsOverage, string(s.BillingStatus), s.Price, s.BillingScheduledAt,
		nullable(s.PaymentReference), nullable(s.InvoiceItemReference), s.RefundedAmount, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.Conflict("postgres.InsertSchedule", "schedule %s already exists", s.ID)
		}
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (q *queries) GetSchedule(ctx context.Context, id string) (*lessons.LessonSchedule, error) {
	return q.querySchedule(ctx, `SELECT `+scheduleColumns+` FROM lesson_schedules WHERE id = $1`, id)
}

func (q *queries) FindScheduleByPaymentReference(ctx context.Context, ref string) (*lessons.LessonSchedule, error) {
	return q.querySchedule(ctx, `SELECT `+scheduleColumns+` FROM lesson_schedules WHERE payment_reference = $1 LIMIT 1`, ref)
}

func (q *queries) UpdateSchedule(ctx context.Context, s lessons.LessonSchedule, expect lessons.BillingStatus) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE lesson_schedules SET
			billing_status = $1, price = $2, billing_scheduled_at = $3,
			payment_reference = $4, invoice_item_reference = $5, refunded_amount = $6, updated_at = $7
		WHERE id = $8 AND billing_status = $9
	`, string(s.BillingStatus), s.Price, s.BillingScheduledAt, nullable(s.PaymentReference),
		nullable(s.InvoiceItemReference), s.RefundedAmount, s.UpdatedAt, s.ID, string(expect))
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrConcurrentModification
	}
	return nil
}

func (q *queries) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM lesson_schedules WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete schedule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *queries) ListSchedulesDue(ctx context.Context, status lessons.BillingStatus, before time.Time) ([]lessons.LessonSchedule, error) {
	rows, err := q.db.Query(ctx, `SELECT `+scheduleColumns+`
		FROM lesson_schedules
		WHERE billing_status = $1 AND billing_scheduled_at IS NOT NULL AND billing_scheduled_at <= $2
		ORDER BY billing_scheduled_at
	`, string(status), before)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var out []lessons.LessonSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q *queries) querySchedule(ctx context.Context, query string, args ...any) (*lessons.LessonSchedule, error) {
	s, err := scanSchedule(q.db.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &s, nil
}

func scanSchedule(row pgx.Row) (lessons.LessonSchedule, error) {
	var (
		s                          lessons.LessonSchedule
		student, master, ref, item *string
		status                     string
	)
	err := row.Scan(&s.ID, &s.CoachID, &student, &master, &s.Title, &s.StartTime, &s.EndTime, &s.IsOverage,
		&status, &s.Price, &s.BillingScheduledAt, &ref, &item, &s.RefundedAmount, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.StudentID = deref(student)
	s.LessonMasterID = deref(master)
	s.BillingStatus = lessons.BillingStatus(status)
	s.PaymentReference = deref(ref)
	s.InvoiceItemReference = deref(item)
	return s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
