/*
Package sqlite provides a SQLite-backed implementation of lessons.TxStore.

PURPOSE:
  Embedded persistence for single-instance deployments. Every lesson
  engine table lives in one file; tests use ":memory:".

KEY TABLES:
  students, membership_types, lesson_masters, membership_type_lessons:
                      Catalog and plan holders
  coaches:            Coach records with optional override rate
  lessons:            Held lessons (count against quota, feed rewards)
  lesson_schedules:   Booked slots and their billing status
  reward_snapshots:   Frozen monthly reward rates

INDEXES:
  - idx_schedules_student_start: Quota counting (hot path)
  - idx_lessons_student_date:    Quota counting
  - idx_lessons_coach_date:      Reward statistics
  - idx_schedules_due:           Deferred billing scan
  - idx_schedules_payment_ref:   Webhook lookups

CONCURRENCY:
  The DSN sets _txlock=immediate so WithTx takes the write lock at BEGIN.
  A booking's usage count and insert therefore see no interleaved writer.
  A process-local mutex additionally serializes WithTx callers so they
  queue in Go instead of spinning on SQLITE_BUSY.

TIMESTAMPS:
  Stored as fixed-width UTC text (tsLayout) so lexical order equals time
  order and range predicates can use plain string comparison.

USAGE:
  store, err := sqlite.New("./data/lessons.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - lessons/store.go: Interface definitions
  - store/postgres: Hosted alternative
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store implements lessons.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: &queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS membership_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		monthly_lesson_limit INTEGER NOT NULL DEFAULT 0,
		max_rollover_limit INTEGER NOT NULL DEFAULT 0,
		fee INTEGER NOT NULL DEFAULT 0,
		default_lesson_master_id TEXT
	);

	CREATE TABLE IF NOT EXISTS lesson_masters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit_price INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS membership_type_lessons (
		membership_type_id TEXT NOT NULL REFERENCES membership_types(id),
		lesson_master_id TEXT NOT NULL REFERENCES lesson_masters(id),
		reward_price INTEGER,
		PRIMARY KEY (membership_type_id, lesson_master_id)
	);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		status TEXT NOT NULL,
		membership_type_id TEXT,
		next_membership_type_id TEXT,
		membership_started_at TEXT,
		stripe_customer_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS coaches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		override_rate TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		coach_id TEXT NOT NULL,
		student_id TEXT,
		lesson_master_id TEXT,
		lesson_date TEXT NOT NULL,
		price INTEGER NOT NULL DEFAULT 0,
		reward_price INTEGER,
		is_trial INTEGER NOT NULL DEFAULT 0,
		is_two_person INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_lessons_student_date ON lessons(student_id, lesson_date);
	CREATE INDEX IF NOT EXISTS idx_lessons_coach_date ON lessons(coach_id, lesson_date);

	CREATE TABLE IF NOT EXISTS lesson_schedules (
		id TEXT PRIMARY KEY,
		coach_id TEXT NOT NULL,
		student_id TEXT,
		lesson_master_id TEXT,
		title TEXT,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		is_overage INTEGER NOT NULL DEFAULT 0,
		billing_status TEXT NOT NULL,
		price INTEGER,
		billing_scheduled_at TEXT,
		payment_reference TEXT,
		invoice_item_reference TEXT,
		refunded_amount INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_student_start ON lesson_schedules(student_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_schedules_due ON lesson_schedules(billing_status, billing_scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_schedules_payment_ref
		ON lesson_schedules(payment_reference) WHERE payment_reference IS NOT NULL;

	CREATE TABLE IF NOT EXISTS reward_snapshots (
		coach_id TEXT NOT NULL,
		month TEXT NOT NULL,
		rate TEXT NOT NULL,
		computed_at TEXT NOT NULL,
		PRIMARY KEY (coach_id, month)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// databases created before partial refunds were tracked
	return s.addColumn("lesson_schedules", "refunded_amount", "INTEGER NOT NULL DEFAULT 0")
}

func (s *Store) addColumn(table, column, decl string) error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn inside BEGIN IMMEDIATE ... COMMIT.
func (s *Store) WithTx(ctx context.Context, fn func(lessons.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements lessons.Store over a connection or a transaction.
type queries struct {
	db dbtx
}

// =============================================================================
// STUDENTS
// =============================================================================

func (q *queries) SaveStudent(ctx context.Context, st lessons.Student) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO students (id, name, email, status, membership_type_id, next_membership_type_id,
		                      membership_started_at, stripe_customer_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			status = excluded.status,
			membership_type_id = excluded.membership_type_id,
			next_membership_type_id = excluded.next_membership_type_id,
			membership_started_at = excluded.membership_started_at,
			stripe_customer_id = excluded.stripe_customer_id
	`,
		st.ID, st.Name, nullString(st.Email), string(st.Status),
		nullString(st.MembershipTypeID), nullString(st.NextMembershipTypeID),
		nullTime(st.MembershipStartedAt), nullString(st.StripeCustomerID), formatTime(st.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

func (q *queries) GetStudent(ctx context.Context, id string) (*lessons.Student, error) {
	var (
		st                                     lessons.Student
		email, membership, next, started, cust sql.NullString
		status, created                        string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, email, status, membership_type_id, next_membership_type_id,
		       membership_started_at, stripe_customer_id, created_at
		FROM students WHERE id = ?
	`, id).Scan(&st.ID, &st.Name, &email, &status, &membership, &next, &started, &cust, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}

	st.Email = email.String
	st.Status = lessons.StudentStatus(status)
	st.MembershipTypeID = membership.String
	st.NextMembershipTypeID = next.String
	st.StripeCustomerID = cust.String
	if st.MembershipStartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &st, nil
}

func (q *queries) UpdateStudentStatus(ctx context.Context, id string, status lessons.StudentStatus) error {
	return q.updateStudent(ctx, "UpdateStudentStatus", `UPDATE students SET status = ? WHERE id = ?`, string(status), id)
}

func (q *queries) SetStudentCustomerID(ctx context.Context, id, customerID string) error {
	return q.updateStudent(ctx, "SetStudentCustomerID", `UPDATE students SET stripe_customer_id = ? WHERE id = ?`, customerID, id)
}

func (q *queries) updateStudent(ctx context.Context, op, query string, value, id string) error {
	res, err := q.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("failed to update student: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.NotFound("sqlite."+op, "student %s", id)
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (q *queries) SaveMembershipType(ctx context.Context, m lessons.MembershipType) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO membership_types
		(id, name, monthly_lesson_limit, max_rollover_limit, fee, default_lesson_master_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			monthly_lesson_limit = excluded.monthly_lesson_limit,
			max_rollover_limit = excluded.max_rollover_limit,
			fee = excluded.fee,
			default_lesson_master_id = excluded.default_lesson_master_id
	`, m.ID, m.Name, m.MonthlyLessonLimit, m.MaxRolloverLimit, m.Fee, nullString(m.DefaultLessonMasterID))
	if err != nil {
		return fmt.Errorf("failed to save membership type: %w", err)
	}
	return nil
}

func (q *queries) GetMembershipType(ctx context.Context, id string) (*lessons.MembershipType, error) {
	var (
		m   lessons.MembershipType
		def sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, monthly_lesson_limit, max_rollover_limit, fee, default_lesson_master_id
		FROM membership_types WHERE id = ?
	`, id).Scan(&m.ID, &m.Name, &m.MonthlyLessonLimit, &m.MaxRolloverLimit, &m.Fee, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership type: %w", err)
	}
	m.DefaultLessonMasterID = def.String
	return &m, nil
}

func (q *queries) SaveLessonMaster(ctx context.Context, l lessons.LessonMaster) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO lesson_masters (id, name, unit_price) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, unit_price = excluded.unit_price
	`, l.ID, l.Name, l.UnitPrice)
	if err != nil {
		return fmt.Errorf("failed to save lesson master: %w", err)
	}
	return nil
}

func (q *queries) GetLessonMaster(ctx context.Context, id string) (*lessons.LessonMaster, error) {
	var l lessons.LessonMaster
	err := q.db.QueryRowContext(ctx, `SELECT id, name, unit_price FROM lesson_masters WHERE id = ?`, id).
		Scan(&l.ID, &l.Name, &l.UnitPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lesson master: %w", err)
	}
	return &l, nil
}

func (q *queries) ListLessonMasters(ctx context.Context) ([]lessons.LessonMaster, error) {
	return q.queryLessonMasters(ctx, `SELECT id, name, unit_price FROM lesson_masters ORDER BY name`)
}

func (q *queries) LinkLessonMaster(ctx context.Context, link lessons.MembershipTypeLesson) error {
	var reward sql.NullInt64
	if link.RewardPrice != nil {
		reward = sql.NullInt64{Int64: *link.RewardPrice, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO membership_type_lessons (membership_type_id, lesson_master_id, reward_price)
		VALUES (?, ?, ?)
	`, link.MembershipTypeID, link.LessonMasterID, reward)
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
		WHERE mtl.membership_type_id = ?
		ORDER BY lm.name
	`, membershipTypeID)
}

func (q *queries) queryLessonMasters(ctx context.Context, query string, args ...any) ([]lessons.LessonMaster, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
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
	var rate sql.NullString
	if c.OverrideRate != nil {
		rate = sql.NullString{String: c.OverrideRate.String(), Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO coaches (id, name, role, override_rate, created_at) VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.Name, string(c.Role), rate, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save coach: %w", err)
	}
	return nil
}

func (q *queries) GetCoach(ctx context.Context, id string) (*lessons.Coach, error) {
	coaches, err := q.queryCoaches(ctx, `SELECT id, name, role, override_rate, created_at FROM coaches WHERE id = ?`, id)
	if err != nil || len(coaches) == 0 {
		return nil, err
	}
	return &coaches[0], nil
}

func (q *queries) ListCoaches(ctx context.Context) ([]lessons.Coach, error) {
	return q.queryCoaches(ctx, `SELECT id, name, role, override_rate, created_at FROM coaches ORDER BY id`)
}

func (q *queries) queryCoaches(ctx context.Context, query string, args ...any) ([]lessons.Coach, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query coaches: %w", err)
	}
	defer rows.Close()

	var out []lessons.Coach
	for rows.Next() {
		var (
			c             lessons.Coach
			role, created string
			rate          sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &role, &rate, &created); err != nil {
			return nil, err
		}
		c.Role = lessons.Role(role)
		if rate.Valid {
			d, err := decimal.NewFromString(rate.String)
			if err != nil {
				return nil, fmt.Errorf("coach %s: bad override rate %q: %w", c.ID, rate.String, err)
			}
			c.OverrideRate = &d
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) SaveRateSnapshot(ctx context.Context, snap lessons.RateSnapshot) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reward_snapshots (coach_id, month, rate, computed_at) VALUES (?, ?, ?, ?)
	`, snap.CoachID, snap.Month, snap.Rate.String(), formatTime(snap.ComputedAt))
	if err != nil {
		return fmt.Errorf("failed to save reward snapshot: %w", err)
	}
	return nil
}

func (q *queries) GetRateSnapshot(ctx context.Context, coachID, month string) (*lessons.RateSnapshot, error) {
	var (
		snap           lessons.RateSnapshot
		rate, computed string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT coach_id, month, rate, computed_at FROM reward_snapshots WHERE coach_id = ? AND month = ?
	`, coachID, month).Scan(&snap.CoachID, &snap.Month, &rate, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reward snapshot: %w", err)
	}
	if snap.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("bad snapshot rate %q: %w", rate, err)
	}
	if snap.ComputedAt, err = parseTime(computed); err != nil {
		return nil, err
	}
	return &snap, nil
}

// =============================================================================
// LESSONS & USAGE COUNTS
// =============================================================================

func (q *queries) SaveLesson(ctx context.Context, l lessons.Lesson) error {
	var reward sql.NullInt64
	if l.RewardPrice != nil {
		reward = sql.NullInt64{Int64: *l.RewardPrice, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO lessons
		(id, coach_id, student_id, lesson_master_id, lesson_date, price, reward_price, is_trial, is_two_person)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.CoachID, nullString(l.StudentID), nullString(l.LessonMasterID), formatTime(l.LessonDate),
		l.Price, reward, l.IsTrial, l.IsTwoPerson)
	if err != nil {
		return fmt.Errorf("failed to save lesson: %w", err)
	}
	return nil
}

func (q *queries) ListCoachLessons(ctx context.Context, coachID string, p generic.Period) ([]lessons.Lesson, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, coach_id, student_id, lesson_master_id, lesson_date, price, reward_price, is_trial, is_two_person
		FROM lessons
		WHERE coach_id = ? AND lesson_date >= ? AND lesson_date < ?
		ORDER BY lesson_date
	`, coachID, formatTime(p.Start), formatTime(p.End))
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	defer rows.Close()

	var out []lessons.Lesson
	for rows.Next() {
		var (
			l               lessons.Lesson
			student, master sql.NullString
			date            string
			reward          sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.CoachID, &student, &master, &date, &l.Price, &reward, &l.IsTrial, &l.IsTwoPerson); err != nil {
			return nil, err
		}
		l.StudentID = student.String
		l.LessonMasterID = master.String
		if reward.Valid {
			v := reward.Int64
			l.RewardPrice = &v
		}
		if l.LessonDate, err = parseTime(date); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *queries) CountLessons(ctx context.Context, studentID string, p generic.Period) (int, error) {
	return q.count(ctx, `
		SELECT COUNT(*) FROM lessons WHERE student_id = ? AND lesson_date >= ? AND lesson_date < ?
	`, studentID, p)
}

func (q *queries) CountSchedules(ctx context.Context, studentID string, p generic.Period) (int, error) {
	return q.count(ctx, `
		SELECT COUNT(*) FROM lesson_schedules WHERE student_id = ? AND start_time >= ? AND start_time < ?
	`, studentID, p)
}

func (q *queries) count(ctx context.Context, query, studentID string, p generic.Period) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, query, studentID, formatTime(p.Start), formatTime(p.End)).Scan(&n); err != nil {
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
	_, err := q.db.ExecContext(ctx, `INSERT INTO lesson_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CoachID, nullString(s.StudentID), nullString(s.LessonMasterID), s.Title,
		formatTime(s.StartTime), formatTime(s.EndTime), s.IsOverage, string(s.BillingStatus),
		nullYen(s.Price), nullTime(s.BillingScheduledAt), nullString(s.PaymentReference),
		nullString(s.InvoiceItemReference), s.RefundedAmount, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.Conflict("sqlite.InsertSchedule", "schedule %s already exists", s.ID)
		}
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (q *queries) GetSchedule(ctx context.Context, id string) (*lessons.LessonSchedule, error) {
	return q.querySchedule(ctx, `SELECT `+scheduleColumns+` FROM lesson_schedules WHERE id = ?`, id)
}

func (q *queries) FindScheduleByPaymentReference(ctx context.Context, ref string) (*lessons.LessonSchedule, error) {
	return q.querySchedule(ctx, `SELECT `+scheduleColumns+` FROM lesson_schedules WHERE payment_reference = ? LIMIT 1`, ref)
}

// UpdateSchedule writes every mutable column, guarded by the expected status.
func (q *queries) UpdateSchedule(ctx context.Context, s lessons.LessonSchedule, expect lessons.BillingStatus) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE lesson_schedules SET
			billing_status = ?, price = ?, billing_scheduled_at = ?,
			payment_reference = ?, invoice_item_reference = ?, refunded_amount = ?, updated_at = ?
		WHERE id = ? AND billing_status = ?
	`, string(s.BillingStatus), nullYen(s.Price), nullTime(s.BillingScheduledAt),
		nullString(s.PaymentReference), nullString(s.InvoiceItemReference), s.RefundedAmount, formatTime(s.UpdatedAt),
		s.ID, string(expect))
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrConcurrentModification
	}
	return nil
}

func (q *queries) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM lesson_schedules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *queries) ListSchedulesDue(ctx context.Context, status lessons.BillingStatus, before time.Time) ([]lessons.LessonSchedule, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+scheduleColumns+`
		FROM lesson_schedules
		WHERE billing_status = ? AND billing_scheduled_at IS NOT NULL AND billing_scheduled_at <= ?
		ORDER BY billing_scheduled_at
	`, string(status), formatTime(before))
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
	s, err := scanSchedule(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (lessons.LessonSchedule, error) {
	var (
		s                                     lessons.LessonSchedule
		student, master, ref, item, scheduled sql.NullString
		title                                 sql.NullString
		start, end, status, created, updated  string
		price                                 sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.CoachID, &student, &master, &title, &start, &end, &s.IsOverage,
		&status, &price, &scheduled, &ref, &item, &s.RefundedAmount, &created, &updated)
	if err != nil {
		return s, err
	}

	s.StudentID = student.String
	s.LessonMasterID = master.String
	s.Title = title.String
	s.BillingStatus = lessons.BillingStatus(status)
	s.PaymentReference = ref.String
	s.InvoiceItemReference = item.String
	if price.Valid {
		v := price.Int64
		s.Price = &v
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&s.StartTime, start}, {&s.EndTime, end}, {&s.CreatedAt, created}, {&s.UpdatedAt, updated}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return s, err
		}
	}
	if s.BillingScheduledAt, err = parseNullTime(scheduled); err != nil {
		return s, err
	}
	return s, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullYen(v *generic.Yen) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
