// Package memory provides an in-memory lessons.TxStore for tests and demos.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex // held by WithTx and by every write outside it
	st   state
}

type state struct {
	students    map[string]lessons.Student
	memberships map[string]lessons.MembershipType
	masters     map[string]lessons.LessonMaster
	links       map[string][]lessons.MembershipTypeLesson
	coaches     map[string]lessons.Coach
	snapshots   map[snapKey]lessons.RateSnapshot
	lessons     map[string]lessons.Lesson
	schedules   map[string]lessons.LessonSchedule
}

type snapKey struct {
	CoachID string
	Month   string
}

func New() *Store {
	return &Store{st: newState()}
}

func newState() state {
	return state{
		students:    make(map[string]lessons.Student),
		memberships: make(map[string]lessons.MembershipType),
		masters:     make(map[string]lessons.LessonMaster),
		links:       make(map[string][]lessons.MembershipTypeLesson),
		coaches:     make(map[string]lessons.Coach),
		snapshots:   make(map[snapKey]lessons.RateSnapshot),
		lessons:     make(map[string]lessons.Lesson),
		schedules:   make(map[string]lessons.LessonSchedule),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.students {
		c.students[k] = v
	}
	for k, v := range s.memberships {
		c.memberships[k] = v
	}
	for k, v := range s.masters {
		c.masters[k] = v
	}
	for k, v := range s.links {
		c.links[k] = append([]lessons.MembershipTypeLesson(nil), v...)
	}
	for k, v := range s.coaches {
		c.coaches[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range s.lessons {
		c.lessons[k] = v
	}
	for k, v := range s.schedules {
		c.schedules[k] = v
	}
	return c
}

// WithTx runs fn with every other writer excluded: plain Store writes wait
// on the same lock, so restoring the saved state on failure only undoes
// what fn wrote. fn's writes are discarded when fn fails or ctx is done.
func (m *Store) WithTx(ctx context.Context, fn func(lessons.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	saved := m.st.clone()
	m.mu.RUnlock()

	err := fn(&tx{m})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.mu.Lock()
		m.st = saved
		m.mu.Unlock()
		return err
	}
	return nil
}

// write applies a change outside any transaction.
func (m *Store) write(fn func(st *state) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.apply(fn)
}

func (m *Store) apply(fn func(st *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&m.st)
}

// tx is the Store handed to a WithTx callback. Reads go through the
// embedded Store; writes skip txMu, which WithTx already holds.
type tx struct {
	*Store
}

func (t *tx) SaveStudent(_ context.Context, s lessons.Student) error {
	return t.apply(func(st *state) error { return st.saveStudent(s) })
}

func (t *tx) UpdateStudentStatus(_ context.Context, id string, status lessons.StudentStatus) error {
	return t.apply(func(st *state) error { return st.updateStudentStatus(id, status) })
}

func (t *tx) SetStudentCustomerID(_ context.Context, id, customerID string) error {
	return t.apply(func(st *state) error { return st.setStudentCustomerID(id, customerID) })
}

func (t *tx) SaveMembershipType(_ context.Context, mt lessons.MembershipType) error {
	return t.apply(func(st *state) error { return st.saveMembershipType(mt) })
}

func (t *tx) SaveLessonMaster(_ context.Context, l lessons.LessonMaster) error {
	return t.apply(func(st *state) error { return st.saveLessonMaster(l) })
}

func (t *tx) LinkLessonMaster(_ context.Context, link lessons.MembershipTypeLesson) error {
	return t.apply(func(st *state) error { return st.linkLessonMaster(link) })
}

func (t *tx) SaveCoach(_ context.Context, c lessons.Coach) error {
	return t.apply(func(st *state) error { return st.saveCoach(c) })
}

func (t *tx) SaveRateSnapshot(_ context.Context, snap lessons.RateSnapshot) error {
	return t.apply(func(st *state) error { return st.saveRateSnapshot(snap) })
}

func (t *tx) SaveLesson(_ context.Context, l lessons.Lesson) error {
	return t.apply(func(st *state) error { return st.saveLesson(l) })
}

func (t *tx) InsertSchedule(_ context.Context, s lessons.LessonSchedule) error {
	return t.apply(func(st *state) error { return st.insertSchedule(s) })
}

func (t *tx) UpdateSchedule(_ context.Context, s lessons.LessonSchedule, expect lessons.BillingStatus) error {
	return t.apply(func(st *state) error { return st.updateSchedule(s, expect) })
}

func (t *tx) DeleteSchedule(_ context.Context, id string) (bool, error) {
	var deleted bool
	err := t.apply(func(st *state) error {
		deleted = st.deleteSchedule(id)
		return nil
	})
	return deleted, err
}

// =============================================================================
// STUDENTS
// =============================================================================

func (m *Store) SaveStudent(_ context.Context, s lessons.Student) error {
	return m.write(func(st *state) error { return st.saveStudent(s) })
}

func (st *state) saveStudent(s lessons.Student) error {
	st.students[s.ID] = s
	return nil
}

func (m *Store) GetStudent(_ context.Context, id string) (*lessons.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.st.students[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Store) UpdateStudentStatus(_ context.Context, id string, status lessons.StudentStatus) error {
	return m.write(func(st *state) error { return st.updateStudentStatus(id, status) })
}

func (st *state) updateStudentStatus(id string, status lessons.StudentStatus) error {
	s, ok := st.students[id]
	if !ok {
		return generic.NotFound("memory.UpdateStudentStatus", "student %s", id)
	}
	s.Status = status
	st.students[id] = s
	return nil
}

func (m *Store) SetStudentCustomerID(_ context.Context, id, customerID string) error {
	return m.write(func(st *state) error { return st.setStudentCustomerID(id, customerID) })
}

func (st *state) setStudentCustomerID(id, customerID string) error {
	s, ok := st.students[id]
	if !ok {
		return generic.NotFound("memory.SetStudentCustomerID", "student %s", id)
	}
	s.StripeCustomerID = customerID
	st.students[id] = s
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Store) SaveMembershipType(_ context.Context, t lessons.MembershipType) error {
	return m.write(func(st *state) error { return st.saveMembershipType(t) })
}

func (st *state) saveMembershipType(t lessons.MembershipType) error {
	st.memberships[t.ID] = t
	return nil
}

func (m *Store) GetMembershipType(_ context.Context, id string) (*lessons.MembershipType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.st.memberships[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Store) SaveLessonMaster(_ context.Context, l lessons.LessonMaster) error {
	return m.write(func(st *state) error { return st.saveLessonMaster(l) })
}

func (st *state) saveLessonMaster(l lessons.LessonMaster) error {
	st.masters[l.ID] = l
	return nil
}

func (m *Store) GetLessonMaster(_ context.Context, id string) (*lessons.LessonMaster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.st.masters[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *Store) ListLessonMasters(_ context.Context) ([]lessons.LessonMaster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]lessons.LessonMaster, 0, len(m.st.masters))
	for _, l := range m.st.masters {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Store) LinkLessonMaster(_ context.Context, link lessons.MembershipTypeLesson) error {
	return m.write(func(st *state) error { return st.linkLessonMaster(link) })
}

func (st *state) linkLessonMaster(link lessons.MembershipTypeLesson) error {
	links := st.links[link.MembershipTypeID]
	for i, l := range links {
		if l.LessonMasterID == link.LessonMasterID {
			links[i] = link
			return nil
		}
	}
	st.links[link.MembershipTypeID] = append(links, link)
	return nil
}

func (m *Store) ListMembershipLessons(_ context.Context, membershipTypeID string) ([]lessons.LessonMaster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []lessons.LessonMaster
	for _, link := range m.st.links[membershipTypeID] {
		if l, ok := m.st.masters[link.LessonMasterID]; ok {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// =============================================================================
// COACHES
// =============================================================================

func (m *Store) SaveCoach(_ context.Context, c lessons.Coach) error {
	return m.write(func(st *state) error { return st.saveCoach(c) })
}

func (st *state) saveCoach(c lessons.Coach) error {
	st.coaches[c.ID] = c
	return nil
}

func (m *Store) GetCoach(_ context.Context, id string) (*lessons.Coach, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.st.coaches[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Store) ListCoaches(_ context.Context) ([]lessons.Coach, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]lessons.Coach, 0, len(m.st.coaches))
	for _, c := range m.st.coaches {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) SaveRateSnapshot(_ context.Context, snap lessons.RateSnapshot) error {
	return m.write(func(st *state) error { return st.saveRateSnapshot(snap) })
}

func (st *state) saveRateSnapshot(snap lessons.RateSnapshot) error {
	st.snapshots[snapKey{snap.CoachID, snap.Month}] = snap
	return nil
}

func (m *Store) GetRateSnapshot(_ context.Context, coachID, month string) (*lessons.RateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.st.snapshots[snapKey{coachID, month}]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// =============================================================================
// LESSONS
// =============================================================================

func (m *Store) SaveLesson(_ context.Context, l lessons.Lesson) error {
	return m.write(func(st *state) error { return st.saveLesson(l) })
}

func (st *state) saveLesson(l lessons.Lesson) error {
	st.lessons[l.ID] = l
	return nil
}

func (m *Store) ListCoachLessons(_ context.Context, coachID string, p generic.Period) ([]lessons.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []lessons.Lesson
	for _, l := range m.st.lessons {
		if l.CoachID == coachID && p.Contains(l.LessonDate) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessonDate.Before(out[j].LessonDate) })
	return out, nil
}

func (m *Store) CountLessons(_ context.Context, studentID string, p generic.Period) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.st.lessons {
		if l.StudentID == studentID && p.Contains(l.LessonDate) {
			n++
		}
	}
	return n, nil
}

func (m *Store) CountSchedules(_ context.Context, studentID string, p generic.Period) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.st.schedules {
		if s.StudentID == studentID && p.Contains(s.StartTime) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// SCHEDULES
// =============================================================================

func (m *Store) InsertSchedule(_ context.Context, s lessons.LessonSchedule) error {
	return m.write(func(st *state) error { return st.insertSchedule(s) })
}

func (st *state) insertSchedule(s lessons.LessonSchedule) error {
	if _, exists := st.schedules[s.ID]; exists {
		return generic.Conflict("memory.InsertSchedule", "schedule %s already exists", s.ID)
	}
	st.schedules[s.ID] = s
	return nil
}

func (m *Store) GetSchedule(_ context.Context, id string) (*lessons.LessonSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.st.schedules[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Store) UpdateSchedule(_ context.Context, s lessons.LessonSchedule, expect lessons.BillingStatus) error {
	return m.write(func(st *state) error { return st.updateSchedule(s, expect) })
}

func (st *state) updateSchedule(s lessons.LessonSchedule, expect lessons.BillingStatus) error {
	cur, ok := st.schedules[s.ID]
	if !ok || cur.BillingStatus != expect {
		return generic.ErrConcurrentModification
	}
	st.schedules[s.ID] = s
	return nil
}

func (m *Store) DeleteSchedule(_ context.Context, id string) (bool, error) {
	var deleted bool
	err := m.write(func(st *state) error {
		deleted = st.deleteSchedule(id)
		return nil
	})
	return deleted, err
}

func (st *state) deleteSchedule(id string) bool {
	if _, ok := st.schedules[id]; !ok {
		return false
	}
	delete(st.schedules, id)
	return true
}

func (m *Store) ListSchedulesDue(_ context.Context, status lessons.BillingStatus, before time.Time) ([]lessons.LessonSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []lessons.LessonSchedule
	for _, s := range m.st.schedules {
		if s.BillingStatus == status && s.BillingScheduledAt != nil && !s.BillingScheduledAt.After(before) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BillingScheduledAt.Before(*out[j].BillingScheduledAt) })
	return out, nil
}

func (m *Store) FindScheduleByPaymentReference(_ context.Context, ref string) (*lessons.LessonSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.st.schedules {
		if s.PaymentReference == ref {
			return &s, nil
		}
	}
	return nil, nil
}
