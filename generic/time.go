/*
time.go - Civil time for a business that runs on Japan Standard Time

PURPOSE:
  Every instant is stored in UTC, but month boundaries, month codes and
  billing cut-offs are civil concepts evaluated in JST (fixed UTC+9).
  00:00 JST on the 1st is 15:00 UTC on the last day of the prior month,
  so a naive UTC comparison puts a student who joined on the 1st in the
  wrong month.

KEY CONCEPTS:
  Clock:  Source of "now". Always injected, never read ad hoc.
  Month:  A JST calendar month; Code() is year*100+month.
  CivilAt: Builds an instant from a JST calendar date and hour.

SEE ALSO:
  - period.go: Half-open instant ranges built from months
  - billing/status.go: Billing deadline built on CivilAt
*/
package generic

import (
	"fmt"
	"sync"
	"time"
)

// JST is the zone every civil computation is done in.
var JST = time.FixedZone("JST", 9*60*60)

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a settable instant. Safe for concurrent use.
type FixedClock struct {
	mu sync.RWMutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// MONTH - JST calendar month
// =============================================================================

type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the JST month containing t.
func MonthOf(t time.Time) Month {
	j := t.In(JST)
	return Month{Year: j.Year(), Month: j.Month()}
}

// ParseMonth accepts "2006-01".
func ParseMonth(s string) (Month, error) {
	t, err := time.ParseInLocation("2006-01", s, JST)
	if err != nil {
		return Month{}, fmt.Errorf("%w: month %q must be YYYY-MM", ErrInvalid, s)
	}
	return MonthOf(t), nil
}

// Code is year*100+month, the value month comparisons are made on.
func (m Month) Code() int { return m.Year*100 + int(m.Month) }

// Start is 00:00 JST on the 1st.
func (m Month) Start() time.Time { return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, JST) }

// End is the start of the following month (exclusive bound).
func (m Month) End() time.Time { return m.Start().AddDate(0, 1, 0) }

func (m Month) AddMonths(n int) Month { return MonthOf(m.Start().AddDate(0, n, 0)) }
func (m Month) Prev() Month { return m.AddMonths(-1) }
func (m Month) Next() Month { return m.AddMonths(1) }
func (m Month) Before(o Month) bool { return m.Code() < o.Code() }
func (m Month) Period() Period { return Period{Start: m.Start(), End: m.End()} }
func (m Month) Contains(t time.Time) bool { return MonthOf(t) == m }
func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

// =============================================================================
// CIVIL DATES
// =============================================================================

// CivilAt returns hour:00 JST on the JST calendar day of t shifted by dayOffset.
func CivilAt(t time.Time, dayOffset, hour int) time.Time {
	j := t.In(JST)
	return time.Date(j.Year(), j.Month(), j.Day()+dayOffset, hour, 0, 0, 0, JST)
}

// ParseDate accepts "2006-01-02" (midnight JST) or an RFC3339 instant.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, JST); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD or RFC3339", ErrInvalid, s)
	}
	return t, nil
}
