package generic

import "time"

// =============================================================================
// PERIOD - Half-open range of instants
// =============================================================================

// Period is [Start, End). Usage counting, reward windows and due-billing
// scans are all expressed as periods.
//
// Examples:
//   - March 2025 (JST): 2025-03-01T00:00+09:00 .. 2025-04-01T00:00+09:00
//   - Trailing quarter before April: Jan 1 .. Apr 1 (JST)
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Valid reports whether End is after Start.
func (p Period) Valid() bool {
	return p.End.After(p.Start)
}

// TrailingMonths returns the n full JST months immediately preceding m.
func TrailingMonths(m Month, n int) Period {
	return Period{Start: m.AddMonths(-n).Start(), End: m.Start()}
}

// Months lists the JST months overlapping the period, oldest first.
func (p Period) Months() []Month {
	var months []Month
	if !p.Valid() {
		return months
	}
	last := MonthOf(p.End.Add(-time.Nanosecond))
	for m := MonthOf(p.Start); !last.Before(m); m = m.Next() {
		months = append(months, m)
	}
	return months
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.In(JST).Format(time.RFC3339) + ", " + p.End.In(JST).Format(time.RFC3339) + ")"
}
