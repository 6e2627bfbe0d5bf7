package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to lessons.BillingStatus
		want     bool
	}{
		{lessons.StatusAwaitingApproval, lessons.StatusApproved, true},
		{lessons.StatusAwaitingApproval, lessons.StatusAwaitingPayment, true},
		{lessons.StatusAwaitingApproval, lessons.StatusReadyToInvoice, true},
		{lessons.StatusApproved, lessons.StatusAwaitingPayment, true},
		{lessons.StatusReadyToInvoice, lessons.StatusInvoiced, true},
		{lessons.StatusAwaitingPayment, lessons.StatusPaid, true},
		{lessons.StatusPaid, lessons.StatusPartiallyRefunded, true},
		{lessons.StatusPartiallyRefunded, lessons.StatusRefunded, true},
		{lessons.StatusPending, lessons.StatusPaid, true},

		{lessons.StatusPaid, lessons.StatusAwaitingPayment, false},
		{lessons.StatusRefunded, lessons.StatusPaid, false},
		{lessons.StatusPending, lessons.StatusAwaitingApproval, false},
		{lessons.StatusAwaitingPayment, lessons.StatusRefunded, false},
		{lessons.StatusApproved, lessons.StatusAwaitingApproval, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsSettled(t *testing.T) {
	assert.True(t, IsSettled(lessons.StatusPaid))
	assert.True(t, IsSettled(lessons.StatusRefunded))
	assert.True(t, IsSettled(lessons.StatusPartiallyRefunded))
	assert.False(t, IsSettled(lessons.StatusApproved))
	assert.False(t, IsSettled(lessons.StatusInvoiced))
}

func TestBillingDeadline(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		want  time.Time
	}{
		{
			name:  "morning lesson",
			start: time.Date(2025, 3, 10, 10, 0, 0, 0, generic.JST),
			want:  time.Date(2025, 3, 9, 3, 0, 0, 0, time.UTC),
		},
		{
			// 2025-03-09 23:30 UTC is already 03-10 in Japan
			name:  "utc input on the previous calendar day",
			start: time.Date(2025, 3, 9, 23, 30, 0, 0, time.UTC),
			want:  time.Date(2025, 3, 9, 12, 0, 0, 0, generic.JST),
		},
		{
			name:  "midnight jst",
			start: time.Date(2025, 4, 1, 0, 0, 0, 0, generic.JST),
			want:  time.Date(2025, 3, 31, 12, 0, 0, 0, generic.JST),
		},
		{
			name:  "new year",
			start: time.Date(2026, 1, 1, 9, 0, 0, 0, generic.JST),
			want:  time.Date(2025, 12, 31, 12, 0, 0, 0, generic.JST),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BillingDeadline(tt.start)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}
