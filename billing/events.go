package billing

import (
	"context"
	"time"

	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

// EventType names a billing lifecycle notification.
type EventType string

const (
	EventApprovalRequested EventType = "schedule.approval_requested"
	EventApproved          EventType = "schedule.approved"
	EventBilled            EventType = "schedule.billed"
	EventDeferred          EventType = "schedule.deferred"
	EventInvoiced          EventType = "schedule.invoiced"
	EventRejected          EventType = "schedule.rejected"
	EventPaid              EventType = "schedule.paid"
	EventRefunded          EventType = "schedule.refunded"
)

// Event is published after a state change commits. Email and chat
// notifications are delivered by subscribers outside this service.
type Event struct {
	Type       EventType             `json:"type"`
	ScheduleID string                `json:"schedule_id"`
	StudentID  string                `json:"student_id,omitempty"`
	CoachID    string                `json:"coach_id,omitempty"`
	Status     lessons.BillingStatus `json:"status,omitempty"`
	Price      generic.Yen           `json:"price,omitempty"`
	HostedURL  string                `json:"hosted_url,omitempty"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// Publisher delivers billing events.
type Publisher interface {
	PublishBillingEvent(ctx context.Context, e Event) error
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) PublishBillingEvent(context.Context, Event) error { return nil }
