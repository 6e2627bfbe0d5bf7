/*
Package payment defines the payment collaborator the billing engine calls.

PURPOSE:
  Billing never imports a processor SDK. It talks to a Gateway that can
  charge a schedule now, queue a line item for the next invoice cycle, or
  refund a previous charge. Webhook deliveries are normalized into Events.

IDEMPOTENCY:
  Every request carries the schedule id; implementations use it as the
  processor idempotency key so a retried approval never double-charges.

IMPLEMENTATIONS:
  - payment/stripe: Stripe invoices, invoice items, refunds and webhooks
  - Disabled: refuses every call (no processor configured)

SEE ALSO:
  - billing/service.go: Calls the Gateway
  - dedupe.go: Webhook redelivery suppression
*/
package payment

import (
	"context"
	"errors"

	"github.com/warp/lesson-engine/generic"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrPaymentFailed = errors.New("payment failed")
	ErrProviderDown  = errors.New("payment provider unavailable")
	ErrNotConfigured = errors.New("payment provider not configured")
)

// ChargeRequest bills one lesson schedule.
type ChargeRequest struct {
	ScheduleID   string
	StudentID    string
	StudentName  string
	StudentEmail string
	CustomerID   string // empty = create the customer first
	Amount       generic.Yen
	Description  string
}

type ChargeResult struct {
	CustomerID       string
	InvoiceID        string
	InvoiceItemID    string
	PaymentReference string // processor payment id, when already known
	HostedURL        string
}

// RefundRequest with Amount 0 refunds whatever remains.
type RefundRequest struct {
	ScheduleID       string
	PaymentReference string
	Amount           generic.Yen
	Reason           string
}

type RefundResult struct {
	RefundID string
	Full     bool
}

// Gateway is the payment collaborator.
type Gateway interface {
	// ChargeNow issues and finalizes an invoice for the schedule.
	ChargeNow(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	// CreateDeferredLineItem adds a pending item to the customer's next invoice.
	CreateDeferredLineItem(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// =============================================================================
// NORMALIZED WEBHOOK EVENTS
// =============================================================================

type EventKind string

const (
	EventInvoiceFinalized EventKind = "invoice_finalized"
	EventInvoicePaid      EventKind = "invoice_paid"
	EventChargeRefunded   EventKind = "charge_refunded"
	EventTrialFeePaid     EventKind = "trial_fee_paid"
)

// Event is a processor notification reduced to what billing acts on.
type Event struct {
	ID               string // processor event id, used for dedupe
	Kind             EventKind
	ScheduleID       string
	StudentID        string
	ScheduleIDs      []string // from invoice lines, for invoices covering several schedules
	PaymentReference string
	FullyRefunded    bool
	AmountRefunded   generic.Yen // running total on the charge
}

// Schedules lists every schedule the event settles, invoice-level id first.
func (e Event) Schedules() []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range append([]string{e.ScheduleID}, e.ScheduleIDs...) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// =============================================================================
// DISABLED GATEWAY
// =============================================================================

// Disabled is wired when no processor key is configured.
type Disabled struct{}

func (Disabled) ChargeNow(context.Context, ChargeRequest) (ChargeResult, error) {
	return ChargeResult{}, ErrNotConfigured
}

func (Disabled) CreateDeferredLineItem(context.Context, ChargeRequest) (ChargeResult, error) {
	return ChargeResult{}, ErrNotConfigured
}

func (Disabled) Refund(context.Context, RefundRequest) (RefundResult, error) {
	return RefundResult{}, ErrNotConfigured
}
