package stripe

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"github.com/warp/lesson-engine/payment"
)

// TrialFeeType tags checkout sessions that pay the trial lesson fee.
const TrialFeeType = "trial_fee"

// Processor verifies and normalizes Stripe webhook deliveries.
type Processor struct {
	secret string
}

func NewProcessor(secret string) *Processor {
	return &Processor{secret: secret}
}

// Parse returns nil, nil for events billing does not act on.
func (p *Processor) Parse(payload []byte, signature string) (*payment.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("stripe signature invalid: %w", err)
	}
	if event.Data == nil {
		return nil, nil
	}

	switch event.Type {
	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		ev := &payment.Event{
			ID:          event.ID,
			Kind:        payment.EventInvoicePaid,
			ScheduleID:  inv.Metadata[metaScheduleID],
			ScheduleIDs: lineScheduleIDs(&inv),
		}
		if len(ev.Schedules()) == 0 {
			return nil, nil
		}
		if inv.PaymentIntent != nil {
			ev.PaymentReference = inv.PaymentIntent.ID
		}
		return ev, nil

	case "invoice.finalized":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		// invoices created by ChargeNow carry the id at invoice level and
		// are already tracked as awaiting_payment
		if inv.Metadata[metaScheduleID] != "" {
			return nil, nil
		}
		ids := lineScheduleIDs(&inv)
		if len(ids) == 0 {
			return nil, nil
		}
		return &payment.Event{ID: event.ID, Kind: payment.EventInvoiceFinalized, ScheduleIDs: ids}, nil

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return nil, nil
		}
		return &payment.Event{
			ID:               event.ID,
			Kind:             payment.EventChargeRefunded,
			ScheduleID:       ch.Metadata[metaScheduleID],
			PaymentReference: ch.PaymentIntent.ID,
			FullyRefunded:    ch.Refunded,
			AmountRefunded:   ch.AmountRefunded,
		}, nil

	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		if sess.Metadata[metaType] != TrialFeeType {
			return nil, nil
		}
		studentID := sess.Metadata[metaStudentID]
		if studentID == "" {
			studentID = sess.ClientReferenceID
		}
		if studentID == "" {
			return nil, nil
		}
		return &payment.Event{ID: event.ID, Kind: payment.EventTrialFeePaid, StudentID: studentID}, nil
	}

	return nil, nil
}

// lineScheduleIDs collects the schedules billed as pending invoice items on
// a subscription invoice.
func lineScheduleIDs(inv *stripe.Invoice) []string {
	if inv.Lines == nil {
		return nil
	}
	var ids []string
	for _, line := range inv.Lines.Data {
		if line == nil {
			continue
		}
		if id := line.Metadata[metaScheduleID]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
