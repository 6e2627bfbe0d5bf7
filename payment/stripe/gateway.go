// Package stripe implements payment.Gateway and webhook parsing on Stripe.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/warp/lesson-engine/payment"
)

const (
	metaScheduleID = "schedule_id"
	metaStudentID  = "student_id"
	metaType       = "type"
)

// Gateway bills lesson schedules with Stripe invoices.
type Gateway struct {
	client *client.API
}

func NewGateway(apiKey string) *Gateway {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Gateway{client: sc}
}

// ChargeNow creates a send_invoice invoice due in one day, attaches the
// schedule's line item and finalizes it so the student is billed at once.
func (g *Gateway) ChargeNow(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	if req.Amount <= 0 {
		return payment.ChargeResult{}, payment.ErrInvalidAmount
	}
	res, err := g.ensureCustomer(ctx, req)
	if err != nil {
		return res, err
	}

	invParams := &stripe.InvoiceParams{
		Customer:                    stripe.String(res.CustomerID),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:                stripe.Int64(1),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
		Description:                 stripe.String(req.Description),
	}
	invParams.Context = ctx
	invParams.SetIdempotencyKey("invoice-" + req.ScheduleID)
	invParams.AddMetadata(metaScheduleID, req.ScheduleID)
	inv, err := g.client.Invoices.New(invParams)
	if err != nil {
		return res, mapStripeError(err)
	}
	res.InvoiceID = inv.ID

	item, err := g.newInvoiceItem(ctx, req, res.CustomerID, inv.ID)
	if err != nil {
		return res, err
	}
	res.InvoiceItemID = item.ID

	finParams := &stripe.InvoiceFinalizeInvoiceParams{}
	finParams.Context = ctx
	finParams.SetIdempotencyKey("finalize-" + req.ScheduleID)
	final, err := g.client.Invoices.FinalizeInvoice(inv.ID, finParams)
	if err != nil {
		return res, mapStripeError(err)
	}
	res.HostedURL = final.HostedInvoiceURL
	if final.PaymentIntent != nil {
		res.PaymentReference = final.PaymentIntent.ID
	}
	return res, nil
}

// CreateDeferredLineItem leaves a pending invoice item on the customer; the
// next subscription invoice collects it.
func (g *Gateway) CreateDeferredLineItem(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	if req.Amount <= 0 {
		return payment.ChargeResult{}, payment.ErrInvalidAmount
	}
	res, err := g.ensureCustomer(ctx, req)
	if err != nil {
		return res, err
	}

	item, err := g.newInvoiceItem(ctx, req, res.CustomerID, "")
	if err != nil {
		return res, err
	}
	res.InvoiceItemID = item.ID
	return res, nil
}

func (g *Gateway) Refund(ctx context.Context, req payment.RefundRequest) (payment.RefundResult, error) {
	if req.PaymentReference == "" {
		return payment.RefundResult{}, fmt.Errorf("%w: no payment reference", payment.ErrPaymentFailed)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.Context = ctx
	params.AddMetadata(metaScheduleID, req.ScheduleID)
	params.AddMetadata("admin_reason", req.Reason)

	r, err := g.client.Refunds.New(params)
	if err != nil {
		return payment.RefundResult{}, mapStripeError(err)
	}
	return payment.RefundResult{RefundID: r.ID, Full: req.Amount == 0}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (g *Gateway) ensureCustomer(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	if req.CustomerID != "" {
		return payment.ChargeResult{CustomerID: req.CustomerID}, nil
	}

	params := &stripe.CustomerParams{
		Name:  stripe.String(req.StudentName),
		Email: stripe.String(req.StudentEmail),
	}
	params.Context = ctx
	params.SetIdempotencyKey("customer-" + req.StudentID)
	params.AddMetadata(metaStudentID, req.StudentID)

	c, err := g.client.Customers.New(params)
	if err != nil {
		return payment.ChargeResult{}, mapStripeError(err)
	}
	return payment.ChargeResult{CustomerID: c.ID}, nil
}

func (g *Gateway) newInvoiceItem(ctx context.Context, req payment.ChargeRequest, customerID, invoiceID string) (*stripe.InvoiceItem, error) {
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(string(stripe.CurrencyJPY)),
		Description: stripe.String(req.Description),
	}
	if invoiceID != "" {
		params.Invoice = stripe.String(invoiceID)
	}
	params.Context = ctx
	params.SetIdempotencyKey("item-" + req.ScheduleID)
	params.AddMetadata(metaScheduleID, req.ScheduleID)

	item, err := g.client.InvoiceItems.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return item, nil
}

// mapStripeError converts SDK errors into payment sentinels.
func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Code {
		case stripe.ErrorCodeCardDeclined:
			return fmt.Errorf("%w: card was declined (%s)", payment.ErrPaymentFailed, stripeErr.Msg)
		case stripe.ErrorCodeExpiredCard:
			return fmt.Errorf("%w: card has expired", payment.ErrPaymentFailed)
		}
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s", payment.ErrProviderDown, stripeErr.Msg)
		}
	}
	return fmt.Errorf("stripe: %w", err)
}
