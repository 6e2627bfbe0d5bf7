/*
handlers.go - HTTP handlers for the lesson billing engine

PURPOSE:
  Exposes booking, approval, refund, lesson-status and reward reports over
  REST. Handlers decode the request, call one service operation and encode
  the result. No business rule lives here.

ENDPOINTS:
  Schedules:
    POST   /api/schedules                      Book a lesson
    GET    /api/schedules/{id}                 Schedule details
    POST   /api/schedules/{id}/approve         Approve an overage lesson
    POST   /api/schedules/{id}/reject          Delete an unpaid schedule
    POST   /api/schedules/{id}/manual-approve  Mark paid outside Stripe
    POST   /api/schedules/{id}/refund          Refund through Stripe

  Students / coaches:
    GET    /api/students/{id}/lesson-status?date=YYYY-MM-DD
    GET    /api/coaches/{id}/reward-rate?month=YYYY-MM
    GET    /api/coaches/{id}/rewards?months=N

  Admin:
    POST   /api/admin/billing/run              Run the deferred billing job now

  Webhooks:
    POST   /api/webhooks/stripe                Signed Stripe deliveries

ERROR HANDLING:
  Service errors carry a generic.ErrorKind, mapped to a status:
  - 400: Invalid
  - 401: Unauthorized
  - 403: Forbidden
  - 404: NotFound
  - 409: Conflict (wrong billing status, concurrent update)
  - 502: Upstream (payment processor or database)
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response structures
  - auth.go: Bearer token middleware
  - server.go: Router setup
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/lesson-engine/billing"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
	"github.com/warp/lesson-engine/payment"
	"github.com/warp/lesson-engine/rewards"
)

// maxWebhookBody bounds a Stripe delivery.
const maxWebhookBody = 64 << 10

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// WebhookParser verifies and normalizes a processor delivery. A nil event
// means the delivery is valid but irrelevant.
type WebhookParser interface {
	Parse(payload []byte, signature string) (*payment.Event, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Billing  *billing.Service
	Rewards  *rewards.Service
	Store    lessons.Store
	Webhooks WebhookParser // nil when payments are disabled
	Dedupe   payment.Deduper
	Logger   *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(store lessons.Store, b *billing.Service, r *rewards.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Billing: b,
		Rewards: r,
		Store:   store,
		Dedupe:  payment.NewMemoryDeduper(72 * time.Hour),
		Logger:  logger,
	}
}

// =============================================================================
// SCHEDULE ENDPOINTS
// =============================================================================

func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !decodeJSON(w, r, "api.CreateSchedule", &req) {
		return
	}

	res, err := h.Billing.CreateLessonSchedule(r.Context(), billing.CreateScheduleInput{
		CoachID:        req.CoachID,
		StudentID:      req.StudentID,
		LessonMasterID: req.LessonMasterID,
		Title:          req.Title,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateScheduleResponse{
		Schedule:     toScheduleDTO(res.Schedule),
		IsOverage:    res.IsOverage,
		IsTrial:      res.IsTrial,
		Reason:       string(res.Reason),
		CurrentCount: res.Usage.CurrentTotal,
		Limit:        res.Usage.EffectiveLimit,
	})
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.Billing.GetLessonSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(*sched))
}

func (h *Handler) ApproveSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := h.Billing.ApproveLessonSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ApproveResponse{Status: res.Status, Message: res.Message, HostedURL: res.HostedURL})
}

func (h *Handler) RejectSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.Billing.RejectLessonSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "rejected"})
}

func (h *Handler) ManualApproveSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.Billing.ApproveLessonScheduleManually(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: string(lessons.StatusPaid)})
}

func (h *Handler) RefundSchedule(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, "api.RefundSchedule", &req) {
		return
	}

	status, err := h.Billing.RefundLessonSchedule(r.Context(), billing.RefundInput{
		ScheduleID: chi.URLParam(r, "id"),
		Amount:     req.Amount,
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: string(status)})
}

// =============================================================================
// STUDENT & COACH ENDPOINTS
// =============================================================================

func (h *Handler) GetLessonStatus(w http.ResponseWriter, r *http.Request) {
	date := h.Billing.Clock.Now()
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := generic.ParseDate(s)
		if err != nil {
			writeError(w, generic.Invalid("api.GetLessonStatus", "%v", err))
			return
		}
		date = d
	}

	status, err := h.Billing.CheckStudentLessonStatus(r.Context(), chi.URLParam(r, "id"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLessonStatusDTO(status))
}

func (h *Handler) GetRewardRate(w http.ResponseWriter, r *http.Request) {
	month := generic.MonthOf(h.Rewards.Clock.Now())
	if s := r.URL.Query().Get("month"); s != "" {
		m, err := generic.ParseMonth(s)
		if err != nil {
			writeError(w, generic.Invalid("api.GetRewardRate", "%v", err))
			return
		}
		month = m
	}

	res, err := h.Rewards.Rate(r.Context(), chi.URLParam(r, "id"), month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardRateDTO(res))
}

func (h *Handler) GetRewardHistory(w http.ResponseWriter, r *http.Request) {
	months := 0
	if s := r.URL.Query().Get("months"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, generic.Invalid("api.GetRewardHistory", "months must be a non-negative integer"))
			return
		}
		months = n
	}

	reports, err := h.Rewards.History(r.Context(), chi.URLParam(r, "id"), months)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]MonthReportDTO, 0, len(reports))
	for _, m := range reports {
		out = append(out, toMonthReportDTO(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// RunBilling runs the deferred billing job on demand.
func (h *Handler) RunBilling(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r, "api.RunBilling") {
		return
	}
	sum, err := h.Billing.ExecuteDueBillings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunSummaryDTO(sum))
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// StripeWebhook applies a signed delivery. The event id is claimed before
// handling and released on failure, so Stripe's redelivery is processed.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const op = "api.StripeWebhook"

	if h.Webhooks == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "payments are not configured", Kind: "unavailable"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, generic.Invalid(op, "read body: %v", err))
		return
	}
	ev, err := h.Webhooks.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.Logger.Warn("webhook rejected", "error", err)
		writeError(w, &generic.Error{Kind: generic.KindInvalid, Op: op, Message: "invalid webhook", Err: err})
		return
	}
	if ev == nil {
		writeJSON(w, http.StatusOK, StatusResponse{Status: "ignored"})
		return
	}

	ctx := lessons.WithActor(r.Context(), lessons.SystemActor)
	claimed := false
	if ev.ID != "" && h.Dedupe != nil {
		first, err := h.Dedupe.FirstSeen(ctx, ev.ID)
		switch {
		case err != nil:
			// handlers are idempotent; carry on without dedupe
			h.Logger.Warn("webhook dedupe unavailable", "event_id", ev.ID, "error", err)
		case !first:
			writeJSON(w, http.StatusOK, StatusResponse{Status: "duplicate"})
			return
		default:
			claimed = true
		}
	}

	if err := h.Billing.HandlePaymentEvent(ctx, *ev); err != nil {
		h.Logger.Error("webhook handling failed", "event_id", ev.ID, "kind", ev.Kind, "error", err)
		if claimed {
			if ferr := h.Dedupe.Forget(ctx, ev.ID); ferr != nil {
				h.Logger.Warn("webhook dedupe release failed", "event_id", ev.ID, "error", ferr)
			}
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "processed"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusOf maps an engine error kind to an HTTP status.
func statusOf(err error) int {
	switch generic.KindOf(err) {
	case generic.KindNotFound:
		return http.StatusNotFound
	case generic.KindForbidden:
		return http.StatusForbidden
	case generic.KindUnauthorized:
		return http.StatusUnauthorized
	case generic.KindInvalid:
		return http.StatusBadRequest
	case generic.KindConflict:
		return http.StatusConflict
	case generic.KindUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: generic.KindOf(err).String()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, op string, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) || errors.Is(err, io.EOF) {
			writeError(w, generic.Invalid(op, "malformed JSON body"))
			return false
		}
		writeError(w, generic.Invalid(op, "%v", err))
		return false
	}
	return true
}

func requireAdmin(w http.ResponseWriter, r *http.Request, op string) bool {
	actor, ok := lessons.ActorFrom(r.Context())
	if !ok {
		writeError(w, generic.Unauthorized(op))
		return false
	}
	if !actor.Role.IsAdmin() {
		writeError(w, generic.Forbidden(op, "role %q may not run admin operations", actor.Role))
		return false
	}
	return true
}
