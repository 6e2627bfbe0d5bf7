/*
dto.go - JSON shapes of the HTTP API

PURPOSE:
  Keeps the wire contract apart from the engine types so fields can be
  renamed internally without breaking clients. Money is whole yen, rates
  are decimal strings, dates are RFC3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Done by the services, not here. DTOs only carry data.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/lesson-engine/billing"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
	"github.com/warp/lesson-engine/rewards"
)

// =============================================================================
// SCHEDULES
// =============================================================================

type CreateScheduleRequest struct {
	CoachID        string    `json:"coach_id"`
	StudentID      string    `json:"student_id,omitempty"`
	LessonMasterID string    `json:"lesson_master_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

type ScheduleDTO struct {
	ID                 string                `json:"id"`
	CoachID            string                `json:"coach_id"`
	StudentID          string                `json:"student_id,omitempty"`
	LessonMasterID     string                `json:"lesson_master_id,omitempty"`
	Title              string                `json:"title,omitempty"`
	StartTime          time.Time             `json:"start_time"`
	EndTime            time.Time             `json:"end_time"`
	IsOverage          bool                  `json:"is_overage"`
	BillingStatus      lessons.BillingStatus `json:"billing_status"`
	Price              *generic.Yen          `json:"price,omitempty"`
	BillingScheduledAt *time.Time            `json:"billing_scheduled_at,omitempty"`
	PaymentReference   string                `json:"payment_reference,omitempty"`
	RefundedAmount     generic.Yen           `json:"refunded_amount,omitempty"`
}

type CreateScheduleResponse struct {
	Schedule     ScheduleDTO `json:"schedule"`
	IsOverage    bool        `json:"is_overage"`
	IsTrial      bool        `json:"is_trial"`
	Reason       string      `json:"reason,omitempty"`
	CurrentCount int         `json:"current_count"`
	Limit        int         `json:"limit"`
}

type ApproveResponse struct {
	Status    lessons.BillingStatus `json:"status"`
	Message   string                `json:"message"`
	HostedURL string                `json:"hosted_url,omitempty"`
}

type RefundRequest struct {
	Amount generic.Yen `json:"amount,omitempty"` // 0 = full refund
	Reason string      `json:"reason,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

func toScheduleDTO(s lessons.LessonSchedule) ScheduleDTO {
	return ScheduleDTO{
		ID:                 s.ID,
		CoachID:            s.CoachID,
		StudentID:          s.StudentID,
		LessonMasterID:     s.LessonMasterID,
		Title:              s.Title,
		StartTime:          s.StartTime,
		EndTime:            s.EndTime,
		IsOverage:          s.IsOverage,
		BillingStatus:      s.BillingStatus,
		Price:              s.Price,
		BillingScheduledAt: s.BillingScheduledAt,
		PaymentReference:   s.PaymentReference,
		RefundedAmount:     s.RefundedAmount,
	}
}

// =============================================================================
// LESSON STATUS
// =============================================================================

type LessonMasterDTO struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	UnitPrice generic.Yen `json:"unit_price,omitempty"`
	IsTrial   bool        `json:"is_trial"`
}

type LessonStatusDTO struct {
	IsOverage        bool              `json:"is_overage"`
	IsTrial          bool              `json:"is_trial"`
	Reason           string            `json:"reason"`
	Limit            int               `json:"limit"`
	BaseLimit        int               `json:"base_limit"`
	Rollover         int               `json:"rollover"`
	Count            int               `json:"count"`
	MembershipName   string            `json:"membership_name,omitempty"`
	DefaultLessonID  string            `json:"default_lesson_id,omitempty"`
	AvailableLessons []LessonMasterDTO `json:"available_lessons"`
}

func toLessonStatusDTO(s *billing.LessonStatus) LessonStatusDTO {
	dto := LessonStatusDTO{
		IsOverage:        s.IsOverage,
		IsTrial:          s.IsTrial,
		Reason:           string(s.Reason),
		Limit:            s.Limit,
		BaseLimit:        s.BaseLimit,
		Rollover:         s.Rollover,
		Count:            s.Count,
		MembershipName:   s.MembershipName,
		DefaultLessonID:  s.DefaultLessonID,
		AvailableLessons: make([]LessonMasterDTO, 0, len(s.AvailableLessons)),
	}
	for _, l := range s.AvailableLessons {
		dto.AvailableLessons = append(dto.AvailableLessons, LessonMasterDTO{
			ID: l.ID, Name: l.Name, UnitPrice: l.UnitPrice, IsTrial: l.IsTrial(),
		})
	}
	return dto
}

// =============================================================================
// REWARDS
// =============================================================================

type RewardRateDTO struct {
	Month         string `json:"month"`
	Rate          string `json:"rate"`
	Rank          string `json:"rank"`
	TrailingCount int    `json:"trailing_count"`
	Average       string `json:"average"`
	FromSnapshot  bool   `json:"from_snapshot"`
}

type RewardDetailDTO struct {
	LessonID string      `json:"lesson_id"`
	Date     time.Time   `json:"date"`
	Title    string      `json:"title"`
	Price    generic.Yen `json:"price"`
	Reward   generic.Yen `json:"reward"`
}

type PayoutDTO struct {
	Gross          generic.Yen `json:"gross"`
	TaxBase        generic.Yen `json:"tax_base"`
	ConsumptionTax generic.Yen `json:"consumption_tax"`
	Withholding    generic.Yen `json:"withholding"`
	Net            generic.Yen `json:"net"`
	PaymentDate    string      `json:"payment_date"`
}

type MonthReportDTO struct {
	RewardRateDTO
	TotalSales  generic.Yen       `json:"total_sales"`
	TotalReward generic.Yen       `json:"total_reward"`
	LessonCount int               `json:"lesson_count"`
	TrialCount  int               `json:"trial_count"`
	Details     []RewardDetailDTO `json:"details"`
	Payout      PayoutDTO         `json:"payout"`
}

func toRewardRateDTO(r rewards.RateResult) RewardRateDTO {
	return RewardRateDTO{
		Month:         r.Month.String(),
		Rate:          r.Rate.String(),
		Rank:          string(r.Rank),
		TrailingCount: r.TrailingCount,
		Average:       r.Average.StringFixed(2),
		FromSnapshot:  r.FromSnapshot,
	}
}

func toMonthReportDTO(m rewards.MonthReport) MonthReportDTO {
	dto := MonthReportDTO{
		RewardRateDTO: toRewardRateDTO(m.Rate),
		TotalSales:    m.Stats.TotalSales,
		TotalReward:   m.Stats.TotalReward,
		LessonCount:   m.Stats.LessonCount,
		TrialCount:    m.Stats.TrialCount,
		Details:       make([]RewardDetailDTO, 0, len(m.Stats.Details)),
		Payout: PayoutDTO{
			Gross:          m.Payout.Gross,
			TaxBase:        m.Payout.TaxBase,
			ConsumptionTax: m.Payout.ConsumptionTax,
			Withholding:    m.Payout.Withholding,
			Net:            m.Payout.Net,
			PaymentDate:    m.Payout.PaymentDate.Format("2006-01-02"),
		},
	}
	for _, d := range m.Stats.Details {
		dto.Details = append(dto.Details, RewardDetailDTO(d))
	}
	return dto
}

// =============================================================================
// JOBS & ERRORS
// =============================================================================

type RunSummaryDTO struct {
	StartedAt time.Time `json:"started_at"`
	Due       int       `json:"due"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
