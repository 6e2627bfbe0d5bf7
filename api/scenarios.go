/*
scenarios.go - Demo data loaders

PURPOSE:
  Populates the store with a small coaching studio so the booking, billing
  and reward flows can be exercised end to end from the frontend or curl.
  Each scenario upserts its rows; loading one twice is harmless.

AVAILABLE SCENARIOS:
  studio-basics:   Plans, lesson types, a coach and students in every
                   billing situation (member, walk-in, reserved plan, trial)
  coach-rewards:   Three months of held lessons for two coaches so the
                   reward tiers and payout figures have something to show

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "studio-basics"}

NOTE:
  Admin only. Intended for development and demo environments.

SEE ALSO:
  - handlers.go: Handler
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "studio-basics",
		Name:        "Studio Basics",
		Description: "Plans, lesson types and students in each billing situation",
	},
	{
		ID:          "coach-rewards",
		Name:        "Coach Rewards",
		Description: "Three months of held lessons for reward tiers and payouts",
	},
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r, "api.ListScenarios") {
		return
	}
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r, "api.GetCurrentScenario") {
		return
	}
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	const op = "api.LoadScenario"
	if !requireAdmin(w, r, op) {
		return
	}
	var req LoadScenarioRequest
	if !decodeJSON(w, r, op, &req) {
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		writeError(w, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", "scenario_id", req.ScenarioID)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "loaded"})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	const op = "api.LoadScenario"

	var err error
	switch id {
	case "studio-basics":
		err = loadStudioBasics(ctx, h.Store, h.Billing.Clock.Now())
	case "coach-rewards":
		if err = loadStudioBasics(ctx, h.Store, h.Billing.Clock.Now()); err == nil {
			err = loadCoachRewards(ctx, h.Store, h.Billing.Clock.Now())
		}
	default:
		return generic.NotFound(op, "scenario %q", id)
	}
	if err != nil {
		return generic.Upstream(op, err, "load scenario %s", id)
	}
	return nil
}

// =============================================================================
// STUDIO BASICS
// =============================================================================

func loadStudioBasics(ctx context.Context, st lessons.Store, now time.Time) error {
	joined := generic.MonthOf(now).AddMonths(-3).Start()

	masters := []lessons.LessonMaster{
		{ID: "lm-personal", Name: "パーソナル60分", UnitPrice: 9900},
		{ID: "lm-pair", Name: "ペアレッスン", UnitPrice: 13200},
		{ID: "lm-trial", Name: "体験レッスン", UnitPrice: 5500},
	}
	for _, m := range masters {
		if err := st.SaveLessonMaster(ctx, m); err != nil {
			return err
		}
	}

	plans := []lessons.MembershipType{
		{ID: "mt-4", Name: "月4回プラン", MonthlyLessonLimit: 4, MaxRolloverLimit: 2, Fee: 35200, DefaultLessonMasterID: "lm-personal"},
		{ID: "mt-8", Name: "月8回プラン", MonthlyLessonLimit: 8, MaxRolloverLimit: 4, Fee: 66000, DefaultLessonMasterID: "lm-personal"},
		{ID: "mt-single", Name: "単発プラン", DefaultLessonMasterID: "lm-personal"},
	}
	for _, p := range plans {
		if err := st.SaveMembershipType(ctx, p); err != nil {
			return err
		}
	}
	for _, link := range []lessons.MembershipTypeLesson{
		{MembershipTypeID: "mt-4", LessonMasterID: "lm-personal"},
		{MembershipTypeID: "mt-8", LessonMasterID: "lm-personal"},
		{MembershipTypeID: "mt-8", LessonMasterID: "lm-pair"},
	} {
		if err := st.LinkLessonMaster(ctx, link); err != nil {
			return err
		}
	}

	for _, c := range []lessons.Coach{
		{ID: "coach-aoki", Name: "青木", Role: lessons.RoleCoach, CreatedAt: joined},
		{ID: "coach-mori", Name: "森", Role: lessons.RoleCoach, CreatedAt: joined},
		{ID: "owner-sato", Name: "佐藤", Role: lessons.RoleOwner, CreatedAt: joined},
	} {
		if err := st.SaveCoach(ctx, c); err != nil {
			return err
		}
	}

	students := []lessons.Student{
		{ID: "st-tanaka", Name: "田中", Email: "tanaka@example.com", Status: lessons.StudentActive, MembershipTypeID: "mt-4", MembershipStartedAt: &joined, CreatedAt: joined},
		{ID: "st-suzuki", Name: "鈴木", Email: "suzuki@example.com", Status: lessons.StudentActive, MembershipTypeID: "mt-single", MembershipStartedAt: &joined, CreatedAt: joined},
		{ID: "st-ito", Name: "伊藤", Email: "ito@example.com", Status: lessons.StudentActive, CreatedAt: joined},
		{ID: "st-kato", Name: "加藤", Email: "kato@example.com", Status: lessons.StudentActive, NextMembershipTypeID: "mt-8", CreatedAt: now},
		{ID: "st-yamada", Name: "山田", Email: "yamada@example.com", Status: lessons.StudentTrialPending, CreatedAt: now},
	}
	for _, s := range students {
		if err := st.SaveStudent(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// COACH REWARDS
// =============================================================================

// loadCoachRewards gives coach-aoki a busy quarter (gold tier) and
// coach-mori a quiet one with an override rate.
func loadCoachRewards(ctx context.Context, st lessons.Store, now time.Time) error {
	override := decimal.RequireFromString("0.62")
	if err := st.SaveCoach(ctx, lessons.Coach{
		ID: "coach-mori", Name: "森", Role: lessons.RoleCoach, OverrideRate: &override,
		CreatedAt: generic.MonthOf(now).AddMonths(-3).Start(),
	}); err != nil {
		return err
	}

	current := generic.MonthOf(now)
	for back := 1; back <= 3; back++ {
		m := current.AddMonths(-back)
		if err := seedMonth(ctx, st, "coach-aoki", m, 26, 3); err != nil {
			return err
		}
		if err := seedMonth(ctx, st, "coach-mori", m, 8, 1); err != nil {
			return err
		}
	}
	return nil
}

// seedMonth records n held lessons, the first trials of them trial lessons.
func seedMonth(ctx context.Context, st lessons.Store, coachID string, m generic.Month, n, trials int) error {
	students := []string{"st-tanaka", "st-suzuki", "st-ito"}
	for i := 0; i < n; i++ {
		day := m.Start().AddDate(0, 0, i%28).Add(10 * time.Hour)
		l := lessons.Lesson{
			ID:             fmt.Sprintf("demo-%s-%s-%02d", coachID, m, i),
			CoachID:        coachID,
			StudentID:      students[i%len(students)],
			LessonMasterID: "lm-personal",
			LessonDate:     day,
			Price:          9900,
			IsTwoPerson:    i%10 == 9,
		}
		if i < trials {
			l.StudentID = "st-yamada"
			l.LessonMasterID = "lm-trial"
			l.Price = 5500
			l.IsTrial = true
		}
		if err := st.SaveLesson(ctx, l); err != nil {
			return err
		}
	}
	return nil
}
