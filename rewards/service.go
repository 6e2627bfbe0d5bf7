package rewards

import (
	"context"
	"errors"
	"log/slog"

	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
)

// DefaultHistoryMonths is how far back History looks when asked for 0 months.
const DefaultHistoryMonths = 12

const maxHistoryMonths = 36

// Store is the slice of persistence the reward reports read.
type Store interface {
	lessons.CoachStore
	ListLessonMasters(ctx context.Context) ([]lessons.LessonMaster, error)
	ListCoachLessons(ctx context.Context, coachID string, p generic.Period) ([]lessons.Lesson, error)
}

// Service serves reward reports. With Snapshots set, closed months read
// their frozen rate instead of recomputing it.
type Service struct {
	Store     Store
	Clock     generic.Clock
	Logger    *slog.Logger
	Snapshots bool
}

func NewService(store Store, clock generic.Clock, logger *slog.Logger, snapshots bool) *Service {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Clock: clock, Logger: logger, Snapshots: snapshots}
}

// =============================================================================
// READS
// =============================================================================

// Rate returns the coach's reward rate for month.
func (s *Service) Rate(ctx context.Context, coachID string, month generic.Month) (RateResult, error) {
	const op = "rewards.Rate"

	coach, err := s.authorizedCoach(ctx, op, coachID)
	if err != nil {
		return RateResult{}, err
	}
	window := generic.TrailingMonths(month, TrailingWindow)
	all, err := s.Store.ListCoachLessons(ctx, coachID, window)
	if err != nil {
		return RateResult{}, generic.Upstream(op, err, "list lessons failed")
	}
	return s.rateFor(ctx, *coach, all, month), nil
}

// History returns one report per month, newest first, skipping months
// before the coach joined.
func (s *Service) History(ctx context.Context, coachID string, months int) ([]MonthReport, error) {
	const op = "rewards.History"

	switch {
	case months <= 0:
		months = DefaultHistoryMonths
	case months > maxHistoryMonths:
		return nil, generic.Invalid(op, "months must be at most %d", maxHistoryMonths)
	}

	coach, err := s.authorizedCoach(ctx, op, coachID)
	if err != nil {
		return nil, err
	}

	current := generic.MonthOf(s.Clock.Now())
	oldest := current.AddMonths(-(months - 1))
	span := generic.Period{Start: oldest.AddMonths(-TrailingWindow).Start(), End: current.End()}

	all, err := s.Store.ListCoachLessons(ctx, coachID, span)
	if err != nil {
		return nil, generic.Upstream(op, err, "list lessons failed")
	}
	masters, err := s.masterIndex(ctx)
	if err != nil {
		return nil, generic.Upstream(op, err, "list lesson masters failed")
	}

	joined := generic.MonthOf(coach.CreatedAt)
	reports := make([]MonthReport, 0, months)
	for i := 0; i < months; i++ {
		m := current.AddMonths(-i)
		if !coach.CreatedAt.IsZero() && m.Before(joined) {
			continue
		}
		rate := s.rateFor(ctx, *coach, all, m)
		stats := MonthlyStats(coach.ID, all, masters, m, rate.Rate)
		reports = append(reports, MonthReport{
			Rate:   rate,
			Stats:  stats,
			Payout: Payout(m, stats.TotalReward),
		})
	}
	return reports, nil
}

// =============================================================================
// MONTH CLOSE
// =============================================================================

// CloseMonth freezes every coach's rate for month. Coaches that fail are
// logged and skipped; the count of saved snapshots is returned.
func (s *Service) CloseMonth(ctx context.Context, month generic.Month) (int, error) {
	const op = "rewards.CloseMonth"

	coaches, err := s.Store.ListCoaches(ctx)
	if err != nil {
		return 0, generic.Upstream(op, err, "list coaches failed")
	}

	window := generic.TrailingMonths(month, TrailingWindow)
	now := s.Clock.Now()
	saved := 0
	var errs []error
	for _, c := range coaches {
		all, err := s.Store.ListCoachLessons(ctx, c.ID, window)
		if err != nil {
			errs = append(errs, err)
			s.Logger.Error("reward snapshot skipped", "coach_id", c.ID, "month", month.String(), "error", err)
			continue
		}
		res := RateForCoach(RateInput{CoachID: c.ID, Role: c.Role, Override: c.OverrideRate, Lessons: all, TargetMonth: month})
		snap := lessons.RateSnapshot{CoachID: c.ID, Month: month.String(), Rate: res.Rate, ComputedAt: now}
		if err := s.Store.SaveRateSnapshot(ctx, snap); err != nil {
			errs = append(errs, err)
			s.Logger.Error("reward snapshot failed", "coach_id", c.ID, "month", month.String(), "error", err)
			continue
		}
		saved++
	}

	s.Logger.Info("reward month closed", "month", month.String(), "coaches", len(coaches), "saved", saved)
	if len(errs) > 0 {
		return saved, generic.Upstream(op, errors.Join(errs...), "%d of %d snapshots failed", len(errs), len(coaches))
	}
	return saved, nil
}

// CloseLastMonth closes the month before the clock's current month.
func (s *Service) CloseLastMonth(ctx context.Context) (int, error) {
	return s.CloseMonth(ctx, generic.MonthOf(s.Clock.Now()).Prev())
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) rateFor(ctx context.Context, coach lessons.Coach, all []lessons.Lesson, month generic.Month) RateResult {
	res := RateForCoach(RateInput{
		CoachID:     coach.ID,
		Role:        coach.Role,
		Override:    coach.OverrideRate,
		Lessons:     all,
		TargetMonth: month,
	})
	if !s.Snapshots {
		return res
	}

	snap, err := s.Store.GetRateSnapshot(ctx, coach.ID, month.String())
	if err != nil {
		s.Logger.Warn("reward snapshot read failed, recomputing", "coach_id", coach.ID, "month", month.String(), "error", err)
		return res
	}
	if snap != nil {
		res.Rate = snap.Rate
		res.FromSnapshot = true
	}
	return res
}

// authorizedCoach loads the coach; coaches may only read their own rewards.
func (s *Service) authorizedCoach(ctx context.Context, op, coachID string) (*lessons.Coach, error) {
	actor, ok := lessons.ActorFrom(ctx)
	if !ok {
		return nil, generic.Unauthorized(op)
	}
	if !actor.Role.IsAdmin() && actor.ID != coachID {
		return nil, generic.Forbidden(op, "coach %s may not read rewards of %s", actor.ID, coachID)
	}

	coach, err := s.Store.GetCoach(ctx, coachID)
	if err != nil {
		return nil, generic.Upstream(op, err, "load coach failed")
	}
	if coach == nil {
		return nil, generic.NotFound(op, "coach %s", coachID)
	}
	return coach, nil
}

func (s *Service) masterIndex(ctx context.Context) (map[string]lessons.LessonMaster, error) {
	list, err := s.Store.ListLessonMasters(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]lessons.LessonMaster, len(list))
	for _, m := range list {
		idx[m.ID] = m
	}
	return idx, nil
}

