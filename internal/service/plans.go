package service

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/model"
	"github.com/iliyamo/parking-occupancy/internal/repository"
)

// PlanSource is the read side of the pricing plan repository.
type PlanSource interface {
	ActiveByCode(ctx context.Context, code string) (model.PricingPlan, error)
	FirstActiveHourly(ctx context.Context) (model.PricingPlan, error)
}

// PlanResolver picks the pricing plan for a user at payment time.
type PlanResolver struct {
	plans PlanSource
	log   *logger.Logger
}

func NewPlanResolver(plans PlanSource, log *logger.Logger) *PlanResolver {
	return &PlanResolver{plans: plans, log: logger.OrNop(log).With("component", "plan_resolver")}
}

// CodeFor returns the plan code a user is billed under at time at.
func CodeFor(u model.User, at time.Time) string {
	switch {
	case u.Role == model.RoleStudent && u.SolventAt(at):
		return model.PlanCodeMonthly
	case u.Role == model.RoleFaculty:
		return model.PlanCodeFaculty
	default:
		return model.PlanCodeStandardHourly
	}
}

// Resolve returns the user's plan.  A missing plan falls back to the first
// active hourly plan and then to model.DefaultPlan; only store failures
// are returned as errors.
func (r *PlanResolver) Resolve(ctx context.Context, u model.User, at time.Time) (model.PricingPlan, error) {
	code := CodeFor(u, at)
	if r == nil || r.plans == nil {
		return model.DefaultPlan(), nil
	}
	p, err := r.plans.ActiveByCode(ctx, code)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repository.ErrPlanNotFound) {
		return model.PricingPlan{}, err
	}
	r.log.Warn("plan missing, falling back", "code", code, "user_id", u.ID)
	p, err = r.plans.FirstActiveHourly(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repository.ErrPlanNotFound) {
		return model.PricingPlan{}, err
	}
	return model.DefaultPlan(), nil
}

// DefaultPlans are seeded at startup when their codes are absent.
func DefaultPlans() []model.PricingPlan {
	standardCap, facultyCap := 100.0, 50.0
	return []model.PricingPlan{
		{
			Code: model.PlanCodeStandardHourly, Name: "Standard hourly rate", Type: model.PlanHourly,
			BaseRate: 10, Currency: "GTQ", GracePeriodMinutes: 15, MaxDailyCap: &standardCap, IsActive: true,
		},
		{
			Code: model.PlanCodeMonthly, Name: "Monthly subscription", Type: model.PlanSubscription,
			BaseRate: 250, Currency: "GTQ", IsActive: true,
		},
		{
			Code: model.PlanCodeFaculty, Name: "Faculty rate", Type: model.PlanHourly,
			BaseRate: 5, Currency: "GTQ", GracePeriodMinutes: 30, MaxDailyCap: &facultyCap, IsActive: true,
		},
	}
}
