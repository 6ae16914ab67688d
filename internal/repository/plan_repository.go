package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/parking-occupancy/internal/model"
)

const planColumns = `id, code, name, type, base_rate, currency, grace_period_minutes, max_daily_cap, is_active`

// PlanRepo reads pricing plans.  Plans are configuration: the allocation
// path never writes them.
type PlanRepo struct {
	db *sql.DB
}

func NewPlanRepo(db *sql.DB) *PlanRepo { return &PlanRepo{db: db} }

func scanPlan(row interface{ Scan(...interface{}) error }) (model.PricingPlan, error) {
	var (
		p        model.PricingPlan
		dailyCap sql.NullFloat64
	)
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Type, &p.BaseRate, &p.Currency,
		&p.GracePeriodMinutes, &dailyCap, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PricingPlan{}, ErrPlanNotFound
	}
	if err != nil {
		return model.PricingPlan{}, err
	}
	if dailyCap.Valid {
		v := dailyCap.Float64
		p.MaxDailyCap = &v
	}
	return p, nil
}

// ActiveByCode returns the active plan with the given code.
func (r *PlanRepo) ActiveByCode(ctx context.Context, code string) (model.PricingPlan, error) {
	return scanPlan(r.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM pricing_plans WHERE code = ? AND is_active = 1`, code))
}

// FirstActiveHourly is the fallback when a role's plan is missing.
func (r *PlanRepo) FirstActiveHourly(ctx context.Context) (model.PricingPlan, error) {
	return scanPlan(r.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM pricing_plans WHERE type = ? AND is_active = 1 ORDER BY id LIMIT 1`,
		model.PlanHourly))
}

func (r *PlanRepo) List(ctx context.Context) ([]model.PricingPlan, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+planColumns+` FROM pricing_plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.PricingPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SeedDefaults inserts the given plans when their code is absent.  Existing
// rows are left alone so manual edits survive restarts.  It returns the
// number of plans inserted.
func (r *PlanRepo) SeedDefaults(ctx context.Context, plans []model.PricingPlan) (int, error) {
	inserted := 0
	for _, p := range plans {
		res, err := r.db.ExecContext(ctx,
			`INSERT IGNORE INTO pricing_plans
			 (code, name, type, base_rate, currency, grace_period_minutes, max_daily_cap, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Code, p.Name, p.Type, p.BaseRate, p.Currency, p.GracePeriodMinutes, p.MaxDailyCap, p.IsActive)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}
