package model

// Billing types understood by the pricing engine.
const (
	PlanHourly       = "HOURLY"
	PlanFlatFee      = "FLAT_FEE"
	PlanSubscription = "SUBSCRIPTION"
)

// Well known plan codes seeded at startup.
const (
	PlanCodeStandardHourly = "STANDARD_HOURLY"
	PlanCodeMonthly        = "MONTHLY_SUB"
	PlanCodeFaculty        = "FACULTY_SPECIAL"
)

// PricingPlan describes how a session is billed.  Plans are looked up by
// the occupancy service and never mutated on the allocation path.
//
// Fields:
//  ID                 – primary key identifier.
//  Code               – unique upper-case code.
//  Name               – display name.
//  Type               – HOURLY, FLAT_FEE or SUBSCRIPTION.
//  BaseRate           – rate per hour (HOURLY) or per session (FLAT_FEE).
//  Currency           – ISO currency code.
//  GracePeriodMinutes – initial minutes charged at zero.
//  MaxDailyCap        – optional ceiling for HOURLY charges (nullable).
//  IsActive           – inactive plans are skipped by resolution.
type PricingPlan struct {
	ID                 uint64   `json:"id"`
	Code               string   `json:"code"`
	Name               string   `json:"name"`
	Type               string   `json:"type"`
	BaseRate           float64  `json:"base_rate"`
	Currency           string   `json:"currency"`
	GracePeriodMinutes int      `json:"grace_period_minutes"`
	MaxDailyCap        *float64 `json:"max_daily_cap,omitempty"`
	IsActive           bool     `json:"is_active"`
}

// DefaultPlan is used when no stored plan resolves.
func DefaultPlan() PricingPlan {
	return PricingPlan{
		Code:               PlanCodeStandardHourly,
		Name:               "Standard hourly",
		Type:               PlanHourly,
		BaseRate:           10,
		Currency:           "GTQ",
		GracePeriodMinutes: 15,
		IsActive:           true,
	}
}
