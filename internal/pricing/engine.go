// Package pricing turns a plan and a stay interval into a charge.  It does
// no I/O and keeps no state, so it is safe to call from any goroutine.
package pricing

import (
	"math"
	"time"

	"github.com/iliyamo/parking-occupancy/internal/model"
)

// Breakdown is the result of a cost calculation.  AmountCents is the
// authoritative value; TotalAmount is the same figure in major units,
// rounded to two decimals, and is what gets persisted.
type Breakdown struct {
	TotalAmount     float64 `json:"total_amount"`
	AmountCents     int64   `json:"-"`
	DurationMinutes int64   `json:"duration_minutes"`
	HoursCharged    int64   `json:"hours_charged"`
	IsGracePeriod   bool    `json:"is_grace_period"`
	Currency        string  `json:"currency"`
	PlanCode        string  `json:"plan_code"`
}

// CalculateCost prices a stay from entry to exit under plan.
//
// A negative interval yields a zero breakdown rather than an error.  Minutes
// are rounded up, and so are hours: a stay of 61 minutes bills two hours.
// The grace period applies to every plan type, the daily cap only to
// HOURLY plans.  Unknown plan types are billed like HOURLY without the cap.
func CalculateCost(plan model.PricingPlan, entry, exit time.Time) Breakdown {
	out := Breakdown{Currency: plan.Currency, PlanCode: plan.Code}
	elapsed := exit.Sub(entry)
	if elapsed < 0 {
		return out
	}
	out.DurationMinutes = ceilDiv(elapsed, time.Minute)

	if plan.GracePeriodMinutes > 0 && out.DurationMinutes <= int64(plan.GracePeriodMinutes) {
		out.IsGracePeriod = true
		return out
	}

	rate := toCents(plan.BaseRate)
	hours := ceilDiv(elapsed, time.Hour)

	switch plan.Type {
	case model.PlanHourly:
		out.HoursCharged = hours
		out.AmountCents = hours * rate
		if plan.MaxDailyCap != nil && *plan.MaxDailyCap > 0 {
			if limit := toCents(*plan.MaxDailyCap); out.AmountCents > limit {
				out.AmountCents = limit
			}
		}
	case model.PlanFlatFee:
		out.AmountCents = rate
	case model.PlanSubscription:
		out.AmountCents = 0
	default:
		out.HoursCharged = hours
		out.AmountCents = hours * rate
	}
	if out.AmountCents < 0 {
		out.AmountCents = 0
	}
	out.TotalAmount = FromCents(out.AmountCents)
	return out
}

// FromCents converts minor units into a two-decimal amount.
func FromCents(c int64) float64 {
	return float64(c) / 100
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func ceilDiv(d, unit time.Duration) int64 {
	n := int64(d / unit)
	if d%unit != 0 {
		n++
	}
	return n
}
