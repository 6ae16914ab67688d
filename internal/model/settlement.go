package model

import "time"

// Settlement records a paid parking session.  It is written in the same
// transaction that flips the user's paid flag; invoice rendering happens
// elsewhere from these rows.
type Settlement struct {
	ID              uint64    `json:"id"`
	InvoiceNumber   string    `json:"invoice_number"`
	UserID          uint64    `json:"user_id"`
	LotID           uint64    `json:"lot_id"`
	SpaceNumber     string    `json:"space_number"`
	PlanCode        string    `json:"plan_code"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	DurationMinutes int64     `json:"duration_minutes"`
	HoursCharged    int64     `json:"hours_charged"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// SettlementPaid is the only status the core writes.
const SettlementPaid = "PAID"
