package model

import "time"

// Roles recognised by the service.  Guards and admins may operate on other
// users; students are the only role gated by solvency.
const (
	RoleAdmin   = "admin"
	RoleGuard   = "guard"
	RoleFaculty = "faculty"
	RoleStudent = "student"
	RoleVisitor = "visitor"
)

// User is the subset of a user account the occupancy engine reads and
// writes.  The session columns (CurrentLotID, CurrentSpace, EntryTime,
// HasPaid) are a denormalised mirror of the occupied Space and are only
// mutated in lock-step with it.
//
// Fields:
//  ID                – primary key identifier.
//  Email             – unique, lower-cased email.
//  VehiclePlate      – unique, upper-cased plate used by guards.
//  CardID            – institutional card number.
//  Role              – one of the Role* constants.
//  CurrentLotID      – lot of the open session (nullable).
//  CurrentSpace      – space number of the open session (nullable).
//  EntryTime         – session start, equal to the Space's entry time.
//  HasPaid           – whether the open session has been settled.
//  LastPaymentAmount – amount of the latest settlement.
//  IsSolvent         – monthly solvency flag.
//  SolvencyExpires   – end of the solvency period (nullable).
type User struct {
	ID                uint64     `json:"id"`
	Email             string     `json:"email"`
	VehiclePlate      string     `json:"vehicle_plate"`
	CardID            string     `json:"card_id"`
	Role              string     `json:"role"`
	CurrentLotID      *uint64    `json:"current_lot_id,omitempty"`
	CurrentSpace      *string    `json:"current_space,omitempty"`
	EntryTime         *time.Time `json:"entry_time,omitempty"`
	HasPaid           bool       `json:"has_paid"`
	LastPaymentAmount float64    `json:"last_payment_amount"`
	IsSolvent         bool       `json:"is_solvent"`
	SolvencyExpires   *time.Time `json:"solvency_expires,omitempty"`
}

// HasSession reports whether the user currently references a space.
func (u User) HasSession() bool {
	return u.CurrentSpace != nil && *u.CurrentSpace != ""
}

// SolventAt reports whether the user's paid solvency period covers t.
func (u User) SolventAt(t time.Time) bool {
	return u.IsSolvent && u.SolvencyExpires != nil && u.SolvencyExpires.After(t)
}
