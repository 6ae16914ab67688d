package model

import "time"

// Space is a single numbered slot inside a lot.  The occupancy columns move
// together: Occupied is false exactly when OccupantID and EntryTime are nil.
// A space transitions from occupied to free only through the occupancy
// service, inside the same transaction that clears the occupant's session.
//
// Fields:
//  ID         – primary key identifier; the lowest free ID is assigned first.
//  LotID      – lot to which this space belongs.
//  Number     – human readable number, unique within the lot.
//  Occupied   – whether a vehicle currently holds the space.
//  OccupantID – user holding the space (nullable, weak reference).
//  EntryTime  – when the occupant entered (nullable).
type Space struct {
	ID         uint64     `json:"id"`
	LotID      uint64     `json:"lot_id"`
	Number     string     `json:"number"`
	Occupied   bool       `json:"occupied"`
	OccupantID *uint64    `json:"occupant_id,omitempty"`
	EntryTime  *time.Time `json:"entry_time,omitempty"`
}

// Consistent reports whether the occupancy columns agree with each other.
func (s Space) Consistent() bool {
	if s.Occupied {
		return s.OccupantID != nil && s.EntryTime != nil
	}
	return s.OccupantID == nil && s.EntryTime == nil
}
