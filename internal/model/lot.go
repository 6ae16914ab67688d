package model

import "time"

// Lot describes a physical parking facility.  A lot owns a fixed set of
// numbered spaces; TotalSpaces always equals the number of space rows.
// AvailableSpaces is derived from the spaces at read time and is never
// stored independently.
//
// Fields:
//  ID              – primary key identifier.
//  Name            – unique display name.
//  Latitude        – geographic latitude of the entrance.
//  Longitude       – geographic longitude of the entrance.
//  TotalSpaces     – capacity of the lot.
//  AvailableSpaces – number of free spaces (derived).
//  CreatedAt       – creation timestamp.
//  UpdatedAt       – last update timestamp.
type Lot struct {
	ID              uint64    `json:"id"`
	Name            string    `json:"name"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	TotalSpaces     int       `json:"total_spaces"`
	AvailableSpaces int       `json:"available_spaces"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LotStatus is the occupancy snapshot served to dashboards and cached for
// a few seconds.  It is rebuilt from the spaces table on every cache miss.
type LotStatus struct {
	LotID           uint64           `json:"lot_id"`
	LotName         string           `json:"lot_name"`
	TotalSpaces     int              `json:"total_spaces"`
	OccupiedSpaces  int              `json:"occupied_spaces"`
	AvailableSpaces int              `json:"available_spaces"`
	Occupied        []OccupiedDetail `json:"occupied"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// OccupiedDetail describes one occupied space in a LotStatus.
type OccupiedDetail struct {
	SpaceNumber  string    `json:"space_number"`
	UserID       uint64    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	VehiclePlate string    `json:"vehicle_plate,omitempty"`
	EntryTime    time.Time `json:"entry_time"`
}
