// Package queue defines the parking event payload exchanged over the message
// broker and the consumer that turns those events into an activity log.
package queue

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event types published after a committed occupancy change.
const (
	TypeSpaceAssigned     = "space_assigned"
	TypeSpaceReleased     = "space_released"
	TypePaymentSettled    = "payment_settled"
	TypeParkingUpdate     = "parking_update"
	TypeParkingReminder   = "parking_reminder"
	TypeExpirationWarning = "expiration_warning"
)

// Event is published post-commit.  Audience is "user:<id>" for events aimed
// at one driver and "lot:<id>" for occupancy broadcasts; the socket relay
// that fans them out lives outside this service.
type Event struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Audience        string    `json:"audience"`
	UserID          uint64    `json:"user_id,omitempty"`
	LotID           uint64    `json:"lot_id,omitempty"`
	LotName         string    `json:"lot_name,omitempty"`
	SpaceNumber     string    `json:"space_number,omitempty"`
	Amount          float64   `json:"amount,omitempty"`
	Currency        string    `json:"currency,omitempty"`
	InvoiceNumber   string    `json:"invoice_number,omitempty"`
	DurationMinutes int64     `json:"duration_minutes,omitempty"`
	Message         string    `json:"message,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func newEvent(typ, audience string) Event {
	return Event{ID: uuid.NewString(), Type: typ, Audience: audience, OccurredAt: time.Now().UTC()}
}

// UserEvent builds an event addressed to one user.
func UserEvent(typ string, userID uint64) Event {
	ev := newEvent(typ, "user:"+strconv.FormatUint(userID, 10))
	ev.UserID = userID
	return ev
}

// LotEvent builds an occupancy broadcast for a lot.
func LotEvent(typ string, lotID uint64) Event {
	ev := newEvent(typ, "lot:"+strconv.FormatUint(lotID, 10))
	ev.LotID = lotID
	return ev
}
