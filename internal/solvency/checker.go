// Package solvency decides whether a user's monthly parking fee covers the
// current date and lets cashiers extend it.
package solvency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/model"
)

// Exempt roles never need a solvency period to park.
var exemptRoles = map[string]bool{
	model.RoleAdmin:   true,
	model.RoleGuard:   true,
	model.RoleFaculty: true,
	model.RoleVisitor: true,
}

// IsExempt reports whether role bypasses the solvency check.
func IsExempt(role string) bool { return exemptRoles[role] }

var (
	// ErrInvalidMonths is returned by Extend for a count outside 1..12.
	ErrInvalidMonths = errors.New("months must be between 1 and 12")
	ErrBlankCard     = errors.New("card id is required")
)

// RequiredError is returned by Check when a student has no live solvency.
type RequiredError struct {
	Expires *time.Time
}

func (e *RequiredError) Error() string {
	if e.Expires != nil {
		return fmt.Sprintf("solvency expired on %s", e.Expires.Format("2006-01-02"))
	}
	return "no solvency registered for this month"
}

// UserStore is the subset of the user repository the checker needs.
type UserStore interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
	GetByCardID(ctx context.Context, cardID string) (model.User, error)
	UpdateSolvency(ctx context.Context, id uint64, solvent bool, expires *time.Time, by uint64) error
	ListByRole(ctx context.Context, role string) ([]model.User, error)
}

// Status is the solvency view of one user.
type Status struct {
	UserID        uint64     `json:"user_id"`
	Email         string     `json:"email"`
	CardID        string     `json:"card_id,omitempty"`
	VehiclePlate  string     `json:"vehicle_plate,omitempty"`
	Role          string     `json:"role"`
	CurrentSpace  *string    `json:"current_space,omitempty"`
	Solvent       bool       `json:"is_solvent"`
	Exempt        bool       `json:"is_exempt"`
	Expires       *time.Time `json:"solvency_expires"`
	DaysRemaining *int       `json:"days_remaining"`
	Label         string     `json:"status"`
}

type Checker struct {
	users UserStore
	log   *logger.Logger
	now   func() time.Time
}

func NewChecker(users UserStore, log *logger.Logger) *Checker {
	return &Checker{users: users, log: logger.OrNop(log).With("component", "solvency"), now: time.Now}
}

// WithClock replaces the clock.  Tests only.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// Check returns nil when userID may park and *RequiredError otherwise.
// Store errors are returned unchanged.
func (c *Checker) Check(ctx context.Context, userID uint64) error {
	u, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if IsExempt(u.Role) || u.SolventAt(c.now()) {
		return nil
	}
	if u.IsSolvent {
		return &RequiredError{Expires: u.SolvencyExpires}
	}
	return &RequiredError{}
}

// Status reports the solvency of userID.
func (c *Checker) Status(ctx context.Context, userID uint64) (Status, error) {
	u, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	return c.statusOf(u), nil
}

// StatusByCard reports the solvency of the holder of cardID.  Guards check
// drivers at the barrier with it.
func (c *Checker) StatusByCard(ctx context.Context, cardID string) (Status, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return Status{}, ErrBlankCard
	}
	u, err := c.users.GetByCardID(ctx, cardID)
	if err != nil {
		return Status{}, err
	}
	return c.statusOf(u), nil
}

// Extend marks userID solvent for months more, counted from the current
// expiry when it is still in the future and from now otherwise.
func (c *Checker) Extend(ctx context.Context, userID uint64, months int, byUserID uint64) (Status, error) {
	if months < 1 || months > 12 {
		return Status{}, ErrInvalidMonths
	}
	u, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	now := c.now().UTC()
	base := now
	if u.SolvencyExpires != nil && u.SolvencyExpires.After(now) {
		base = u.SolvencyExpires.UTC()
	}
	expires := AddMonths(base, months)
	if err := c.users.UpdateSolvency(ctx, userID, true, &expires, byUserID); err != nil {
		return Status{}, err
	}
	c.log.Info("solvency extended", "user_id", userID, "months", months, "expires", expires, "by", byUserID)
	u.IsSolvent = true
	u.SolvencyExpires = &expires
	return c.statusOf(u), nil
}

// Report lists every student, soonest expiry first.
func (c *Checker) Report(ctx context.Context) ([]Status, error) {
	users, err := c.users.ListByRole(ctx, model.RoleStudent)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(users))
	for _, u := range users {
		out = append(out, c.statusOf(u))
	}
	sortByExpiry(out)
	return out, nil
}

func (c *Checker) statusOf(u model.User) Status {
	now := c.now()
	st := Status{
		UserID:       u.ID,
		Email:        u.Email,
		CardID:       u.CardID,
		VehiclePlate: u.VehiclePlate,
		Role:         u.Role,
		CurrentSpace: u.CurrentSpace,
		Exempt:       IsExempt(u.Role),
		Expires:      u.SolvencyExpires,
	}
	if st.Exempt {
		st.Solvent = true
		st.Label = "EXEMPT"
		return st
	}
	days := 0
	if u.SolvencyExpires != nil {
		days = int(math.Max(0, math.Ceil(u.SolvencyExpires.Sub(now).Hours()/24)))
	}
	st.DaysRemaining = &days
	st.Solvent = u.SolventAt(now)
	if st.Solvent {
		st.Label = fmt.Sprintf("ACTIVE (%d days remaining)", days)
	} else {
		st.Label = "EXPIRED"
	}
	return st
}

// AddMonths adds n calendar months to t.  When the day of month does not
// exist in the target month the result is that month's last day, so
// Jan 31 + 1 month is Feb 28 (or 29).
func AddMonths(t time.Time, n int) time.Time {
	out := t.AddDate(0, n, 0)
	if out.Day() != t.Day() {
		out = out.AddDate(0, 0, -out.Day())
	}
	return out
}

// sortByExpiry orders by expiry ascending; users without one come first.
func sortByExpiry(s []Status) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i].Expires, s[j].Expires
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
}
