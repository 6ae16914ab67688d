// Package repository holds the MySQL access code for lots, spaces, users,
// pricing plans and settlements.  The sentinel errors below let the
// service layer tell domain outcomes apart from infrastructure failures;
// anything not listed here is treated as the store being unavailable.
package repository

import "errors"

var (
	ErrLotNotFound   = errors.New("lot not found")
	ErrSpaceNotFound = errors.New("space not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrPlanNotFound  = errors.New("pricing plan not found")

	// ErrNoFreeSpace means the lot exists but every space is occupied.
	ErrNoFreeSpace = errors.New("no free space")

	// ErrSpaceTaken is returned when the guarded occupy update matched no
	// row.  It cannot happen while the row lock is held and indicates a
	// caller that skipped LockLowestFreeSpace.
	ErrSpaceTaken = errors.New("space already occupied")

	// ErrConflict is returned when a delete or resize would drop occupied
	// spaces, or when a unique column already holds the value.
	ErrConflict = errors.New("conflict")
)
