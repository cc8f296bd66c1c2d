package reservations

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing reservation.
	ErrNotFound = errors.New("reservations: not found")
	// ErrNotActive is returned when cancelling or checking in a reservation
	// that already reached a terminal status.
	ErrNotActive = errors.New("reservations: not active")
)

// ValidationError rejects a malformed booking request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "reservations: " + e.Reason
}

// ConflictError reports an overlapping active reservation. CompetingID names
// the reservation that already holds the window.
type ConflictError struct {
	SpaceID     string
	CompetingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reservations: space %s already reserved by %s", e.SpaceID, e.CompetingID)
}
