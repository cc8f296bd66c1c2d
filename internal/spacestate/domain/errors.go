package spacestate

import "errors"

var (
	// ErrNotFound indicates a missing or soft-deleted space.
	ErrNotFound = errors.New("spacestate: space not found")
	// ErrInvalidState is returned for an unknown state name.
	ErrInvalidState = errors.New("spacestate: invalid state")
	// ErrInvalidInput rejects malformed requests before they reach storage.
	ErrInvalidInput = errors.New("spacestate: invalid input")
	// ErrContention is returned when optimistic retries are exhausted.
	ErrContention = errors.New("spacestate: recompute contention")
	// ErrHasActiveReservations blocks deleting a space that is still booked.
	ErrHasActiveReservations = errors.New("spacestate: space has active reservations")
	// ErrDuplicateCode is returned when a space code already exists in a site.
	ErrDuplicateCode = errors.New("spacestate: duplicate space code")
)
