package reservations

import (
	"fmt"
	"time"
)

// Reservation statuses. Active is the only live status; the rest are
// terminal and never transition again.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// MaxDuration bounds a single booking window.
const MaxDuration = 24 * time.Hour

// Reservation is one time-boxed booking of a space.
type Reservation struct {
	ID                 string
	TenantID           string
	SpaceID            string
	RequestID          string
	RequesterEmail     string
	RequesterName      string
	StartTime          time.Time
	EndTime            time.Time
	Status             string
	CheckedIn          bool
	CheckedInAt        *time.Time
	CancelledAt        *time.Time
	CancelledBy        string
	CancellationReason string
	Notes              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate checks the booking window invariants.
func (r *Reservation) Validate() error {
	if r == nil {
		return &ValidationError{Reason: "nil reservation"}
	}
	if r.TenantID == "" {
		return &ValidationError{Reason: "tenant id required"}
	}
	if r.SpaceID == "" {
		return &ValidationError{Reason: "space id required"}
	}
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return &ValidationError{Reason: "start and end times required"}
	}
	if !r.EndTime.After(r.StartTime) {
		return &ValidationError{Reason: "end time must be after start time"}
	}
	if r.EndTime.Sub(r.StartTime) > MaxDuration {
		return &ValidationError{Reason: fmt.Sprintf("duration exceeds %s", MaxDuration)}
	}
	return nil
}

// Terminal reports whether the reservation can no longer change.
func (r *Reservation) Terminal() bool {
	return r != nil && r.Status != StatusActive
}

// Covers reports whether the booking window contains the instant. The
// window is half-open: the end instant is already outside.
func (r *Reservation) Covers(now time.Time) bool {
	if r == nil {
		return false
	}
	return !now.Before(r.StartTime) && now.Before(r.EndTime)
}
