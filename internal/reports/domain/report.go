package reports

import (
	"errors"
	"time"
)

// Window bounds a report query.
type Window struct {
	From time.Time
	To   time.Time
}

// Validate checks window ordering and caps the span at 92 days.
func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return errors.New("reports: from and to are required")
	}
	if !w.To.After(w.From) {
		return errors.New("reports: to must be after from")
	}
	if w.To.Sub(w.From) > 92*24*time.Hour {
		return errors.New("reports: window exceeds 92 days")
	}
	return nil
}

// OccupancyRow aggregates state-change activity for one space over a window.
type OccupancyRow struct {
	SpaceID        string
	SiteID         string
	Code           string
	Name           string
	CurrentState   string
	Transitions    int64
	OccupiedEvents int64
	LastChangedAt  *time.Time
}

// ReservationRow aggregates reservation activity for one space over a window.
type ReservationRow struct {
	SpaceID   string
	SiteID    string
	Code      string
	Name      string
	Total     int64
	Completed int64
	Cancelled int64
	Expired   int64
	CheckedIn int64
	BookedHrs float64
}
