package spacestate

import (
	"errors"
	"time"
)

// Space is the physical resource whose occupancy is tracked. CurrentState is
// owned by the recompute path; nothing else writes it.
type Space struct {
	ID                 string
	TenantID           string
	SiteID             string
	Code               string
	Name               string
	Enabled            bool
	CurrentState       State
	SensorOccupied     *bool
	Maintenance        bool
	MaintenanceReason  string
	AutoReleaseMinutes int
	SensorDeviceID     string
	DisplayDeviceID    string
	StateChangedAt     time.Time
	OccupancyChangedAt time.Time
	Version            int64
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate checks invariants before persisting.
func (s *Space) Validate() error {
	if s == nil {
		return errors.New("space: nil")
	}
	if s.TenantID == "" {
		return errors.New("space: empty tenant id")
	}
	if s.SiteID == "" {
		return errors.New("space: empty site id")
	}
	if s.Code == "" {
		return errors.New("space: empty code")
	}
	if s.AutoReleaseMinutes < 0 {
		return errors.New("space: negative auto release")
	}
	return nil
}

// AutoRelease returns the auto-release window as a duration, zero if disabled.
func (s *Space) AutoRelease() time.Duration {
	if s == nil || s.AutoReleaseMinutes <= 0 {
		return 0
	}
	return time.Duration(s.AutoReleaseMinutes) * time.Minute
}

// Deleted reports whether the space carries a tombstone.
func (s *Space) Deleted() bool {
	return s != nil && s.DeletedAt != nil
}

// StateChange is one append-only audit record of a current_state transition.
type StateChange struct {
	ID            int64
	TenantID      string
	SpaceID       string
	PreviousState State
	NewState      State
	Source        string
	RequestID     string
	ChangedAt     time.Time
}
