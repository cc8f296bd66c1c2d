package spacestate

import "time"

// State is the derived occupancy state of a space.
type State string

const (
	StateFree        State = "free"
	StateOccupied    State = "occupied"
	StateReserved    State = "reserved"
	StateMaintenance State = "maintenance"
	StateUnknown     State = "unknown"
)

// ValidState reports whether value names a known state.
func ValidState(value string) bool {
	switch State(value) {
	case StateFree, StateOccupied, StateReserved, StateMaintenance, StateUnknown:
		return true
	default:
		return false
	}
}

// Transition sources recorded in the state change log.
const (
	SourceSensor      = "sensor"
	SourceReservation = "reservation"
	SourceManual      = "manual"
	SourceSystem      = "system"
)

// Inputs are the facts a recompute derives the state from.
type Inputs struct {
	Enabled     bool
	Maintenance bool
	// ReservedNow is true when an active reservation window contains Now.
	// Future windows do not count: a reservation blocks the space only once
	// its start time has passed.
	ReservedNow    bool
	SensorAssigned bool
	// SensorOccupied is nil until the first accepted reading.
	SensorOccupied *bool
	// OccupancyChangedAt is when SensorOccupied last flipped.
	OccupancyChangedAt time.Time
	// AutoRelease decays a stale occupied report back to free. Zero disables.
	AutoRelease time.Duration
	Now         time.Time
}

// Derive computes the authoritative state. Precedence, highest first:
// maintenance override, disablement, active reservation, sensor occupancy.
func Derive(in Inputs) State {
	if in.Maintenance {
		return StateMaintenance
	}
	if !in.Enabled {
		return StateUnknown
	}
	if in.ReservedNow {
		return StateReserved
	}
	if !in.SensorAssigned {
		return StateFree
	}
	if in.SensorOccupied == nil {
		return StateUnknown
	}
	if *in.SensorOccupied {
		if in.AutoRelease > 0 && !in.OccupancyChangedAt.IsZero() &&
			in.Now.Sub(in.OccupancyChangedAt) >= in.AutoRelease {
			return StateFree
		}
		return StateOccupied
	}
	return StateFree
}
