package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind separates the two hardware families the registry tracks.
type Kind string

const (
	KindSensor  Kind = "sensor"
	KindDisplay Kind = "display"
)

// ValidKind reports whether value names a known device kind.
func ValidKind(value string) bool {
	return Kind(value) == KindSensor || Kind(value) == KindDisplay
}

// Device statuses.
const (
	StatusUnassigned = "unassigned"
	StatusAssigned   = "assigned"
	StatusRetired    = "retired"
)

// Lifecycle states.
const (
	LifecycleProvisioned = "provisioned"
	LifecycleActive      = "active"
	LifecycleRetired     = "retired"
)

var devEUIPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NormalizeEUI lowercases a device EUI and strips separators.
func NormalizeEUI(devEUI string) string {
	cleaned := strings.ToLower(strings.TrimSpace(devEUI))
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	return cleaned
}

// ValidEUI reports whether devEUI is a normalized 64-bit EUI.
func ValidEUI(devEUI string) bool {
	return devEUIPattern.MatchString(devEUI)
}

// Device is one registered piece of hardware. AssignedSpaceID is empty for
// the orphan-adjacent case of a registered but unassigned device.
type Device struct {
	ID              string
	TenantID        string
	Kind            Kind
	DevEUI          string
	Name            string
	Status          string
	LifecycleState  string
	AssignedSpaceID string
	AssignedAt      *time.Time
	LastFcnt        *int64
	LastSeenAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks invariants before persisting.
func (d *Device) Validate() error {
	if d == nil {
		return errors.New("device: nil")
	}
	if d.TenantID == "" {
		return fmt.Errorf("%w: empty tenant id", ErrInvalidInput)
	}
	if !ValidKind(string(d.Kind)) {
		return fmt.Errorf("%w: invalid kind", ErrInvalidInput)
	}
	if !ValidEUI(d.DevEUI) {
		return fmt.Errorf("%w: invalid dev_eui", ErrInvalidInput)
	}
	return nil
}

// Assignment is one history record binding a device to a space.
type Assignment struct {
	ID                 string
	TenantID           string
	DeviceKind         Kind
	DeviceID           string
	DevEUI             string
	SpaceID            string
	AssignedBy         string
	AssignmentReason   string
	AssignedAt         time.Time
	UnassignedBy       string
	UnassignmentReason string
	UnassignedAt       *time.Time
}

// Orphan tracks uplinks from hardware nobody has registered yet.
type Orphan struct {
	DevEUI       string
	FirstSeen    time.Time
	LastSeen     time.Time
	MessageCount int64
	LastPayload  json.RawMessage
}
