package registry

import "errors"

var (
	// ErrNotFound indicates a missing device.
	ErrNotFound = errors.New("registry: device not found")
	// ErrDuplicateEUI is returned when the EUI is already registered.
	ErrDuplicateEUI = errors.New("registry: dev_eui already registered")
	// ErrAlreadyAssigned is returned when the device holds an open assignment.
	ErrAlreadyAssigned = errors.New("registry: device already assigned")
	// ErrSpaceSlotTaken is returned when the space already carries a device
	// of the same kind.
	ErrSpaceSlotTaken = errors.New("registry: space already has a device of this kind")
	// ErrNotAssigned is returned when unassigning a device with no open assignment.
	ErrNotAssigned = errors.New("registry: device not assigned")
	// ErrInvalidInput rejects malformed requests before they reach storage.
	ErrInvalidInput = errors.New("registry: invalid input")
)
