package downlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command statuses. Queued commands are eligible for dispatch; sending is a
// transient claim held by one dispatcher; sent awaits device confirmation;
// delivered and abandoned are terminal.
const (
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusAbandoned = "abandoned"
)

// Priorities. Lower dispatches first.
const (
	PriorityUrgent = 1
	PriorityNormal = 5
	PriorityLow    = 9
)

// MaxAttempts bounds delivery retries before a command is abandoned.
const MaxAttempts = 3

// Command is one queued message for a display device.
type Command struct {
	ID            string
	TenantID      string
	DeviceID      string
	DevEUI        string
	CommandType   string
	Payload       json.RawMessage
	Priority      int
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	SentAt        *time.Time
	DeliveredAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks invariants before enqueueing.
func (c *Command) Validate() error {
	if c == nil {
		return errors.New("downlink: nil command")
	}
	if c.TenantID == "" {
		return fmt.Errorf("%w: empty tenant id", ErrInvalidInput)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidInput)
	}
	if c.CommandType == "" {
		return fmt.Errorf("%w: empty command type", ErrInvalidInput)
	}
	if len(c.Payload) > 0 && !json.Valid(c.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidInput)
	}
	if c.Priority < PriorityUrgent || c.Priority > PriorityLow {
		return fmt.Errorf("%w: priority out of range", ErrInvalidInput)
	}
	return nil
}

// Backoff returns the wait before the next attempt. Attempts count from 1.
func Backoff(attempts int) time.Duration {
	switch {
	case attempts <= 1:
		return 10 * time.Second
	case attempts == 2:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

var (
	// ErrNotFound indicates a missing command.
	ErrNotFound = errors.New("downlink: command not found")
	// ErrInvalidInput rejects malformed commands before they reach the queue.
	ErrInvalidInput = errors.New("downlink: invalid input")
)
