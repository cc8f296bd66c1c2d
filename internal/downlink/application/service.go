package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	downlink "parkgrid-cloud/internal/downlink/domain"
	"parkgrid-cloud/internal/observability/metrics"
	registry "parkgrid-cloud/internal/registry/domain"
	"parkgrid-cloud/internal/tenancy"
)

// CommandQueue is the repository surface the service writes through.
type CommandQueue interface {
	Enqueue(ctx context.Context, cmd *downlink.Command) error
	MarkDelivered(ctx context.Context, scope tenancy.Scope, commandID string) (*downlink.Command, error)
	ListByDevice(ctx context.Context, scope tenancy.Scope, deviceID string, limit int) ([]downlink.Command, error)
	ListAbandoned(ctx context.Context, scope tenancy.Scope, limit int) ([]downlink.Command, error)
	ClearQueued(ctx context.Context, scope tenancy.Scope, deviceID string) (int, error)
}

// DeviceSource resolves display devices for enqueue requests.
type DeviceSource interface {
	Get(ctx context.Context, scope tenancy.Scope, id string) (*registry.Device, error)
}

// EnqueueRequest carries an operator-initiated command.
type EnqueueRequest struct {
	DeviceID    string          `json:"device_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
}

// Service enqueues display commands and tracks confirmations.
type Service struct {
	queue   CommandQueue
	devices DeviceSource
	policy  downlink.Policy
	logger  *log.Logger
}

// NewService constructs a downlink service.
func NewService(queue CommandQueue, devices DeviceSource, policy downlink.Policy, logger *log.Logger) (*Service, error) {
	if queue == nil {
		return nil, errors.New("downlink: nil queue")
	}
	if devices == nil {
		return nil, errors.New("downlink: nil device source")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{queue: queue, devices: devices, policy: policy, logger: logger}, nil
}

// Enqueue queues an operator command for a display in the caller's tenant.
func (s *Service) Enqueue(ctx context.Context, scope tenancy.Scope, req EnqueueRequest) (*downlink.Command, error) {
	if strings.TrimSpace(req.DeviceID) == "" {
		return nil, fmt.Errorf("%w: device_id required", downlink.ErrInvalidInput)
	}
	device, err := s.devices.Get(ctx, scope, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, registry.ErrNotFound
	}

	priority := req.Priority
	if priority == 0 {
		priority = downlink.PriorityNormal
	}
	cmd := &downlink.Command{
		TenantID:    device.TenantID,
		DeviceID:    device.ID,
		DevEUI:      device.DevEUI,
		CommandType: strings.TrimSpace(req.CommandType),
		Payload:     req.Payload,
		Priority:    priority,
	}
	if err := s.queue.Enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	metrics.IncDownlinkEnqueued()
	return cmd, nil
}

// NotifyStateChange queues a display color update after a committed space
// transition. Satisfies the recompute path's notifier.
func (s *Service) NotifyStateChange(ctx context.Context, tenantID, spaceID, displayDeviceID, state string) error {
	device, err := s.devices.Get(ctx, tenancy.Platform(), displayDeviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return registry.ErrNotFound
	}

	rule := s.policy.RuleFor(state)
	payload, err := json.Marshal(map[string]any{
		"space_id": spaceID,
		"state":    state,
		"color":    rule.Color,
		"pattern":  rule.Pattern,
	})
	if err != nil {
		return err
	}
	cmd := &downlink.Command{
		TenantID:    tenantID,
		DeviceID:    device.ID,
		DevEUI:      device.DevEUI,
		CommandType: downlink.CommandTypeDisplay,
		Payload:     payload,
		Priority:    downlink.PriorityUrgent,
	}
	if err := s.queue.Enqueue(ctx, cmd); err != nil {
		return err
	}
	metrics.IncDownlinkEnqueued()
	return nil
}

// Confirm marks a command delivered after the device acknowledged it.
func (s *Service) Confirm(ctx context.Context, scope tenancy.Scope, commandID string) (*downlink.Command, error) {
	cmd, err := s.queue.MarkDelivered(ctx, scope, commandID)
	if err != nil {
		return nil, err
	}
	metrics.IncDownlinkResult(downlink.StatusDelivered)
	return cmd, nil
}

// History lists a device's commands within the scope.
func (s *Service) History(ctx context.Context, scope tenancy.Scope, deviceID string, limit int) ([]downlink.Command, error) {
	return s.queue.ListByDevice(ctx, scope, deviceID, limit)
}

// Abandoned lists commands that exhausted their retries.
func (s *Service) Abandoned(ctx context.Context, scope tenancy.Scope, limit int) ([]downlink.Command, error) {
	return s.queue.ListAbandoned(ctx, scope, limit)
}

// ClearQueue drops a device's queued commands, for example after the device
// is unassigned and its pending state updates no longer apply.
func (s *Service) ClearQueue(ctx context.Context, scope tenancy.Scope, deviceID string) (int, error) {
	return s.queue.ClearQueued(ctx, scope, deviceID)
}
