package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"parkgrid-cloud/internal/auth"
	registry "parkgrid-cloud/internal/registry/domain"
	registryrepo "parkgrid-cloud/internal/registry/infrastructure/postgres"
	spacestate "parkgrid-cloud/internal/spacestate/domain"
	"parkgrid-cloud/internal/tenancy"
)

// SpaceRecomputer re-derives a space after its sensor binding changes.
type SpaceRecomputer interface {
	Recompute(ctx context.Context, spaceID, source, requestID string) (spacestate.State, error)
}

// RegisterRequest carries the fields for a new device.
type RegisterRequest struct {
	TenantID string `json:"tenant_id"`
	Kind     string `json:"kind"`
	DevEUI   string `json:"dev_eui"`
	Name     string `json:"name"`
}

// AssignRequest binds a device to a space.
type AssignRequest struct {
	SpaceID string `json:"space_id"`
	Reason  string `json:"reason"`
}

// UnassignRequest releases a device from its space.
type UnassignRequest struct {
	Reason string `json:"reason"`
}

// Service covers device registration, assignment, and orphan tracking.
type Service struct {
	sensors     *registryrepo.DeviceRepository
	displays    *registryrepo.DeviceRepository
	assignments *registryrepo.AssignmentRepository
	orphans     *registryrepo.OrphanRepository
	checker     tenancy.SpaceTenantChecker
	recomputer  SpaceRecomputer
	logger      *log.Logger
}

// NewService constructs a registry service.
func NewService(
	sensors, displays *registryrepo.DeviceRepository,
	assignments *registryrepo.AssignmentRepository,
	orphans *registryrepo.OrphanRepository,
	checker tenancy.SpaceTenantChecker,
	recomputer SpaceRecomputer,
	logger *log.Logger,
) (*Service, error) {
	if sensors == nil || displays == nil {
		return nil, errors.New("registry: nil device repo")
	}
	if assignments == nil {
		return nil, errors.New("registry: nil assignment repo")
	}
	if orphans == nil {
		return nil, errors.New("registry: nil orphan repo")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		sensors:     sensors,
		displays:    displays,
		assignments: assignments,
		orphans:     orphans,
		checker:     checker,
		recomputer:  recomputer,
		logger:      logger,
	}, nil
}

func (s *Service) repoFor(kind registry.Kind) (*registryrepo.DeviceRepository, error) {
	switch kind {
	case registry.KindSensor:
		return s.sensors, nil
	case registry.KindDisplay:
		return s.displays, nil
	default:
		return nil, fmt.Errorf("%w: unknown device kind", registry.ErrInvalidInput)
	}
}

// Register creates a device record. A matching orphan record is consumed.
func (s *Service) Register(ctx context.Context, scope tenancy.Scope, req RegisterRequest) (*registry.Device, error) {
	kind := registry.Kind(strings.TrimSpace(req.Kind))
	repo, err := s.repoFor(kind)
	if err != nil {
		return nil, err
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = scope.TenantID
	}
	if !scope.CanAccess(tenantID) {
		return nil, tenancy.ErrTenantMismatch
	}

	device := &registry.Device{
		TenantID: tenantID,
		Kind:     kind,
		DevEUI:   registry.NormalizeEUI(req.DevEUI),
		Name:     strings.TrimSpace(req.Name),
	}
	if err := repo.Create(ctx, device); err != nil {
		return nil, err
	}
	if err := s.orphans.Delete(ctx, device.DevEUI); err != nil {
		s.logger.Printf("registry: clear orphan %s: %v", device.DevEUI, err)
	}
	return device, nil
}

// Get loads a device by id and kind within the scope.
func (s *Service) Get(ctx context.Context, scope tenancy.Scope, kind registry.Kind, deviceID string) (*registry.Device, error) {
	repo, err := s.repoFor(kind)
	if err != nil {
		return nil, err
	}
	device, err := repo.Get(ctx, scope, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, registry.ErrNotFound
	}
	return device, nil
}

// List returns the scope's devices of one kind. An empty status matches all.
func (s *Service) List(ctx context.Context, scope tenancy.Scope, kind registry.Kind, status string) ([]registry.Device, error) {
	repo, err := s.repoFor(kind)
	if err != nil {
		return nil, err
	}
	return repo.List(ctx, scope, status)
}

// Assign binds a device to a space in its own tenant and recomputes the
// space so a sensor binding takes effect immediately.
func (s *Service) Assign(ctx context.Context, scope tenancy.Scope, kind registry.Kind, deviceID string, req AssignRequest) (*registry.Device, error) {
	if strings.TrimSpace(req.SpaceID) == "" {
		return nil, fmt.Errorf("%w: space_id required", registry.ErrInvalidInput)
	}
	device, err := s.Get(ctx, scope, kind, deviceID)
	if err != nil {
		return nil, err
	}
	if device.AssignedSpaceID != "" {
		return nil, registry.ErrAlreadyAssigned
	}
	if s.checker != nil {
		deviceScope := tenancy.Scope{TenantID: device.TenantID}
		if err := s.checker.EnsureSpaceTenant(ctx, deviceScope, req.SpaceID); err != nil {
			return nil, err
		}
	}

	actor := actorFrom(ctx, scope)
	if err := s.assignments.Assign(ctx, device, req.SpaceID, actor, strings.TrimSpace(req.Reason)); err != nil {
		return nil, err
	}
	s.recompute(ctx, req.SpaceID)

	return s.Get(ctx, scope, kind, deviceID)
}

// Unassign releases a device. The history record keeps the reason.
func (s *Service) Unassign(ctx context.Context, scope tenancy.Scope, kind registry.Kind, deviceID string, req UnassignRequest) (*registry.Device, error) {
	device, err := s.Get(ctx, scope, kind, deviceID)
	if err != nil {
		return nil, err
	}
	spaceID := device.AssignedSpaceID

	actor := actorFrom(ctx, scope)
	if err := s.assignments.Unassign(ctx, device, actor, strings.TrimSpace(req.Reason)); err != nil {
		return nil, err
	}
	if spaceID != "" {
		s.recompute(ctx, spaceID)
	}

	return s.Get(ctx, scope, kind, deviceID)
}

// History lists assignment records for a device.
func (s *Service) History(ctx context.Context, scope tenancy.Scope, kind registry.Kind, deviceID string, limit int) ([]registry.Assignment, error) {
	if _, err := s.Get(ctx, scope, kind, deviceID); err != nil {
		return nil, err
	}
	return s.assignments.History(ctx, scope, deviceID, limit)
}

// Orphans lists unregistered hardware heard recently. Orphans carry no
// tenant, so only platform admins see them.
func (s *Service) Orphans(ctx context.Context, scope tenancy.Scope, limit int) ([]registry.Orphan, error) {
	if !scope.PlatformAdmin {
		return nil, tenancy.ErrTenantMismatch
	}
	return s.orphans.List(ctx, limit)
}

func (s *Service) recompute(ctx context.Context, spaceID string) {
	if s.recomputer == nil {
		return
	}
	if _, err := s.recomputer.Recompute(ctx, spaceID, spacestate.SourceSystem, ""); err != nil {
		s.logger.Printf("registry: recompute space=%s: %v", spaceID, err)
	}
}

func actorFrom(ctx context.Context, scope tenancy.Scope) string {
	if subject := auth.SubjectFromContext(ctx); subject != "" {
		return subject
	}
	if scope.PlatformAdmin {
		return "platform"
	}
	return "operator"
}
