package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	spacestate "parkgrid-cloud/internal/spacestate/domain"
	"parkgrid-cloud/internal/tenancy"
)

// SpaceAdminStore is the repository surface the service writes through.
type SpaceAdminStore interface {
	SpaceStore
	List(ctx context.Context, scope tenancy.Scope, siteID string) ([]spacestate.Space, error)
	Create(ctx context.Context, space *spacestate.Space) error
	SetMaintenance(ctx context.Context, scope tenancy.Scope, spaceID string, on bool, reason string) error
	SetEnabled(ctx context.Context, scope tenancy.Scope, spaceID string, enabled bool) error
	SoftDelete(ctx context.Context, scope tenancy.Scope, spaceID string) error
	SetSensorState(ctx context.Context, spaceID string, occupied bool, at time.Time) error
}

// SiteResolver maps a site to its owning tenant.
type SiteResolver interface {
	TenantOf(ctx context.Context, siteID string) (string, error)
}

// ReservationCounter counts reservations that keep a space alive.
type ReservationCounter interface {
	CountActive(ctx context.Context, spaceID string) (int, error)
}

// CreateSpaceRequest carries the fields for a new space.
type CreateSpaceRequest struct {
	SiteID             string `json:"site_id"`
	Code               string `json:"code"`
	Name               string `json:"name"`
	Enabled            *bool  `json:"enabled"`
	AutoReleaseMinutes int    `json:"auto_release_minutes"`
}

// OverrideRequest flips the maintenance override on a space.
type OverrideRequest struct {
	Maintenance bool   `json:"maintenance"`
	Reason      string `json:"reason"`
}

// Service covers space administration: creation, maintenance overrides,
// enablement, and deletion. State itself is owned by the Recomputer.
type Service struct {
	spaces       SpaceAdminStore
	sites        SiteResolver
	reservations ReservationCounter
	recomputer   *Recomputer
	logger       *log.Logger
}

// NewService constructs a space service.
func NewService(spaces SpaceAdminStore, sites SiteResolver, reservations ReservationCounter, recomputer *Recomputer, logger *log.Logger) (*Service, error) {
	if spaces == nil {
		return nil, errors.New("spacestate: nil space store")
	}
	if sites == nil {
		return nil, errors.New("spacestate: nil site resolver")
	}
	if reservations == nil {
		return nil, errors.New("spacestate: nil reservation counter")
	}
	if recomputer == nil {
		return nil, errors.New("spacestate: nil recomputer")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		spaces:       spaces,
		sites:        sites,
		reservations: reservations,
		recomputer:   recomputer,
		logger:       logger,
	}, nil
}

// Get loads one space within the scope.
func (s *Service) Get(ctx context.Context, scope tenancy.Scope, spaceID string) (*spacestate.Space, error) {
	space, err := s.spaces.Get(ctx, scope, spaceID)
	if err != nil {
		return nil, err
	}
	if space == nil {
		return nil, spacestate.ErrNotFound
	}
	return space, nil
}

// List returns the scope's spaces, optionally filtered by site.
func (s *Service) List(ctx context.Context, scope tenancy.Scope, siteID string) ([]spacestate.Space, error) {
	return s.spaces.List(ctx, scope, siteID)
}

// Create provisions a space under the site's tenant. The caller's scope must
// be able to reach that tenant.
func (s *Service) Create(ctx context.Context, scope tenancy.Scope, req CreateSpaceRequest) (*spacestate.Space, error) {
	if strings.TrimSpace(req.SiteID) == "" {
		return nil, fmt.Errorf("%w: site_id required", spacestate.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("%w: code required", spacestate.ErrInvalidInput)
	}
	if req.AutoReleaseMinutes < 0 {
		return nil, fmt.Errorf("%w: auto_release_minutes must not be negative", spacestate.ErrInvalidInput)
	}

	tenantID, err := s.sites.TenantOf(ctx, req.SiteID)
	if err != nil {
		return nil, err
	}
	if !scope.CanAccess(tenantID) {
		return nil, tenancy.ErrTenantMismatch
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSpace(req.Code)
	}
	space := &spacestate.Space{
		TenantID:           tenantID,
		SiteID:             req.SiteID,
		Code:               strings.TrimSpace(req.Code),
		Name:               name,
		Enabled:            enabled,
		CurrentState:       spacestate.StateUnknown,
		AutoReleaseMinutes: req.AutoReleaseMinutes,
	}
	if err := s.spaces.Create(ctx, space); err != nil {
		return nil, err
	}
	return space, nil
}

// Override sets or clears the maintenance flag and recomputes. Setting it
// requires a reason.
func (s *Service) Override(ctx context.Context, scope tenancy.Scope, spaceID string, req OverrideRequest) (spacestate.State, error) {
	if req.Maintenance && strings.TrimSpace(req.Reason) == "" {
		return "", fmt.Errorf("%w: override reason required", spacestate.ErrInvalidInput)
	}
	if err := s.spaces.SetMaintenance(ctx, scope, spaceID, req.Maintenance, strings.TrimSpace(req.Reason)); err != nil {
		return "", err
	}
	return s.recomputer.Recompute(ctx, spaceID, spacestate.SourceManual, "")
}

// SetEnabled flips enablement and recomputes.
func (s *Service) SetEnabled(ctx context.Context, scope tenancy.Scope, spaceID string, enabled bool) (spacestate.State, error) {
	if err := s.spaces.SetEnabled(ctx, scope, spaceID, enabled); err != nil {
		return "", err
	}
	return s.recomputer.Recompute(ctx, spaceID, spacestate.SourceManual, "")
}

// Delete tombstones a space. Spaces holding active reservations stay.
func (s *Service) Delete(ctx context.Context, scope tenancy.Scope, spaceID string) error {
	space, err := s.spaces.Get(ctx, scope, spaceID)
	if err != nil {
		return err
	}
	if space == nil {
		return spacestate.ErrNotFound
	}
	active, err := s.reservations.CountActive(ctx, spaceID)
	if err != nil {
		return err
	}
	if active > 0 {
		return spacestate.ErrHasActiveReservations
	}
	return s.spaces.SoftDelete(ctx, scope, spaceID)
}

// RecordSensorState stores an accepted sensor report and recomputes. Called
// by the ingestion path after registry resolution.
func (s *Service) RecordSensorState(ctx context.Context, spaceID string, occupied bool, at time.Time) (spacestate.State, error) {
	if err := s.spaces.SetSensorState(ctx, spaceID, occupied, at); err != nil {
		return "", err
	}
	return s.recomputer.Recompute(ctx, spaceID, spacestate.SourceSensor, "")
}
